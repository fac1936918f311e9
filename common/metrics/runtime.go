// Package metrics captures runtime and system measurements for node
// executions and exposes the worker's Prometheus collectors.
package metrics

import (
	"context"
	"runtime"
	"sync"
)

// SystemInfo holds static system information captured once at startup.
// CPUQuota and MemoryLimitMB reflect cgroup limits and stay zero when the
// worker runs unconfined.
type SystemInfo struct {
	OS               string  `json:"os"`
	OSVersion        string  `json:"os_version"`
	Arch             string  `json:"arch"`
	Hostname         string  `json:"hostname"`
	CPULogical       int     `json:"cpu_logical"`
	CPUQuota         float64 `json:"cpu_quota_cores,omitempty"`
	TotalMemoryMB    uint64  `json:"total_memory_mb"`
	MemoryLimitMB    uint64  `json:"memory_limit_mb,omitempty"`
	GoVersion        string  `json:"go_version"`
	InContainer      bool    `json:"in_container"`
	ContainerRuntime string  `json:"container_runtime,omitempty"`
}

var (
	systemInfo     *SystemInfo
	systemInfoOnce sync.Once
)

// GetSystemInfo returns cached system information (captured once)
func GetSystemInfo() *SystemInfo {
	systemInfoOnce.Do(func() {
		systemInfo = captureSystemInfo()
	})
	return systemInfo
}

// RuntimeMetrics captures memory and goroutine deltas around one node attempt
type RuntimeMetrics struct {
	MemoryStartMB  float64
	MemoryPeakMB   float64
	MemoryEndMB    float64
	GoroutineStart int
	GoroutineEnd   int
}

// CaptureStart captures runtime metrics at the beginning of execution.
// Context is provided for future extensions (tracing, cancellation, etc.)
func CaptureStart(ctx context.Context) *RuntimeMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &RuntimeMetrics{
		MemoryStartMB:  float64(m.Alloc) / 1024 / 1024,
		GoroutineStart: runtime.NumGoroutine(),
	}
}

// Finalize completes the metrics capture at the end of execution
func (rm *RuntimeMetrics) Finalize(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rm.MemoryEndMB = float64(m.Alloc) / 1024 / 1024
	rm.GoroutineEnd = runtime.NumGoroutine()

	// Peak is the higher of start or end; short attempts rarely need
	// periodic sampling in between
	if rm.MemoryEndMB > rm.MemoryStartMB {
		rm.MemoryPeakMB = rm.MemoryEndMB
	} else {
		rm.MemoryPeakMB = rm.MemoryStartMB
	}
}

// ToMap converts RuntimeMetrics to a map for log metadata
func (rm *RuntimeMetrics) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"memory_start_mb": rm.MemoryStartMB,
		"memory_peak_mb":  rm.MemoryPeakMB,
		"memory_end_mb":   rm.MemoryEndMB,
		"goroutine_start": rm.GoroutineStart,
		"goroutine_end":   rm.GoroutineEnd,
	}
}

// ToMap converts SystemInfo to a map for log metadata
func (si *SystemInfo) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"os":              si.OS,
		"os_version":      si.OSVersion,
		"arch":            si.Arch,
		"hostname":        si.Hostname,
		"cpu_logical":     si.CPULogical,
		"total_memory_mb": si.TotalMemoryMB,
		"go_version":      si.GoVersion,
		"in_container":    si.InContainer,
	}
	if si.CPUQuota > 0 {
		m["cpu_quota_cores"] = si.CPUQuota
	}
	if si.MemoryLimitMB > 0 {
		m["memory_limit_mb"] = si.MemoryLimitMB
	}
	if si.ContainerRuntime != "" {
		m["container_runtime"] = si.ContainerRuntime
	}
	return m
}
