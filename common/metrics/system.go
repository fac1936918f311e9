package metrics

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// captureSystemInfo gathers static facts about the host. Collection is
// best effort and oriented at Linux containers, which is where workers
// deploy; elsewhere only the runtime facts fill in.
func captureSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:         runtime.GOOS,
		OSVersion:  "unknown",
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}

	if runtime.GOOS != "linux" {
		return info
	}

	info.OSVersion = readOSRelease()
	info.InContainer, info.ContainerRuntime = detectContainer()
	info.TotalMemoryMB = readMemTotal()
	info.MemoryLimitMB = readMemoryLimit()
	info.CPUQuota = readCPUQuota()
	return info
}

// readOSRelease pulls the distribution name out of /etc/os-release
func readOSRelease() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		if kernel, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			return "Linux " + strings.TrimSpace(string(kernel))
		}
		return "unknown"
	}

	var name, version string
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "PRETTY_NAME="):
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
		case strings.HasPrefix(line, "NAME="):
			name = strings.Trim(strings.TrimPrefix(line, "NAME="), `"`)
		case strings.HasPrefix(line, "VERSION="):
			version = strings.Trim(strings.TrimPrefix(line, "VERSION="), `"`)
		}
	}
	if name == "" {
		return "unknown"
	}
	return strings.TrimSpace(name + " " + version)
}

// detectContainer reports whether the process runs in a container and
// under which runtime
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}
	return false, ""
}

// readMemTotal reads the host's total memory in MB from /proc/meminfo
func readMemTotal() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// readMemoryLimit reads the cgroup memory limit in MB. Inside a container
// the limit is what bounds block executions; the host total overstates
// it. Returns 0 when no limit is set.
func readMemoryLimit() uint64 {
	// cgroup v2
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		v := strings.TrimSpace(string(data))
		if v == "max" {
			return 0
		}
		if b, err := strconv.ParseUint(v, 10, 64); err == nil {
			return b / 1024 / 1024
		}
		return 0
	}

	// cgroup v1
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if b, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
			// v1 reports an enormous number instead of "no limit"
			if b < 1<<60 {
				return b / 1024 / 1024
			}
		}
	}
	return 0
}

// readCPUQuota computes the effective core allowance from the cgroup CPU
// quota. Returns 0 when the quota is unlimited.
func readCPUQuota() float64 {
	// cgroup v2: "max 100000" or "200000 100000"
	if data, err := os.ReadFile("/sys/fs/cgroup/cpu.max"); err == nil {
		fields := strings.Fields(strings.TrimSpace(string(data)))
		if len(fields) == 2 && fields[0] != "max" {
			quota, err1 := strconv.ParseFloat(fields[0], 64)
			period, err2 := strconv.ParseFloat(fields[1], 64)
			if err1 == nil && err2 == nil && period > 0 {
				return quota / period
			}
		}
		return 0
	}

	// cgroup v1
	quotaData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	if err != nil {
		return 0
	}
	periodData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if err != nil {
		return 0
	}
	quota, err1 := strconv.ParseFloat(strings.TrimSpace(string(quotaData)), 64)
	period, err2 := strconv.ParseFloat(strings.TrimSpace(string(periodData)), 64)
	if err1 != nil || err2 != nil || quota <= 0 || period <= 0 {
		return 0
	}
	return quota / period
}
