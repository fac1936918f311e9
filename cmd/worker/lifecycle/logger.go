package lifecycle

import (
	"context"
	"fmt"

	"github.com/fluxline/engine/cmd/worker/monitor"
	"github.com/fluxline/engine/common/models"
)

// LogStore persists append-only execution and node log entries.
// Implemented by repository.LogRepository.
type LogStore interface {
	AppendExecution(ctx context.Context, executionID string, level models.LogLevel, message string, metadata map[string]interface{}) error
	AppendNode(ctx context.Context, executionID, nodeID string, level models.LogLevel, message string, metadata map[string]interface{}) error
}

// ExecutionLogger writes durable log entries and mirrors them to the
// monitor so live subscribers see execution_log events as they happen.
// Persistence failures are logged and swallowed; losing a log line must
// not fail the execution.
type ExecutionLogger struct {
	store   LogStore
	monitor *monitor.Monitor
	logger  Logger
}

// NewExecutionLogger creates an execution logger over the given store
func NewExecutionLogger(store LogStore, mon *monitor.Monitor, logger Logger) *ExecutionLogger {
	return &ExecutionLogger{
		store:   store,
		monitor: mon,
		logger:  logger,
	}
}

// Execution appends an execution-scoped entry
func (l *ExecutionLogger) Execution(ctx context.Context, executionID string, level models.LogLevel, message string, metadata map[string]interface{}) {
	if err := l.store.AppendExecution(ctx, executionID, level, message, metadata); err != nil {
		l.logger.Error("failed to persist execution log",
			"execution_id", executionID,
			"error", err)
	}
	l.monitor.Log(executionID, string(level), message, metadata)
}

// Node appends a node-scoped entry
func (l *ExecutionLogger) Node(ctx context.Context, executionID, nodeID string, level models.LogLevel, message string, metadata map[string]interface{}) {
	if err := l.store.AppendNode(ctx, executionID, nodeID, level, message, metadata); err != nil {
		l.logger.Error("failed to persist node log",
			"execution_id", executionID,
			"node_id", nodeID,
			"error", err)
	}

	data := map[string]interface{}{"node_id": nodeID}
	for k, v := range metadata {
		data[k] = v
	}
	l.monitor.Log(executionID, string(level), message, data)
}

// NodeLogger scopes the execution logger to one node, satisfying the
// handler Logger contract
type NodeLogger struct {
	parent      *ExecutionLogger
	executionID string
	nodeID      string
}

// ForNode returns a logger handlers can use for node-scoped entries
func (l *ExecutionLogger) ForNode(executionID, nodeID string) *NodeLogger {
	return &NodeLogger{parent: l, executionID: executionID, nodeID: nodeID}
}

// Info logs at info level
func (l *NodeLogger) Info(msg string, keysAndValues ...interface{}) {
	l.append(models.LogInfo, msg, keysAndValues)
}

// Error logs at error level
func (l *NodeLogger) Error(msg string, keysAndValues ...interface{}) {
	l.append(models.LogError, msg, keysAndValues)
}

// Warn logs at warn level
func (l *NodeLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.append(models.LogWarn, msg, keysAndValues)
}

// Debug logs at debug level
func (l *NodeLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.append(models.LogDebug, msg, keysAndValues)
}

func (l *NodeLogger) append(level models.LogLevel, msg string, keysAndValues []interface{}) {
	l.parent.Node(context.Background(), l.executionID, l.nodeID, level, msg, kvMetadata(keysAndValues))
}

// kvMetadata folds key-value pairs into a metadata map
func kvMetadata(keysAndValues []interface{}) map[string]interface{} {
	if len(keysAndValues) == 0 {
		return nil
	}
	metadata := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		metadata[key] = keysAndValues[i+1]
	}
	return metadata
}
