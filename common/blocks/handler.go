// Package blocks defines the block handler contract, the handler registry,
// builtin input/output schemas, and reference resolution for node configs.
package blocks

import (
	"context"

	"github.com/fluxline/engine/common/models"
)

// Logger is the node-scoped logger handed to handlers
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Context carries everything a handler may consult for one invocation.
// Handlers must treat it as read-only.
type Context struct {
	NodeID      string
	ExecutionID string
	WorkflowID  string
	UserID      string

	// Inputs are the direct parents' outputs keyed by node id
	Inputs map[string]map[string]interface{}

	// Config is the node config after reference resolution
	Config map[string]interface{}

	// PreviousOutputs holds every output produced so far in this execution
	PreviousOutputs map[string]map[string]interface{}

	// WorkflowData is the trigger payload the execution started with
	WorkflowData map[string]interface{}

	Logger Logger
}

// Handler executes one block type
type Handler interface {
	Execute(ctx context.Context, node models.Node, ectx *Context) (map[string]interface{}, error)
}

// ConfigValidator is optionally implemented by handlers that can check a
// node config before execution. Returned strings describe the problems;
// an empty slice means the config is acceptable.
type ConfigValidator interface {
	ValidateConfig(config map[string]interface{}, userID string) []string
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, node models.Node, ectx *Context) (map[string]interface{}, error)

// Execute implements Handler
func (f HandlerFunc) Execute(ctx context.Context, node models.Node, ectx *Context) (map[string]interface{}, error) {
	return f(ctx, node, ectx)
}
