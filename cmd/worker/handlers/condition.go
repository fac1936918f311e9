package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

// ConditionHandler evaluates a CEL expression against the merged parent
// outputs (bound as `output`) and the execution context (bound as `ctx`).
// Compiled programs are cached per expression; JSONPath-style `$.field`
// shorthand normalizes to `output.field`.
type ConditionHandler struct {
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionHandler creates the condition block handler
func NewConditionHandler() *ConditionHandler {
	return &ConditionHandler{programs: make(map[string]cel.Program)}
}

// ValidateConfig compiles the expression early so authoring mistakes fail
// validation instead of the first execution
func (h *ConditionHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	expr := stringValue(config, "expression")
	if expr == "" {
		return []string{"expression is required"}
	}
	if isReference(expr) {
		return nil
	}
	if _, err := h.program(expr); err != nil {
		return []string{fmt.Sprintf("expression does not compile: %v", err)}
	}
	return nil
}

// Execute evaluates the expression and reports the boolean result plus a
// branch label for edge routing
func (h *ConditionHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	expr := stringValue(ectx.Config, "expression")
	if expr == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "condition block requires an expression"}
	}

	prg, err := h.program(expr)
	if err != nil {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("invalid condition expression: %v", err)}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": mergedInputs(ectx),
		"ctx": map[string]interface{}{
			"executionId": ectx.ExecutionID,
			"workflowId":  ectx.WorkflowID,
			"userId":      ectx.UserID,
			"workflow":    ectx.WorkflowData,
			"nodes":       outputsAsAny(ectx.PreviousOutputs),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("condition evaluation failed: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("condition must evaluate to a boolean, got %T", out.Value())}
	}

	branch := "false"
	if result {
		branch = "true"
	}
	ectx.Logger.Debug("condition evaluated", "expression", expr, "result", result)

	return map[string]interface{}{
		"result": result,
		"branch": branch,
	}, nil
}

// program returns the compiled program for an expression, compiling and
// caching on first use
func (h *ConditionHandler) program(raw string) (cel.Program, error) {
	expr := strings.ReplaceAll(raw, "$.", "output.")

	h.mu.RLock()
	prg, ok := h.programs[expr]
	h.mu.RUnlock()
	if ok {
		return prg, nil
	}

	// JSON numbers decode as doubles while expressions compare against int
	// literals, so cross-type comparisons must be on
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build cel program: %w", err)
	}

	h.mu.Lock()
	h.programs[expr] = prg
	h.mu.Unlock()
	return prg, nil
}
