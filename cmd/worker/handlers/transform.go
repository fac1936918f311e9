package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

var transformOperations = map[string]bool{
	"pick":    true,
	"merge":   true,
	"patch":   true,
	"map":     true,
	"filter":  true,
	"compute": true,
}

// TransformHandler reshapes data flowing between blocks. The source is the
// resolved `source` config value when present, otherwise the merged parent
// outputs. Every operation returns its value under the `result` key:
//
//	pick    — subset of the source object by field name
//	merge   — parent outputs folded together, optionally overlaid by `with`
//	patch   — RFC 6902 operations applied to the source
//	map     — expression applied per element of an array source
//	filter  — boolean expression keeping matching elements
//	compute — expression over the whole source
//
// Expressions compile once and are cached.
type TransformHandler struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewTransformHandler creates the transform block handler
func NewTransformHandler() *TransformHandler {
	return &TransformHandler{programs: make(map[string]*vm.Program)}
}

// ValidateConfig checks the operation and its required companions
func (h *TransformHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	var problems []string

	op := strings.ToLower(stringValue(config, "operation"))
	if op == "" {
		problems = append(problems, "operation is required")
		return problems
	}
	if isReference(op) {
		return nil
	}
	if !transformOperations[op] {
		problems = append(problems, fmt.Sprintf("unsupported operation %q", op))
		return problems
	}

	switch op {
	case "pick":
		if _, ok := config["fields"].([]interface{}); !ok {
			problems = append(problems, "pick requires a fields array")
		}
	case "patch":
		if _, ok := config["patch"].([]interface{}); !ok {
			problems = append(problems, "patch requires an operations array")
		}
	case "map", "filter", "compute":
		expression := stringValue(config, "expression")
		if expression == "" {
			problems = append(problems, fmt.Sprintf("%s requires an expression", op))
		} else if !isReference(expression) {
			if _, err := h.program(expression); err != nil {
				problems = append(problems, fmt.Sprintf("expression does not compile: %v", err))
			}
		}
	}
	return problems
}

// Execute applies the configured operation
func (h *TransformHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	op := strings.ToLower(stringValue(ectx.Config, "operation"))
	if op == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "transform block requires an operation"}
	}

	var (
		result interface{}
		err    error
	)
	switch op {
	case "pick":
		result, err = h.pick(node, ectx)
	case "merge":
		result, err = h.merge(ectx)
	case "patch":
		result, err = h.patch(node, ectx)
	case "map":
		result, err = h.mapElements(node, ectx)
	case "filter":
		result, err = h.filterElements(node, ectx)
	case "compute":
		result, err = h.compute(node, ectx)
	default:
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("unsupported transform operation %q", op)}
	}
	if err != nil {
		return nil, err
	}

	ectx.Logger.Debug("transform applied", "operation", op)
	return map[string]interface{}{"result": result}, nil
}

func (h *TransformHandler) pick(node models.Node, ectx *blocks.Context) (interface{}, error) {
	source, ok := sourceValue(ectx).(map[string]interface{})
	if !ok {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "pick requires an object source"}
	}

	fields, ok := ectx.Config["fields"].([]interface{})
	if !ok {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "pick requires a fields array"}
	}

	picked := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		name, ok := f.(string)
		if !ok {
			continue
		}
		if v, ok := source[name]; ok {
			picked[name] = v
		}
	}
	return picked, nil
}

func (h *TransformHandler) merge(ectx *blocks.Context) (interface{}, error) {
	merged := mergedInputs(ectx)
	if with, ok := ectx.Config["with"].(map[string]interface{}); ok {
		for k, v := range with {
			merged[k] = v
		}
	}
	return merged, nil
}

func (h *TransformHandler) patch(node models.Node, ectx *blocks.Context) (interface{}, error) {
	rawOps, ok := ectx.Config["patch"].([]interface{})
	if !ok {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "patch requires an operations array"}
	}

	patchJSON, err := json.Marshal(rawOps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch operations: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("invalid patch operations: %v", err)}
	}

	sourceJSON, err := json.Marshal(sourceValue(ectx))
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch source: %w", err)
	}

	patched, err := patch.Apply(sourceJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(patched, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode patched document: %w", err)
	}
	return decoded, nil
}

func (h *TransformHandler) mapElements(node models.Node, ectx *blocks.Context) (interface{}, error) {
	items, prg, err := h.elementwise(node, ectx, "map")
	if err != nil {
		return nil, err
	}

	mapped := make([]interface{}, len(items))
	for i, item := range items {
		v, err := expr.Run(prg, map[string]interface{}{"item": item, "index": i})
		if err != nil {
			return nil, fmt.Errorf("transform map expression failed at index %d: %w", i, err)
		}
		mapped[i] = v
	}
	return mapped, nil
}

func (h *TransformHandler) filterElements(node models.Node, ectx *blocks.Context) (interface{}, error) {
	items, prg, err := h.elementwise(node, ectx, "filter")
	if err != nil {
		return nil, err
	}

	kept := make([]interface{}, 0, len(items))
	for i, item := range items {
		v, err := expr.Run(prg, map[string]interface{}{"item": item, "index": i})
		if err != nil {
			return nil, fmt.Errorf("transform filter expression failed at index %d: %w", i, err)
		}
		keep, ok := v.(bool)
		if !ok {
			return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("filter expression must return a boolean, got %T", v)}
		}
		if keep {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (h *TransformHandler) compute(node models.Node, ectx *blocks.Context) (interface{}, error) {
	expression := stringValue(ectx.Config, "expression")
	if expression == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "compute requires an expression"}
	}
	prg, err := h.program(expression)
	if err != nil {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("invalid compute expression: %v", err)}
	}

	v, err := expr.Run(prg, map[string]interface{}{
		"input":    sourceValue(ectx),
		"nodes":    outputsAsAny(ectx.PreviousOutputs),
		"workflow": ectx.WorkflowData,
	})
	if err != nil {
		return nil, fmt.Errorf("transform compute expression failed: %w", err)
	}
	return v, nil
}

// elementwise resolves the shared pieces of map and filter: an array
// source and a compiled expression
func (h *TransformHandler) elementwise(node models.Node, ectx *blocks.Context, op string) ([]interface{}, *vm.Program, error) {
	items, ok := sourceValue(ectx).([]interface{})
	if !ok {
		return nil, nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("transform %s requires an array source", op)}
	}

	expression := stringValue(ectx.Config, "expression")
	if expression == "" {
		return nil, nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("%s requires an expression", op)}
	}

	prg, err := h.program(expression)
	if err != nil {
		return nil, nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("invalid %s expression: %v", op, err)}
	}
	return items, prg, nil
}

// program compiles an expression on first use and caches it
func (h *TransformHandler) program(expression string) (*vm.Program, error) {
	h.mu.RLock()
	prg, ok := h.programs[expression]
	h.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.programs[expression] = prg
	h.mu.Unlock()
	return prg, nil
}

// sourceValue is the data a transform operates on: the resolved `source`
// config value when present, otherwise the merged parent outputs
func sourceValue(ectx *blocks.Context) interface{} {
	if v, ok := ectx.Config["source"]; ok && v != nil {
		return v
	}
	return mergedInputs(ectx)
}
