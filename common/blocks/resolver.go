package blocks

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var interpolationPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolver substitutes node-output references in block configs.
// Supports:
//   - $nodes.node_id          — entire node output
//   - $nodes.node_id.field    — specific field access (gjson path)
//   - ${$nodes.node_id.field} — string interpolation
type Resolver struct {
	logger Logger
}

// NewResolver creates a reference resolver
func NewResolver(logger Logger) *Resolver {
	return &Resolver{logger: logger}
}

// ResolveConfig resolves every reference in a config map against the
// outputs produced so far. The input map is not mutated.
func (r *Resolver) ResolveConfig(config map[string]interface{}, outputs map[string]map[string]interface{}) (map[string]interface{}, error) {
	if config == nil {
		return nil, nil
	}

	resolved := make(map[string]interface{}, len(config))
	for key, value := range config {
		rv, err := r.resolveValue(value, outputs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config key %s: %w", key, err)
		}
		resolved[key] = rv
	}
	return resolved, nil
}

func (r *Resolver) resolveValue(value interface{}, outputs map[string]map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, outputs)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for key, item := range v {
			rv, err := r.resolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, item := range v {
			rv, err := r.resolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		// Primitives pass through
		return value, nil
	}
}

func (r *Resolver) resolveString(str string, outputs map[string]map[string]interface{}) (interface{}, error) {
	if strings.HasPrefix(str, "$nodes.") {
		return r.resolveNodeReference(str, outputs)
	}
	if strings.Contains(str, "${") {
		return r.resolveInterpolation(str, outputs)
	}
	return str, nil
}

// resolveNodeReference resolves "$nodes.node_id" or "$nodes.node_id.field.path"
func (r *Resolver) resolveNodeReference(expr string, outputs map[string]map[string]interface{}) (interface{}, error) {
	ref := strings.TrimPrefix(expr, "$nodes.")

	parts := strings.SplitN(ref, ".", 2)
	nodeID := parts[0]

	output, ok := outputs[nodeID]
	if !ok {
		r.logger.Error("referenced node output not available", "node_id", nodeID, "reference", expr)
		return nil, fmt.Errorf("node output not found: %s", nodeID)
	}

	if len(parts) == 1 {
		return output, nil
	}

	fieldPath := parts[1]
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node output: %w", err)
	}

	result := gjson.GetBytes(outputJSON, fieldPath)
	if !result.Exists() {
		return nil, fmt.Errorf("field not found: %s in node %s", fieldPath, nodeID)
	}
	return result.Value(), nil
}

// resolveInterpolation replaces each ${...} placeholder with its resolved
// value, JSON-encoding non-string values
func (r *Resolver) resolveInterpolation(str string, outputs map[string]map[string]interface{}) (string, error) {
	result := str

	for _, match := range interpolationPattern.FindAllStringSubmatch(str, -1) {
		if len(match) < 2 {
			continue
		}
		placeholder := match[0]
		expr := match[1]

		value, err := r.resolveString(expr, outputs)
		if err != nil {
			return "", fmt.Errorf("failed to resolve interpolation %s: %w", placeholder, err)
		}

		var valueStr string
		switch v := value.(type) {
		case string:
			valueStr = v
		case []byte:
			valueStr = string(v)
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("failed to marshal interpolated value: %w", err)
			}
			valueStr = string(jsonBytes)
		}

		result = strings.Replace(result, placeholder, valueStr, 1)
	}

	return result, nil
}
