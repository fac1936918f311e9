package blocks

import (
	"fmt"
	"strings"

	"github.com/fluxline/engine/common/models"
)

// NormalizeFieldType folds a declared field type to one of the primitive
// tags string, number, boolean, array, object. Enums carry string values
// on the wire so they normalize to string.
func NormalizeFieldType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "enum", "string", "text":
		return "string"
	case "number", "integer", "int", "float":
		return "number"
	case "boolean", "bool":
		return "boolean"
	case "array", "list":
		return "array"
	case "object", "map", "json":
		return "object"
	default:
		return strings.ToLower(strings.TrimSpace(t))
	}
}

// valueType reports the primitive tag of a decoded JSON value
func valueType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "object"
	}
}

// ValidateFields checks a payload against declared fields and returns one
// warning string per violation. Validation is advisory: callers log the
// warnings and continue unless strict mode promotes them.
//
// A field is satisfied when the payload carries it at the top level or any
// direct parent output carries it (inputs are keyed by parent node id).
// Input envelopes nest the parent outputs under a "data" key; the search
// descends into it so envelope keys like "context" never shadow outputs.
func ValidateFields(schema *models.FieldSchema, payload map[string]interface{}) []string {
	if schema == nil || len(schema.Fields) == 0 {
		return nil
	}

	var warnings []string
	for _, f := range schema.Fields {
		v, ok := lookupField(payload, f.Name)
		if !ok {
			if f.Required {
				warnings = append(warnings, fmt.Sprintf("required field %q is missing", f.Name))
			}
			continue
		}

		want := NormalizeFieldType(f.Type)
		got := valueType(v)
		if want != "" && got != "null" && got != want {
			warnings = append(warnings, fmt.Sprintf("field %q expected %s, got %s", f.Name, want, got))
		}
	}
	return warnings
}

func lookupField(payload map[string]interface{}, name string) (interface{}, bool) {
	if v, ok := payload[name]; ok {
		return v, true
	}

	outputs := payload
	if data, ok := payload["data"].(map[string]interface{}); ok {
		outputs = data
		if v, ok := data[name]; ok {
			return v, true
		}
	}
	for _, pv := range outputs {
		if m, ok := pv.(map[string]interface{}); ok {
			if v, ok := m[name]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// BuiltinSchema returns the declared input/output shape for a builtin block
// type, nil for unknown types. Node-authored enhancedSchema takes precedence
// over these.
func BuiltinSchema(blockType string) *models.EnhancedSchema {
	s, ok := builtinSchemas[NormalizeType(blockType)]
	if !ok {
		return nil
	}
	return s
}

var builtinSchemas = map[string]*models.EnhancedSchema{
	"http": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string"},
			{Name: "headers", Type: "object"},
			{Name: "payload", Type: "object"},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "status", Type: "number", Required: true},
			{Name: "body", Type: "object"},
			{Name: "durationMs", Type: "number"},
		}},
	},
	"condition": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "expression", Type: "string", Required: true},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "result", Type: "boolean", Required: true},
			{Name: "branch", Type: "string"},
		}},
	},
	"transform": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "operation", Type: "string", Required: true},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "result", Type: "object"},
		}},
	},
	"email": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "to", Type: "string", Required: true},
			{Name: "subject", Type: "string"},
			{Name: "body", Type: "string"},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "queued", Type: "boolean", Required: true},
			{Name: "to", Type: "string"},
		}},
	},
	"delay": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "durationMs", Type: "number", Required: true},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "delayedMs", Type: "number", Required: true},
		}},
	},
	"price-monitor": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "url", Type: "string", Required: true},
			{Name: "path", Type: "string", Required: true},
			{Name: "threshold", Type: "number"},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "value", Type: "number", Required: true},
			{Name: "triggered", Type: "boolean"},
		}},
	},
	"blockchain": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "operation", Type: "string", Required: true},
			{Name: "address", Type: "string"},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "result", Type: "string", Required: true},
		}},
	},
	"custom": {
		Input: &models.FieldSchema{Fields: []models.Field{
			{Name: "code", Type: "string", Required: true},
			{Name: "language", Type: "string"},
		}},
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "result", Type: "object"},
		}},
	},
	"webhook-trigger": {
		Output: &models.FieldSchema{Fields: []models.Field{
			{Name: "payload", Type: "object"},
		}},
	},
}
