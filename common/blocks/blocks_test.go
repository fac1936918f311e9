package blocks

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

func TestRegistryNormalizesTypes(t *testing.T) {
	reg := NewRegistry()
	reg.Register("PRICE_MONITOR", HandlerFunc(func(ctx context.Context, node models.Node, ectx *Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}))

	for _, variant := range []string{"price-monitor", "price_monitor", "Price-Monitor", " PRICE_MONITOR "} {
		if _, err := reg.Resolve(variant); err != nil {
			t.Errorf("Resolve(%q) failed: %v", variant, err)
		}
	}
}

func TestRegistryResolveUnknownType(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Resolve("nonexistent")
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
	var notFound *errs.HandlerNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected HandlerNotFoundError, got %T", err)
	}
	if notFound.BlockType != "nonexistent" {
		t.Errorf("expected block type 'nonexistent', got %q", notFound.BlockType)
	}
}

func TestResolveTypePrecedence(t *testing.T) {
	cases := []struct {
		name string
		node models.Node
		want string
	}{
		{
			name: "node type wins",
			node: models.Node{Type: "http", Data: models.NodeData{Type: "email"}},
			want: "http",
		},
		{
			name: "data type second",
			node: models.Node{Data: models.NodeData{Type: "email", BlockType: "delay"}},
			want: "email",
		},
		{
			name: "data blockType third",
			node: models.Node{Data: models.NodeData{BlockType: "delay"}},
			want: "delay",
		},
		{
			name: "config blockType last",
			node: models.Node{Data: models.NodeData{Config: map[string]interface{}{"blockType": "custom"}}},
			want: "custom",
		},
		{
			name: "nothing set",
			node: models.Node{},
			want: "",
		},
	}

	for _, tc := range cases {
		if got := ResolveType(tc.node); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestResolverNodeReference(t *testing.T) {
	r := NewResolver(nopLogger{})
	outputs := map[string]map[string]interface{}{
		"fetch": {"price": 42.5, "meta": map[string]interface{}{"currency": "USD"}},
	}

	config := map[string]interface{}{
		"value":    "$nodes.fetch.price",
		"currency": "$nodes.fetch.meta.currency",
		"all":      "$nodes.fetch",
		"plain":    "unchanged",
		"number":   7,
	}

	resolved, err := r.ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}

	if resolved["value"] != 42.5 {
		t.Errorf("expected 42.5, got %v", resolved["value"])
	}
	if resolved["currency"] != "USD" {
		t.Errorf("expected USD, got %v", resolved["currency"])
	}
	if all, ok := resolved["all"].(map[string]interface{}); !ok || all["price"] != 42.5 {
		t.Errorf("expected full fetch output, got %v", resolved["all"])
	}
	if resolved["plain"] != "unchanged" {
		t.Errorf("plain string should pass through, got %v", resolved["plain"])
	}
	if resolved["number"] != 7 {
		t.Errorf("primitive should pass through, got %v", resolved["number"])
	}
}

func TestResolverInterpolation(t *testing.T) {
	r := NewResolver(nopLogger{})
	outputs := map[string]map[string]interface{}{
		"user": {"name": "ada", "score": float64(99)},
	}

	config := map[string]interface{}{
		"greeting": "hello ${$nodes.user.name}, score ${$nodes.user.score}",
	}

	resolved, err := r.ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}
	if resolved["greeting"] != "hello ada, score 99" {
		t.Errorf("unexpected interpolation result: %v", resolved["greeting"])
	}
}

func TestResolverMissingNode(t *testing.T) {
	r := NewResolver(nopLogger{})

	_, err := r.ResolveConfig(map[string]interface{}{"v": "$nodes.ghost.field"}, nil)
	if err == nil {
		t.Fatal("expected error for missing node output")
	}
}

func TestResolverNestedStructures(t *testing.T) {
	r := NewResolver(nopLogger{})
	outputs := map[string]map[string]interface{}{
		"a": {"x": float64(1)},
	}

	config := map[string]interface{}{
		"nested": map[string]interface{}{
			"ref": "$nodes.a.x",
		},
		"list": []interface{}{"$nodes.a.x", "plain"},
	}

	resolved, err := r.ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}

	nested := resolved["nested"].(map[string]interface{})
	if nested["ref"] != float64(1) {
		t.Errorf("expected nested ref resolved to 1, got %v", nested["ref"])
	}
	list := resolved["list"].([]interface{})
	if list[0] != float64(1) || list[1] != "plain" {
		t.Errorf("unexpected list resolution: %v", list)
	}
}

func TestValidateFields(t *testing.T) {
	schema := &models.FieldSchema{Fields: []models.Field{
		{Name: "url", Type: "string", Required: true},
		{Name: "threshold", Type: "number"},
	}}

	warnings := ValidateFields(schema, map[string]interface{}{
		"url":       "https://example.com",
		"threshold": "not-a-number",
	})
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}

	warnings = ValidateFields(schema, map[string]interface{}{})
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning for missing required field, got %d: %v", len(warnings), warnings)
	}

	if got := ValidateFields(nil, map[string]interface{}{"anything": 1}); got != nil {
		t.Errorf("nil schema should produce no warnings, got %v", got)
	}
}

func TestValidateFieldsSearchesParentOutputs(t *testing.T) {
	schema := &models.FieldSchema{Fields: []models.Field{
		{Name: "price", Type: "number", Required: true},
	}}

	// Field supplied by a direct parent's output rather than the top level
	payload := map[string]interface{}{
		"fetch": map[string]interface{}{"price": 10.0},
	}
	if warnings := ValidateFields(schema, payload); len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestValidateFieldsDescendsIntoDataEnvelope(t *testing.T) {
	schema := &models.FieldSchema{Fields: []models.Field{
		{Name: "price", Type: "number", Required: true},
	}}

	// The executor wraps parent outputs under data next to a context
	// block; the search must reach them and ignore the envelope keys
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"fetch": map[string]interface{}{"price": 10.0},
		},
		"context": map[string]interface{}{"executionId": "E1"},
	}
	if warnings := ValidateFields(schema, payload); len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	// A parent named context is still searched through data
	shadowed := map[string]interface{}{
		"data": map[string]interface{}{
			"context": map[string]interface{}{"price": 10.0},
		},
		"context": map[string]interface{}{"executionId": "E1"},
	}
	if warnings := ValidateFields(schema, shadowed); len(warnings) != 0 {
		t.Errorf("expected no warnings for parent named context, got %v", warnings)
	}
}

func TestNormalizeFieldType(t *testing.T) {
	cases := map[string]string{
		"enum":    "string",
		"String":  "string",
		"int":     "number",
		"FLOAT":   "number",
		"bool":    "boolean",
		"list":    "array",
		"json":    "object",
		"custom!": "custom!",
	}
	for in, want := range cases {
		if got := NormalizeFieldType(in); got != want {
			t.Errorf("NormalizeFieldType(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestPrepareNodeEmailDefaults(t *testing.T) {
	node := models.Node{
		ID:   "n1",
		Type: "email",
		Data: models.NodeData{Config: map[string]interface{}{"subject": "hi"}},
	}

	prepared := PrepareNode(node)

	cfg := prepared.Data.Config
	if cfg["subject"] != "hi" {
		t.Errorf("existing value overwritten: %v", cfg["subject"])
	}
	for _, key := range []string{"to", "body", "template"} {
		if v, ok := cfg[key]; !ok || v != "" {
			t.Errorf("expected empty default for %q, got %v (present=%v)", key, v, ok)
		}
	}
	if _, ok := cfg["attachments"].([]interface{}); !ok {
		t.Errorf("expected attachments default, got %v", cfg["attachments"])
	}

	// Source node must stay untouched
	if _, ok := node.Data.Config["to"]; ok {
		t.Error("PrepareNode mutated the input node")
	}
}

func TestBuiltinSchemaLookup(t *testing.T) {
	if s := BuiltinSchema("HTTP"); s == nil || s.Input == nil {
		t.Error("expected builtin schema for http")
	}
	if s := BuiltinSchema("no-such-type"); s != nil {
		t.Error("expected nil for unknown type")
	}
}
