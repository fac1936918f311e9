package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

// recordingLogger captures warnings for assertions
type recordingLogger struct {
	nopLogger
	warnings []string
}

func (l *recordingLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.warnings = append(l.warnings, msg)
}

func okHandler() blocks.Handler {
	return blocks.HandlerFunc(func(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})
}

// pickyHandler rejects configs missing a "url" key
type pickyHandler struct{}

func (pickyHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (pickyHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	if _, ok := config["url"]; !ok {
		return []string{"url is required"}
	}
	return nil
}

func testValidator() (*Validator, *blocks.Registry) {
	reg := blocks.NewRegistry()
	reg.Register("http", okHandler())
	reg.Register("email", okHandler())
	return NewValidator(reg, []string{"ACTION", "TRIGGER"}, nopLogger{}), reg
}

func TestValidateAcceptsLinearWorkflow(t *testing.T) {
	v, _ := testValidator()

	nodes := []models.Node{node("A"), node("B"), node("C")}
	edges := []models.Edge{edge("A", "B"), edge("B", "C")}

	if err := v.Validate(nodes, edges, "U1"); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateMissingID(t *testing.T) {
	v, _ := testValidator()

	err := v.Validate([]models.Node{{Type: "http"}}, nil, "U1")
	var batch errs.ValidationErrors
	if !errors.As(err, &batch) {
		t.Fatalf("expected ValidationErrors, got %T (%v)", err, err)
	}
}

func TestValidateUnresolvableType(t *testing.T) {
	v, _ := testValidator()

	err := v.Validate([]models.Node{{ID: "A"}}, nil, "U1")
	var batch errs.ValidationErrors
	if !errors.As(err, &batch) {
		t.Fatalf("expected ValidationErrors, got %T (%v)", err, err)
	}
	if len(batch) != 1 || batch[0].NodeID != "A" {
		t.Errorf("expected one error at node A, got %v", batch)
	}
}

func TestValidateUnknownHandler(t *testing.T) {
	v, _ := testValidator()

	nodes := []models.Node{{ID: "A", Type: "no-such-block"}}
	err := v.Validate(nodes, nil, "U1")
	var batch errs.ValidationErrors
	if !errors.As(err, &batch) {
		t.Fatalf("expected ValidationErrors, got %T (%v)", err, err)
	}
}

func TestValidateConfigCheck(t *testing.T) {
	reg := blocks.NewRegistry()
	reg.Register("http", pickyHandler{})
	v := NewValidator(reg, []string{"ACTION"}, nopLogger{})

	bad := []models.Node{{ID: "A", Type: "http", Data: models.NodeData{Config: map[string]interface{}{}}}}
	err := v.Validate(bad, nil, "U1")
	var batch errs.ValidationErrors
	if !errors.As(err, &batch) {
		t.Fatalf("expected ValidationErrors for bad config, got %T (%v)", err, err)
	}

	good := []models.Node{{ID: "A", Type: "http", Data: models.NodeData{Config: map[string]interface{}{"url": "https://x"}}}}
	if err := v.Validate(good, nil, "U1"); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

// A -> B -> C -> A reports the cycle at A
func TestValidateCycle(t *testing.T) {
	v, _ := testValidator()

	nodes := []models.Node{node("A"), node("B"), node("C")}
	edges := []models.Edge{edge("A", "B"), edge("B", "C"), edge("C", "A")}

	err := v.Validate(nodes, edges, "U1")
	var cycle *errs.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %T (%v)", err, err)
	}
	if cycle.NodeID != "A" {
		t.Errorf("expected cycle reported at A, got %s", cycle.NodeID)
	}
}

func TestValidateOrphan(t *testing.T) {
	v, _ := testValidator()

	nodes := []models.Node{node("A"), node("B"), node("lonely")}
	edges := []models.Edge{edge("A", "B")}

	err := v.Validate(nodes, edges, "U1")
	var orphan *errs.OrphanError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected OrphanError, got %T (%v)", err, err)
	}
	if orphan.NodeID != "lonely" {
		t.Errorf("expected orphan 'lonely', got %s", orphan.NodeID)
	}
}

func TestValidateSingleNodeNeedsNoEdges(t *testing.T) {
	v, _ := testValidator()

	if err := v.Validate([]models.Node{node("only")}, nil, "U1"); err != nil {
		t.Fatalf("single-node graph should pass, got %v", err)
	}
}

func TestValidateTerminalCategory(t *testing.T) {
	v, _ := testValidator()

	nodes := []models.Node{
		node("A"),
		{ID: "B", Type: "http", Category: "LOGIC"},
	}
	edges := []models.Edge{edge("A", "B")}

	err := v.Validate(nodes, edges, "U1")
	var terminal *errs.TerminalCategoryError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalCategoryError, got %T (%v)", err, err)
	}
	if terminal.NodeID != "B" || terminal.Category != "LOGIC" {
		t.Errorf("unexpected terminal error: %+v", terminal)
	}

	// The same category on a non-terminal node passes
	nodes2 := []models.Node{
		{ID: "A", Type: "http", Category: "LOGIC"},
		{ID: "B", Type: "http", Category: "ACTION"},
	}
	if err := v.Validate(nodes2, edges, "U1"); err != nil {
		t.Fatalf("non-terminal category should pass, got %v", err)
	}
}

func TestValidateTypeMismatchWarnsOnly(t *testing.T) {
	reg := blocks.NewRegistry()
	reg.Register("http", okHandler())
	logger := &recordingLogger{}
	v := NewValidator(reg, []string{"ACTION"}, logger)

	nodes := []models.Node{
		{ID: "A", Type: "http", Data: models.NodeData{EnhancedSchema: &models.EnhancedSchema{
			Output: &models.FieldSchema{Fields: []models.Field{{Name: "value", Type: "string"}}},
		}}},
		{ID: "B", Type: "http", Data: models.NodeData{EnhancedSchema: &models.EnhancedSchema{
			Input: &models.FieldSchema{Fields: []models.Field{{Name: "value", Type: "number"}}},
		}}},
	}
	edges := []models.Edge{edge("A", "B")}

	if err := v.Validate(nodes, edges, "U1"); err != nil {
		t.Fatalf("type mismatch must not fail validation, got %v", err)
	}
	if len(logger.warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(logger.warnings))
	}
}
