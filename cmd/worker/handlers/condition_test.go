package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fluxline/engine/common/errs"
)

func evalCondition(t *testing.T, h *ConditionHandler, expression string, inputs map[string]map[string]interface{}) map[string]interface{} {
	t.Helper()
	ectx := newContext(map[string]interface{}{"expression": expression}, inputs)
	out, err := h.Execute(context.Background(), nodeOf("condition"), ectx)
	if err != nil {
		t.Fatalf("Execute(%q): %v", expression, err)
	}
	return out
}

func TestConditionTrueAndFalseBranches(t *testing.T) {
	h := NewConditionHandler()

	out := evalCondition(t, h, `output.approved == true`, map[string]map[string]interface{}{
		"review": {"approved": true},
	})
	if out["result"] != true || out["branch"] != "true" {
		t.Errorf("output = %#v, want result true branch true", out)
	}

	out = evalCondition(t, h, `output.approved == true`, map[string]map[string]interface{}{
		"review": {"approved": false},
	})
	if out["result"] != false || out["branch"] != "false" {
		t.Errorf("output = %#v, want result false branch false", out)
	}
}

func TestConditionDollarShorthand(t *testing.T) {
	h := NewConditionHandler()

	out := evalCondition(t, h, `$.count > 2`, map[string]map[string]interface{}{
		"tally": {"count": 3.0},
	})
	if out["result"] != true {
		t.Errorf("result = %v, want true", out["result"])
	}
}

func TestConditionNumericComparisonAcrossTypes(t *testing.T) {
	// JSON decodes numbers as doubles; int literals in expressions must
	// still compare
	h := NewConditionHandler()

	out := evalCondition(t, h, `output.value >= 100`, map[string]map[string]interface{}{
		"price": {"value": 512.5},
	})
	if out["result"] != true {
		t.Errorf("result = %v, want true", out["result"])
	}
}

func TestConditionContextBindings(t *testing.T) {
	h := NewConditionHandler()

	out := evalCondition(t, h, `ctx.userId == "U1" && ctx.workflow.trigger == "manual"`, nil)
	if out["result"] != true {
		t.Errorf("result = %v, want true", out["result"])
	}
}

func TestConditionNonBooleanResult(t *testing.T) {
	h := NewConditionHandler()
	ectx := newContext(map[string]interface{}{"expression": `output.count`}, map[string]map[string]interface{}{
		"tally": {"count": 3.0},
	})

	_, err := h.Execute(context.Background(), nodeOf("condition"), ectx)
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Message, "boolean") {
		t.Errorf("message = %q, want mention of boolean", verr.Message)
	}
}

func TestConditionMissingExpression(t *testing.T) {
	h := NewConditionHandler()

	problems := h.ValidateConfig(map[string]interface{}{}, "U1")
	if len(problems) != 1 || !strings.Contains(problems[0], "required") {
		t.Errorf("problems = %v, want expression required", problems)
	}

	ectx := newContext(map[string]interface{}{}, nil)
	_, err := h.Execute(context.Background(), nodeOf("condition"), ectx)
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestConditionCompileErrorSurfacesAtValidation(t *testing.T) {
	h := NewConditionHandler()

	problems := h.ValidateConfig(map[string]interface{}{"expression": `output.x &&& true`}, "U1")
	if len(problems) != 1 {
		t.Fatalf("problems = %v, want one compile problem", problems)
	}

	ectx := newContext(map[string]interface{}{"expression": `output.x &&& true`}, nil)
	_, err := h.Execute(context.Background(), nodeOf("condition"), ectx)
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestConditionReferenceExpressionSkipsCompileCheck(t *testing.T) {
	h := NewConditionHandler()

	problems := h.ValidateConfig(map[string]interface{}{"expression": "$nodes.gate.expression"}, "U1")
	if len(problems) != 0 {
		t.Errorf("problems = %v, want none for unresolved reference", problems)
	}
}

func TestConditionProgramCacheReused(t *testing.T) {
	h := NewConditionHandler()
	inputs := map[string]map[string]interface{}{"review": {"approved": true}}

	evalCondition(t, h, `output.approved == true`, inputs)
	evalCondition(t, h, `output.approved == true`, inputs)
	evalCondition(t, h, `$.approved == true`, inputs) // normalizes to the same program

	if n := len(h.programs); n != 1 {
		t.Errorf("cached programs = %d, want 1", n)
	}
}
