package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fluxline/engine/common/errs"
)

func sandboxServer(t *testing.T, status int, response string, capture *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, capture)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCustomHandlerDelegatesToSandbox(t *testing.T) {
	var request map[string]interface{}
	srv := sandboxServer(t, http.StatusOK, `{"sum":3,"logs":["ok"]}`, &request)

	h := NewCustomHandler(srv.URL)
	ectx := newContext(map[string]interface{}{
		"code":     "return inputs.a + inputs.b",
		"language": "javascript",
	}, map[string]map[string]interface{}{
		"calc": {"a": 1, "b": 2},
	})

	out, err := h.Execute(context.Background(), nodeOf("custom"), ectx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if request["code"] != "return inputs.a + inputs.b" {
		t.Errorf("sandbox saw code = %v", request["code"])
	}
	if request["language"] != "javascript" {
		t.Errorf("sandbox saw language = %v", request["language"])
	}
	inputs, ok := request["inputs"].(map[string]interface{})
	if !ok || inputs["a"] != 1.0 || inputs["b"] != 2.0 {
		t.Errorf("sandbox saw inputs = %#v", request["inputs"])
	}
	if request["timeoutMs"] != float64(defaultSandboxTimeoutMs) {
		t.Errorf("sandbox saw timeoutMs = %v, want default", request["timeoutMs"])
	}

	want := map[string]interface{}{"sum": 3.0, "logs": []interface{}{"ok"}}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("output = %#v, want sandbox response passed through", out)
	}
}

func TestCustomHandlerScalarResponseWrapped(t *testing.T) {
	srv := sandboxServer(t, http.StatusOK, `42`, nil)

	h := NewCustomHandler(srv.URL)
	ectx := newContext(map[string]interface{}{"code": "return 42"}, nil)

	out, err := h.Execute(context.Background(), nodeOf("custom"), ectx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["result"] != 42.0 {
		t.Errorf("output = %#v, want scalar under result", out)
	}
}

func TestCustomHandlerTimeoutClampedToDeadline(t *testing.T) {
	var request map[string]interface{}
	srv := sandboxServer(t, http.StatusOK, `{}`, &request)

	h := NewCustomHandler(srv.URL)
	ectx := newContext(map[string]interface{}{"code": "while(true){}", "timeoutMs": 30000}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := h.Execute(ctx, nodeOf("custom"), ectx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ms, ok := request["timeoutMs"].(float64)
	if !ok || ms > 500 || ms <= 0 {
		t.Errorf("sandbox saw timeoutMs = %v, want clamped to remaining deadline", request["timeoutMs"])
	}
}

func TestCustomHandlerRejectedCodeNotRetryable(t *testing.T) {
	srv := sandboxServer(t, http.StatusBadRequest, `{"error":"SyntaxError"}`, nil)

	h := NewCustomHandler(srv.URL)
	ectx := newContext(map[string]interface{}{"code": "th!s is n0t code"}, nil)

	_, err := h.Execute(context.Background(), nodeOf("custom"), ectx)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("error = %v, want non-retryable configuration error", err)
	}
}

func TestCustomHandlerSandboxOutage(t *testing.T) {
	srv := sandboxServer(t, http.StatusInternalServerError, `boom`, nil)

	h := NewCustomHandler(srv.URL)
	ectx := newContext(map[string]interface{}{"code": "return 1"}, nil)

	_, err := h.Execute(context.Background(), nodeOf("custom"), ectx)
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("error = %v, want sandbox 5xx error", err)
	}
}

func TestCustomHandlerRequiresSandboxURL(t *testing.T) {
	h := NewCustomHandler("")
	ectx := newContext(map[string]interface{}{"code": "return 1"}, nil)

	_, err := h.Execute(context.Background(), nodeOf("custom"), ectx)
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestCustomValidateConfig(t *testing.T) {
	h := NewCustomHandler("http://sandbox")

	if problems := h.ValidateConfig(map[string]interface{}{}, "U1"); len(problems) != 1 {
		t.Errorf("problems = %v, want code required", problems)
	}
	if problems := h.ValidateConfig(map[string]interface{}{"code": "return 1"}, "U1"); len(problems) != 0 {
		t.Errorf("problems = %v, want none", problems)
	}
}
