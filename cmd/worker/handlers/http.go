package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
	"github.com/fluxline/engine/common/security"
)

// maxResponseBytes caps how much of an upstream body is captured into the
// node output
const maxResponseBytes = 10 << 20

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// HTTPHandler performs one outbound request per invocation. Rate-limited
// (429) and 5xx responses surface as errors so the queue-level classifier
// can schedule a retry; every other status passes through in the output
// for downstream condition blocks.
type HTTPHandler struct {
	client *http.Client

	// guard rejects URLs aimed at private infrastructure; nil disables
	// the check for deployments that fetch in-cluster targets
	guard *security.URLValidator
}

// NewHTTPHandler creates the http block handler
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// ValidateConfig checks the raw node config before execution
func (h *HTTPHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	var problems []string

	url := stringValue(config, "url")
	if url == "" {
		problems = append(problems, "url is required")
	}

	if method := stringValue(config, "method"); method != "" && !isReference(method) {
		if !allowedMethods[strings.ToUpper(method)] {
			problems = append(problems, fmt.Sprintf("unsupported method %q", method))
		}
	}
	return problems
}

// Execute sends the configured request and captures status, body, and
// duration into the node output
func (h *HTTPHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	url := stringValue(ectx.Config, "url")
	if url == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "http block requires a url"}
	}
	if h.guard != nil {
		if err := h.guard.Validate(url); err != nil {
			return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("url rejected: %v", err)}
		}
	}

	method := strings.ToUpper(stringValue(ectx.Config, "method"))
	if method == "" {
		method = http.MethodGet
	}

	body, err := requestBody(ectx.Config["payload"])
	if err != nil {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("http payload is not serializable: %v", err)}
	}

	if ms, ok := numberValue(ectx.Config, "timeoutMs"); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("invalid http request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fluxline-worker/1.0")
	if headers, ok := ectx.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			} else {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limited: HTTP 429 from %s", url)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream error: HTTP %d from %s", resp.StatusCode, url)
	}

	var decoded interface{}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		decoded = string(respBody)
	}

	ectx.Logger.Info("http request completed",
		"url", url,
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	return map[string]interface{}{
		"status":     resp.StatusCode,
		"body":       decoded,
		"headers":    flattenHeader(resp.Header),
		"durationMs": duration.Milliseconds(),
		"url":        url,
		"method":     method,
	}, nil
}

// requestBody encodes the payload config value: strings pass through,
// structured values are JSON-encoded, nil means no body
func requestBody(payload interface{}) (io.Reader, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return strings.NewReader(v), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(encoded), nil
	}
}

// flattenHeader keeps the first value per header so the output stays a
// plain string map
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
