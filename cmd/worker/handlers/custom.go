package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

const defaultSandboxTimeoutMs = 30_000

// CustomHandler delegates user-submitted code to the sandbox runner. The
// worker never evaluates the code itself; it posts
// {code, language, inputs, timeoutMs} and passes the sandbox output
// through.
type CustomHandler struct {
	sandboxURL string
	client     *http.Client
}

// NewCustomHandler creates the custom block handler
func NewCustomHandler(sandboxURL string) *CustomHandler {
	return &CustomHandler{
		sandboxURL: sandboxURL,
		client:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// ValidateConfig requires the code payload
func (h *CustomHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	if stringValue(config, "code") == "" {
		return []string{"code is required"}
	}
	return nil
}

// Execute posts the code to the sandbox and returns its output
func (h *CustomHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	if h.sandboxURL == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "custom blocks require SANDBOX_URL to be configured"}
	}

	code := stringValue(ectx.Config, "code")
	if code == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "custom block requires code"}
	}

	language := stringValue(ectx.Config, "language")
	if language == "" {
		language = "javascript"
	}

	timeoutMs, ok := numberValue(ectx.Config, "timeoutMs")
	if !ok || timeoutMs <= 0 {
		timeoutMs = defaultSandboxTimeoutMs
	}
	// Never promise the sandbox more time than this attempt has left
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := float64(time.Until(deadline).Milliseconds()); remaining > 0 && remaining < timeoutMs {
			timeoutMs = remaining
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"code":      code,
		"language":  language,
		"inputs":    mergedInputs(ectx),
		"timeoutMs": int64(timeoutMs),
	})
	if err != nil {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("sandbox payload is not serializable: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.sandboxURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("sandbox rate limited: HTTP 429")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("sandbox error: HTTP %d: %s", resp.StatusCode, snippet(body))
	case resp.StatusCode >= 400:
		// The sandbox rejected the code itself; retrying cannot help
		return nil, fmt.Errorf("invalid configuration: sandbox rejected code (HTTP %d): %s", resp.StatusCode, snippet(body))
	}

	ectx.Logger.Info("sandbox execution completed", "language", language, "status", resp.StatusCode)

	var output map[string]interface{}
	if err := json.Unmarshal(body, &output); err == nil && output != nil {
		return output, nil
	}

	var scalar interface{}
	if err := json.Unmarshal(body, &scalar); err == nil {
		return map[string]interface{}{"result": scalar}, nil
	}
	return map[string]interface{}{"result": string(body)}, nil
}

// snippet truncates a response body for error messages
func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "…"
	}
	return string(body)
}
