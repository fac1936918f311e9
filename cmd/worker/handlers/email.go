package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

var templateFieldPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// StreamAppender is the slice of the redis client the email handler needs
type StreamAppender interface {
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// EmailHandler renders the recipient, subject, and body templates and
// hands the message off as an envelope on the notifications stream. The
// worker never speaks SMTP; a delivery service consumes the stream.
//
// Templates substitute `{{field}}` placeholders against the workflow
// trigger payload overlaid by the parent outputs; dotted paths reach into
// nested values.
type EmailHandler struct {
	redis  StreamAppender
	stream string
}

// NewEmailHandler creates the email block handler
func NewEmailHandler(redis StreamAppender, stream string) *EmailHandler {
	return &EmailHandler{redis: redis, stream: stream}
}

// ValidateConfig requires a recipient
func (h *EmailHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	if stringValue(config, "to") == "" {
		return []string{"to is required"}
	}
	return nil
}

// Execute renders the templates and queues the envelope
func (h *EmailHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	data := templateData(ectx)

	to := renderTemplate(stringValue(ectx.Config, "to"), data, ectx.Logger)
	if to == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "email block requires a recipient"}
	}

	subject := renderTemplate(stringValue(ectx.Config, "subject"), data, ectx.Logger)
	body := stringValue(ectx.Config, "template")
	if body == "" {
		body = stringValue(ectx.Config, "body")
	}
	body = renderTemplate(body, data, ectx.Logger)

	values := map[string]interface{}{
		"type":         "email",
		"execution_id": ectx.ExecutionID,
		"workflow_id":  ectx.WorkflowID,
		"user_id":      ectx.UserID,
		"node_id":      ectx.NodeID,
		"to":           to,
		"subject":      subject,
		"body":         body,
		"queued_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if attachments, ok := ectx.Config["attachments"].([]interface{}); ok && len(attachments) > 0 {
		encoded, err := json.Marshal(attachments)
		if err != nil {
			return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("attachments are not serializable: %v", err)}
		}
		values["attachments"] = string(encoded)
	}

	id, err := h.redis.AddToStream(ctx, h.stream, values)
	if err != nil {
		return nil, fmt.Errorf("failed to queue email notification: %w", err)
	}

	ectx.Logger.Info("email queued", "to", to, "stream", h.stream, "message_id", id)

	return map[string]interface{}{
		"queued":    true,
		"to":        to,
		"subject":   subject,
		"messageId": id,
	}, nil
}

// templateData builds the substitution source: trigger payload first,
// parent outputs overlaid
func templateData(ectx *blocks.Context) map[string]interface{} {
	data := make(map[string]interface{}, len(ectx.WorkflowData)+4)
	for k, v := range ectx.WorkflowData {
		data[k] = v
	}
	for k, v := range mergedInputs(ectx) {
		data[k] = v
	}
	return data
}

// renderTemplate substitutes each {{field}} placeholder with the value at
// that gjson path. Missing fields render empty and are logged.
func renderTemplate(template string, data map[string]interface{}, logger blocks.Logger) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return template
	}

	return templateFieldPattern.ReplaceAllStringFunc(template, func(placeholder string) string {
		path := strings.TrimSpace(strings.Trim(placeholder, "{}"))
		result := gjson.GetBytes(dataJSON, path)
		if !result.Exists() {
			if logger != nil {
				logger.Warn("template field not found", "field", path)
			}
			return ""
		}
		if result.Type == gjson.String {
			return result.String()
		}
		return result.Raw
	})
}
