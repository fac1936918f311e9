package handlers

import (
	"context"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/models"
)

// WebhookTriggerHandler is the entry block: it surfaces the trigger
// payload the execution started with so downstream nodes can reference it.
type WebhookTriggerHandler struct{}

// NewWebhookTriggerHandler creates the webhook-trigger block handler
func NewWebhookTriggerHandler() *WebhookTriggerHandler {
	return &WebhookTriggerHandler{}
}

// Execute passes the trigger payload through
func (h *WebhookTriggerHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	payload := ectx.WorkflowData
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{"payload": payload}, nil
}
