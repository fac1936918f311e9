package blocks

import (
	"strings"
	"sync"

	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

// Registry maps normalized block type strings to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a block type. Later registrations for the
// same normalized type replace earlier ones.
func (r *Registry) Register(blockType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[NormalizeType(blockType)] = h
}

// Resolve returns the handler for a block type
func (r *Registry) Resolve(blockType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[NormalizeType(blockType)]
	if !ok {
		return nil, &errs.HandlerNotFoundError{BlockType: blockType}
	}
	return h, nil
}

// Types returns the normalized registered type strings
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// NormalizeType folds case and treats '-' and '_' as equivalent, so
// "PRICE_MONITOR", "price-monitor" and "priceMonitor" variants authored by
// different editors resolve to one handler.
func NormalizeType(blockType string) string {
	t := strings.TrimSpace(strings.ToLower(blockType))
	return strings.ReplaceAll(t, "_", "-")
}

// ResolveType extracts the block type from a node. Precedence: node.Type,
// node.Data.Type, node.Data.BlockType, node.Data.Config["blockType"].
func ResolveType(node models.Node) string {
	if node.Type != "" {
		return node.Type
	}
	if node.Data.Type != "" {
		return node.Data.Type
	}
	if node.Data.BlockType != "" {
		return node.Data.BlockType
	}
	if v, ok := node.Data.Config["blockType"].(string); ok && v != "" {
		return v
	}
	return ""
}
