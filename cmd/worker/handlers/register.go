// Package handlers provides the builtin block handlers: http, condition,
// transform, email, delay, price-monitor, blockchain, custom, and
// webhook-trigger. Each implements blocks.Handler; config values arrive
// already reference-resolved, and handlers never mutate the node or the
// invocation context.
package handlers

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/config"
	"github.com/fluxline/engine/common/redis"
	"github.com/fluxline/engine/common/security"
)

// Deps carries the external endpoints the builtin handlers depend on
type Deps struct {
	Redis    *redis.Client
	Handlers config.HandlerConfig
}

// RegisterAll binds every builtin handler into the registry. The returned
// cleanup releases connections handlers hold open (the shared ethereum
// RPC client); call it on shutdown.
func RegisterAll(registry *blocks.Registry, deps Deps) func() {
	blockchain := NewBlockchainHandler(deps.Handlers.EthRPCURL)
	httpHandler := NewHTTPHandler()
	priceHandler := NewPriceMonitorHandler()

	if deps.Handlers.BlockPrivateURLs {
		guard := security.NewURLValidator()
		httpHandler.guard = guard
		priceHandler.guard = guard
	}

	registry.Register("http", httpHandler)
	registry.Register("condition", NewConditionHandler())
	registry.Register("transform", NewTransformHandler())
	registry.Register("email", NewEmailHandler(deps.Redis, deps.Handlers.NotificationsStream))
	registry.Register("delay", NewDelayHandler())
	registry.Register("price-monitor", priceHandler)
	registry.Register("blockchain", blockchain)
	registry.Register("custom", NewCustomHandler(deps.Handlers.SandboxURL))
	registry.Register("webhook-trigger", NewWebhookTriggerHandler())

	return blockchain.Close
}

// stringValue reads a string config key, empty when absent or not a string
func stringValue(config map[string]interface{}, key string) string {
	s, _ := config[key].(string)
	return s
}

// numberValue reads a numeric config key, tolerating the types a JSON
// decode or an editor may produce
func numberValue(config map[string]interface{}, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// isReference reports whether a raw config string is a node-output
// reference that only resolves at execution time. Validators skip literal
// checks on references.
func isReference(s string) bool {
	return strings.HasPrefix(s, "$nodes.") || strings.Contains(s, "${")
}

// mergedInputs flattens the direct parents' outputs into one map. Parents
// are merged in node-id order so colliding keys resolve deterministically.
func mergedInputs(ectx *blocks.Context) map[string]interface{} {
	ids := make([]string, 0, len(ectx.Inputs))
	for id := range ectx.Inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	merged := make(map[string]interface{})
	for _, id := range ids {
		for k, v := range ectx.Inputs[id] {
			merged[k] = v
		}
	}
	return merged
}

// outputsAsAny widens the per-node outputs map for expression environments
func outputsAsAny(outputs map[string]map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(outputs))
	for id, o := range outputs {
		out[id] = o
	}
	return out
}
