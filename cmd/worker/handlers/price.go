package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
	"github.com/fluxline/engine/common/security"
)

// PriceMonitorHandler fetches a JSON document, extracts a numeric value at
// a gjson path, and compares it against a threshold. Without a threshold
// it only reports the value.
type PriceMonitorHandler struct {
	client *http.Client

	// guard rejects URLs aimed at private infrastructure when set
	guard *security.URLValidator
}

// NewPriceMonitorHandler creates the price-monitor block handler
func NewPriceMonitorHandler() *PriceMonitorHandler {
	return &PriceMonitorHandler{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// ValidateConfig requires the fetch target and the extraction path
func (h *PriceMonitorHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	var problems []string
	if stringValue(config, "url") == "" {
		problems = append(problems, "url is required")
	}
	if stringValue(config, "path") == "" {
		problems = append(problems, "path is required")
	}
	if raw, ok := config["threshold"]; ok {
		if s, ok := raw.(string); !ok || !isReference(s) {
			if _, ok := numberValue(config, "threshold"); !ok {
				problems = append(problems, "threshold must be a number")
			}
		}
	}
	if cmp := stringValue(config, "comparison"); cmp != "" && !isReference(cmp) {
		if _, err := compareValues(0, 0, strings.ToLower(cmp)); err != nil {
			problems = append(problems, fmt.Sprintf("unsupported comparison %q", cmp))
		}
	}
	return problems
}

// Execute fetches, extracts, and compares
func (h *PriceMonitorHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	url := stringValue(ectx.Config, "url")
	path := stringValue(ectx.Config, "path")
	if url == "" || path == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "price-monitor block requires url and path"}
	}
	if h.guard != nil {
		if err := h.guard.Validate(url); err != nil {
			return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("url rejected: %v", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("invalid price source url: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fluxline-worker/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read price response from %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("price fetch returned HTTP %d from %s", resp.StatusCode, url)
	}

	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return nil, fmt.Errorf("price path %q not present in response from %s", path, url)
	}
	value := result.Float()

	output := map[string]interface{}{
		"value": value,
		"path":  path,
	}

	threshold, hasThreshold := numberValue(ectx.Config, "threshold")
	if hasThreshold {
		comparison := strings.ToLower(stringValue(ectx.Config, "comparison"))
		if comparison == "" {
			comparison = "above"
		}
		triggered, err := compareValues(value, threshold, comparison)
		if err != nil {
			return nil, &errs.ValidationError{NodeID: node.ID, Message: err.Error()}
		}
		output["triggered"] = triggered
		output["threshold"] = threshold
		output["comparison"] = comparison

		ectx.Logger.Info("price checked",
			"value", value,
			"threshold", threshold,
			"comparison", comparison,
			"triggered", triggered)
	} else {
		ectx.Logger.Info("price checked", "value", value)
	}

	return output, nil
}

// compareValues applies a named or symbolic comparison operator
func compareValues(value, threshold float64, comparison string) (bool, error) {
	switch comparison {
	case "above", "gt", ">":
		return value > threshold, nil
	case "gte", ">=":
		return value >= threshold, nil
	case "below", "lt", "<":
		return value < threshold, nil
	case "lte", "<=":
		return value <= threshold, nil
	case "eq", "==":
		return value == threshold, nil
	default:
		return false, fmt.Errorf("unsupported comparison %q", comparison)
	}
}
