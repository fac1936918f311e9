package consumer

import (
	"errors"
	"strings"
	"time"

	"github.com/fluxline/engine/common/errs"
)

// Classification kinds surfaced in logs and dead-letter reasons
const (
	KindNetwork        = "NETWORK"
	KindRateLimit      = "RATE_LIMIT"
	KindAuthentication = "AUTHENTICATION"
	KindConfiguration  = "CONFIGURATION"
	KindQuota          = "QUOTA"
	KindCircuit        = "CIRCUIT"
	KindExternal5xx    = "EXTERNAL_5XX"
	KindUnknown        = "UNKNOWN"
)

// Classification tells the queue layer how to route a failed execution
type Classification struct {
	Kind      string
	Retryable bool
	BaseDelay time.Duration
}

// classificationRules match lowercased error messages; first match wins
var classificationRules = []struct {
	patterns []string
	result   Classification
}{
	{
		patterns: []string{"fetch failed", "enotfound", "econnrefused", "etimedout"},
		result:   Classification{Kind: KindNetwork, Retryable: true, BaseDelay: 2 * time.Second},
	},
	{
		patterns: []string{"rate limit", "429", "too many requests"},
		result:   Classification{Kind: KindRateLimit, Retryable: true, BaseDelay: 5 * time.Second},
	},
	{
		patterns: []string{"unauthorized", "401", "403", "invalid token"},
		result:   Classification{Kind: KindAuthentication, Retryable: false},
	},
	{
		patterns: []string{"missing", "required", "invalid configuration"},
		result:   Classification{Kind: KindConfiguration, Retryable: false},
	},
	{
		patterns: []string{"quota exceeded", "limit exceeded"},
		result:   Classification{Kind: KindQuota, Retryable: false},
	},
	{
		patterns: []string{"circuit breaker is open"},
		result:   Classification{Kind: KindCircuit, Retryable: true, BaseDelay: 30 * time.Second},
	},
	{
		patterns: []string{"http 5", "internal server error"},
		result:   Classification{Kind: KindExternal5xx, Retryable: true, BaseDelay: 3 * time.Second},
	},
}

var unknownClassification = Classification{Kind: KindUnknown, Retryable: true, BaseDelay: time.Second}

// Classify tags a failure as retryable or not with a suggested base delay.
// Typed graph and policy failures classify directly; everything else falls
// back to the message table so classification survives serialization
// across the broker.
func Classify(err error) Classification {
	if err == nil {
		return unknownClassification
	}

	// Graph-definition problems never resolve on retry
	var (
		validationBatch errs.ValidationErrors
		validation      *errs.ValidationError
		cycle           *errs.CycleError
		orphan          *errs.OrphanError
		terminal        *errs.TerminalCategoryError
		unsortable      *errs.CycleOrOrphanError
		resumeMissing   *errs.ResumePointMissingError
		noHandler       *errs.HandlerNotFoundError
	)
	switch {
	case errors.As(err, &validationBatch),
		errors.As(err, &validation),
		errors.As(err, &cycle),
		errors.As(err, &orphan),
		errors.As(err, &terminal),
		errors.As(err, &unsortable),
		errors.As(err, &resumeMissing),
		errors.As(err, &noHandler):
		return Classification{Kind: KindConfiguration, Retryable: false}
	}

	var quota *errs.QuotaExceededError
	if errors.As(err, &quota) {
		return Classification{Kind: KindQuota, Retryable: false}
	}

	var open *errs.CircuitOpenError
	if errors.As(err, &open) {
		return Classification{Kind: KindCircuit, Retryable: true, BaseDelay: 30 * time.Second}
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a bare error message
func ClassifyMessage(msg string) Classification {
	lowered := strings.ToLower(msg)
	for _, rule := range classificationRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lowered, pattern) {
				return rule.result
			}
		}
	}
	return unknownClassification
}
