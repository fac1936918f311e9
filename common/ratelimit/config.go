package ratelimit

// TierConfig is one tier's admission budget
type TierConfig struct {
	Limit         int64
	WindowSeconds int
}

// TierLimits maps each tier to its budget
type TierLimits map[Tier]TierConfig

// DefaultTierLimits returns the stock budgets: generous for pure-compute
// workflows, tight for ones fanning out to external services.
func DefaultTierLimits() TierLimits {
	return TierLimits{
		TierSimple:   {Limit: 100, WindowSeconds: 60},
		TierStandard: {Limit: 20, WindowSeconds: 60},
		TierHeavy:    {Limit: 5, WindowSeconds: 60},
	}
}

// For returns the tier's budget. Unknown tiers get the heavy budget, the
// most restrictive one configured.
func (t TierLimits) For(tier Tier) TierConfig {
	if cfg, ok := t[tier]; ok {
		return cfg
	}
	return t[TierHeavy]
}
