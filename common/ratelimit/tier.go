package ratelimit

import (
	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/models"
)

// Tier buckets workflows by how many of their blocks leave the engine.
// Outbound calls dominate execution cost, so admission budgets key off
// that count rather than raw node count.
type Tier string

const (
	TierSimple   Tier = "simple"   // no outbound blocks
	TierStandard Tier = "standard" // 1-2 outbound blocks
	TierHeavy    Tier = "heavy"    // 3 or more
)

// allTiers orders tiers for usage reports and resets
var allTiers = []Tier{TierSimple, TierStandard, TierHeavy}

// outboundTypes are the block types that call services outside the engine:
// fetches, market data, chain reads, sandboxed code.
var outboundTypes = map[string]bool{
	"http":          true,
	"price-monitor": true,
	"blockchain":    true,
	"custom":        true,
}

// WorkflowProfile is the admission-relevant shape of one workflow
type WorkflowProfile struct {
	Tier          Tier
	OutboundCalls int
	TotalNodes    int
}

// InspectWorkflow classifies a workflow for admission metering
func InspectWorkflow(wf *models.Workflow) WorkflowProfile {
	profile := WorkflowProfile{Tier: TierSimple}
	if wf == nil {
		return profile
	}
	profile.TotalNodes = len(wf.Nodes)
	for _, node := range wf.Nodes {
		if outboundTypes[blocks.NormalizeType(blocks.ResolveType(node))] {
			profile.OutboundCalls++
		}
	}
	profile.Tier = tierFor(profile.OutboundCalls)
	return profile
}

func tierFor(outboundCalls int) Tier {
	switch {
	case outboundCalls == 0:
		return TierSimple
	case outboundCalls <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}
