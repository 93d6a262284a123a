// Package pricing holds the static per-provider/per-model price table and
// the cost computation used by the cost tracker and the provider-selection
// heuristic. Rates are USD per one million tokens.
package pricing

import (
	"errors"
	"fmt"

	"github.com/verdantops/conduit/pkg/models"
)

// ErrPricingNotFound is returned for unknown provider/model pairs. Callers
// must surface it rather than silently charging zero.
var ErrPricingNotFound = errors.New("pricing: no entry for provider/model")

// ModelTier represents the capability tier of an LLM model.
type ModelTier string

const (
	TierEconomy  ModelTier = "economy"  // e.g., Claude Haiku, GPT-4o Mini
	TierStandard ModelTier = "standard" // e.g., Claude Sonnet, GPT-4o
	TierPremium  ModelTier = "premium"  // e.g., Claude Opus, o1
)

// ModelInfo describes one priced model.
type ModelInfo struct {
	Provider     models.LLMProvider
	Model        string
	Tier         ModelTier
	QualityScore float64 // 0.0-1.0 quality rating
	AvgLatencyMs int64
	RPMLimit     int64   // provider requests-per-minute ceiling
	InputPerM    float64 // USD per 1M input tokens
	OutputPerM   float64 // USD per 1M output tokens
}

// RequestCost estimates the USD cost of one request with the given average
// token counts. Fractional counts are fine, they come from aggregates.
func (m ModelInfo) RequestCost(promptTokens, completionTokens float64) float64 {
	return (promptTokens*m.InputPerM + completionTokens*m.OutputPerM) / 1_000_000
}

// Table is an immutable pricing table keyed by "provider:model".
type Table struct {
	entries map[string]ModelInfo
}

func key(provider models.LLMProvider, model string) string {
	return string(provider) + ":" + model
}

// NewTable builds a table from the given entries.
func NewTable(entries []ModelInfo) *Table {
	t := &Table{entries: make(map[string]ModelInfo, len(entries))}
	for _, e := range entries {
		t.entries[key(e.Provider, e.Model)] = e
	}
	return t
}

// Default returns the built-in pricing table.
func Default() *Table {
	return NewTable([]ModelInfo{
		// OpenAI
		{models.ProviderOpenAI, "gpt-4o-mini", TierEconomy, 0.65, 400, 10000, 0.15, 0.60},
		{models.ProviderOpenAI, "gpt-4o", TierStandard, 0.85, 800, 10000, 2.50, 10.00},
		{models.ProviderOpenAI, "gpt-4-turbo", TierPremium, 0.90, 1200, 5000, 10.00, 30.00},
		{models.ProviderOpenAI, "o1", TierPremium, 0.95, 2000, 1000, 15.00, 60.00},
		// Anthropic
		{models.ProviderAnthropic, "claude-3-haiku-20240307", TierEconomy, 0.70, 350, 4000, 0.25, 1.25},
		{models.ProviderAnthropic, "claude-3-5-sonnet-20241022", TierStandard, 0.88, 700, 4000, 3.00, 15.00},
		{models.ProviderAnthropic, "claude-3-opus-20240229", TierPremium, 0.92, 1500, 2000, 15.00, 75.00},
		// Google Gemini
		{models.ProviderGemini, "gemini-1.5-flash", TierEconomy, 0.60, 300, 15000, 0.075, 0.30},
		{models.ProviderGemini, "gemini-1.5-pro", TierStandard, 0.82, 900, 2000, 1.25, 5.00},
		// DeepSeek
		{models.ProviderDeepSeek, "deepseek-chat", TierEconomy, 0.68, 600, 6000, 0.14, 0.28},
		{models.ProviderDeepSeek, "deepseek-reasoner", TierStandard, 0.80, 1400, 2000, 0.55, 2.19},
	})
}

// Lookup returns the entry for a provider/model pair.
func (t *Table) Lookup(provider models.LLMProvider, model string) (ModelInfo, error) {
	info, ok := t.entries[key(provider, model)]
	if !ok {
		return ModelInfo{}, fmt.Errorf("%w: %s/%s", ErrPricingNotFound, provider, model)
	}
	return info, nil
}

// Cost computes the USD cost of a request from its token usage.
func (t *Table) Cost(provider models.LLMProvider, model string, promptTokens, completionTokens int64) (float64, error) {
	info, err := t.Lookup(provider, model)
	if err != nil {
		return 0, err
	}
	inputCost := float64(promptTokens) * info.InputPerM / 1_000_000
	outputCost := float64(completionTokens) * info.OutputPerM / 1_000_000
	return inputCost + outputCost, nil
}

// Models returns all entries, in no particular order.
func (t *Table) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// tierRank orders tiers from economy (0) upward.
func tierRank(tier ModelTier) int {
	switch tier {
	case TierEconomy:
		return 0
	case TierStandard:
		return 1
	case TierPremium:
		return 2
	default:
		return 0
	}
}

// minTierFor maps a request type to the lowest acceptable model tier.
func minTierFor(rt models.RequestType) ModelTier {
	switch rt {
	case models.RequestComplex:
		return TierStandard
	case models.RequestCreative:
		return TierStandard
	default:
		return TierEconomy
	}
}

// maxLatencyFor bounds acceptable latency per request type; critical
// priority tightens it further.
func maxLatencyFor(rt models.RequestType, priority models.Priority) int64 {
	limit := int64(3000)
	if rt == models.RequestSimple {
		limit = 1500
	}
	if priority == models.PriorityCritical {
		limit = 1000
	}
	return limit
}

// OptimalProvider picks the cheapest model meeting the quality and latency
// bar for the request type. For critical priority, latency outranks cost:
// the fastest qualifying model wins even when a cheaper one exists.
func (t *Table) OptimalProvider(rt models.RequestType, priority models.Priority) (models.ProviderRecommendation, error) {
	minRank := tierRank(minTierFor(rt))
	maxLatency := maxLatencyFor(rt, priority)

	var best *ModelInfo
	for _, e := range t.entries {
		e := e
		if tierRank(e.Tier) < minRank {
			continue
		}
		if e.AvgLatencyMs > maxLatency {
			continue
		}
		if best == nil {
			best = &e
			continue
		}
		if priority == models.PriorityCritical {
			if e.AvgLatencyMs < best.AvgLatencyMs {
				best = &e
			}
		} else if e.InputPerM+e.OutputPerM < best.InputPerM+best.OutputPerM {
			best = &e
		}
	}

	// Relax the latency bar rather than fail when nothing qualifies; a slow
	// answer beats no answer.
	if best == nil {
		for _, e := range t.entries {
			e := e
			if tierRank(e.Tier) < minRank {
				continue
			}
			if best == nil || e.InputPerM+e.OutputPerM < best.InputPerM+best.OutputPerM {
				best = &e
			}
		}
	}
	if best == nil {
		return models.ProviderRecommendation{}, ErrPricingNotFound
	}

	reason := "cheapest model meeting the quality and latency bar"
	if priority == models.PriorityCritical {
		reason = "fastest qualifying model (critical priority prefers latency over cost)"
	}

	// Estimated spend for 1k typical requests (1k prompt + 500 completion tokens each).
	perRequest := (1000.0*best.InputPerM + 500.0*best.OutputPerM) / 1_000_000
	return models.ProviderRecommendation{
		Provider:                      best.Provider,
		Model:                         best.Model,
		EstimatedCostPer1KRequestsUSD: perRequest * 1000,
		AvgLatencyMs:                  best.AvgLatencyMs,
		Reason:                        reason,
	}, nil
}
