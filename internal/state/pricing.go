package state

// Pricing gives per-million-token rates for a single model, mirroring the
// teacher's usage.Cost shape.
type Pricing struct {
	InputPerMillion      float64
	OutputPerMillion     float64
	CacheReadPerMillion  float64
	CacheWritePerMillion float64
}

// Estimate computes the dollar cost of a usage record under this pricing.
func (p Pricing) Estimate(u Usage) float64 {
	total := float64(u.PromptTokens)*p.InputPerMillion +
		float64(u.CompletionTokens)*p.OutputPerMillion +
		float64(u.CachedTokens)*p.CacheReadPerMillion +
		float64(u.CacheWriteTokens)*p.CacheWritePerMillion
	return total / 1_000_000
}

// PricingTable maps model id to its Pricing. Static and compiled-in per
// SPEC_FULL.md §8.4: an optional refresh from the provider catalog is
// permitted but never required for correctness, so staleness here can only
// cause accounting drift, never an incorrect control-flow decision.
type PricingTable map[string]Pricing

// Estimate looks up the model's pricing and estimates cost; unknown models
// fall back to a conservative default rate so cost is never silently zero.
func (t PricingTable) Estimate(model string, u Usage) float64 {
	if p, ok := t[model]; ok {
		return p.Estimate(u)
	}
	return t.defaultPricing().Estimate(u)
}

func (t PricingTable) defaultPricing() Pricing {
	if p, ok := t["default"]; ok {
		return p
	}
	return Pricing{InputPerMillion: 3, OutputPerMillion: 15}
}

// DefaultPricingTable returns a static table covering the provider families
// named in spec §4.3's routing rules.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"default":                     {InputPerMillion: 3, OutputPerMillion: 15},
		"anthropic/claude-opus-4":     {InputPerMillion: 15, OutputPerMillion: 75, CacheReadPerMillion: 1.5, CacheWritePerMillion: 18.75},
		"anthropic/claude-sonnet-4":   {InputPerMillion: 3, OutputPerMillion: 15, CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75},
		"anthropic/claude-haiku-4":    {InputPerMillion: 0.8, OutputPerMillion: 4, CacheReadPerMillion: 0.08, CacheWritePerMillion: 1},
		"openai/gpt-4o":               {InputPerMillion: 2.5, OutputPerMillion: 10},
		"openai/gpt-4o-mini":          {InputPerMillion: 0.15, OutputPerMillion: 0.6},
		"openai/o3":                   {InputPerMillion: 10, OutputPerMillion: 40},
		"google/gemini-2.5-pro":       {InputPerMillion: 1.25, OutputPerMillion: 10},
		"google/gemini-2.5-flash":     {InputPerMillion: 0.3, OutputPerMillion: 2.5},
		"zai/glm-4.6":                 {InputPerMillion: 0.6, OutputPerMillion: 2.2},
	}
}
