package budget

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CachedPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of mid 2026. Keys are prefixes so dated
// releases (claude-sonnet-4-5-20250929) resolve without new entries.
var knownModels = map[string]ModelPricing{
	// Anthropic
	"claude-3-5-haiku":  {0.80, 0.08, 4.00},
	"claude-3-7-sonnet": {3.00, 0.30, 15.00},
	"claude-sonnet-4":   {3.00, 0.30, 15.00},
	"claude-opus-4":     {15.00, 1.50, 75.00},
	// OpenAI
	"gpt-4o-mini": {0.15, 0.075, 0.60},
	"gpt-4o":      {2.50, 1.25, 10.00},
	"gpt-4.1":     {2.00, 0.50, 8.00},
	// Groq hosted
	"llama-3.3-70b":     {0.59, 0.59, 0.79},
	"llama-3.1-8b":      {0.05, 0.05, 0.08},
	"deepseek-r1-distill": {0.75, 0.75, 0.99},
}

// PricingFor returns the pricing for a model using longest-prefix
// match, and whether a match was found.
func PricingFor(model string) (ModelPricing, bool) {
	if p, ok := knownModels[model]; ok {
		return p, true
	}

	var (
		best    ModelPricing
		bestLen int
		found   bool
	)
	for prefix, p := range knownModels {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
			found = true
		}
	}
	return best, found
}

// EstimateCost returns the estimated USD cost for the given token
// counts. Unknown models cost 0.0 (safe default, local models are
// never billed).
func EstimateCost(model string, promptTokens, cachedTokens, completionTokens int) float64 {
	p, ok := PricingFor(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(cachedTokens)/1_000_000)*p.CachedPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
