package analyzer

import "strings"

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerMTok  float64 `mapstructure:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `mapstructure:"output_per_mtok" yaml:"output_per_mtok"`
}

// Cost prices a call from its token usage.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}

// minEstimateInputTokens stands in for the prompt when the diff is not known yet.
const minEstimateInputTokens = 2000

// Estimate is a conservative cost for a prompt of promptBytes bytes that may
// produce up to maxOutputTokens tokens.
func (p Pricing) Estimate(promptBytes int, maxOutputTokens int64) float64 {
	in := int64(promptBytes / 4)
	if in < minEstimateInputTokens {
		in = minEstimateInputTokens
	}
	return p.Cost(in, maxOutputTokens)
}

// knownPricing is matched by model name prefix, longest first wins.
var knownPricing = map[string]Pricing{
	"claude-opus":      {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet":    {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4":   {InputPerMTok: 1, OutputPerMTok: 5},
	"claude-3-5-haiku": {InputPerMTok: 0.8, OutputPerMTok: 4},
	"gpt-4o-mini":      {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"gpt-4o":           {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4.1":          {InputPerMTok: 2, OutputPerMTok: 8},
}

// PricingFor looks up a model's price, falling back to override when set.
func PricingFor(model string, override Pricing) Pricing {
	if override.InputPerMTok > 0 || override.OutputPerMTok > 0 {
		return override
	}
	best := ""
	for prefix := range knownPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	return knownPricing[best]
}
