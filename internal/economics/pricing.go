package economics

// ModelPricing defines cost per thousand tokens for a planner model.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPricing is the process-wide pricing table. It is effectively
// immutable after boot; CostFor copies values out of it.
var defaultPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4-5-20250929": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"gpt-4o":                     {InputPer1K: 0.0025, OutputPer1K: 0.010},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gemini-2.0-flash":           {InputPer1K: 0.0001, OutputPer1K: 0.0004},
}

// LookupPricing returns the pricing for a model and whether it is known.
func LookupPricing(model string) (ModelPricing, bool) {
	p, ok := defaultPricing[model]
	return p, ok
}

// CostFor computes the USD cost of one call. Unknown models contribute
// zero cost; that is deliberate, not an error.
func CostFor(model string, inputTokens, outputTokens int) float64 {
	p, ok := defaultPricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}
