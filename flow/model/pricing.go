package model

// Pricing holds per-model token rates in USD per million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultPricing covers the major hosted models. Rates drift; override per
// model with SetPricing when they do.
var defaultPricing = map[string]Pricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// customPricing overrides defaultPricing entries; writes go through SetPricing.
var customPricing = map[string]Pricing{}

// SetPricing overrides the rate table for one model. Intended for custom
// deployments or rate changes; affects subsequent Cost calls globally.
func SetPricing(modelName string, p Pricing) {
	customPricing[modelName] = p
}

// Cost computes the USD cost of a completion from token counts. Unknown
// models cost zero rather than failing, so usage accounting still records
// tokens for models missing from the table.
func Cost(modelName string, inputTokens, outputTokens int) float64 {
	p, ok := customPricing[modelName]
	if !ok {
		p, ok = defaultPricing[modelName]
	}
	if !ok {
		return 0
	}
	in := float64(inputTokens) / 1_000_000.0 * p.InputPer1M
	out := float64(outputTokens) / 1_000_000.0 * p.OutputPer1M
	return in + out
}

// FillCost populates u.CostUSD from the rate table when the provider did
// not report a cost.
func FillCost(u *Usage) {
	if u.CostUSD == 0 && u.Model != "" {
		u.CostUSD = Cost(u.Model, u.InputTokens, u.OutputTokens)
	}
}
