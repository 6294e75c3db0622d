package pricing

import "context"

// RateLookup resolves the rate applied to a call.
type RateLookup interface {
	Lookup(ctx context.Context, provider, model string) Rate
}

// Estimate is a pre-flight cost approximation. It is used only for gating
// and is never recorded as billed usage.
type Estimate struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	Heuristic    bool    `json:"heuristic"`
}

// Calculator computes cost from token counts.
type Calculator struct {
	rates RateLookup
}

// NewCalculator creates a Calculator over the given rates.
func NewCalculator(rates RateLookup) *Calculator {
	return &Calculator{rates: rates}
}

// Cost returns in/1e6*rate.in + out/1e6*rate.out. It never errors and does
// not round; rounding belongs to presentation.
func (c *Calculator) Cost(ctx context.Context, provider, model string, inputTokens, outputTokens int64) float64 {
	return costAt(c.rates.Lookup(ctx, provider, model), inputTokens, outputTokens)
}

// Estimate prices heuristic token counts and marks the result as such.
func (c *Calculator) Estimate(ctx context.Context, provider, model string, inputTokens, outputTokens int64) Estimate {
	return Estimate{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         c.Cost(ctx, provider, model, inputTokens, outputTokens),
		Heuristic:    true,
	}
}

func costAt(rate Rate, inputTokens, outputTokens int64) float64 {
	// Negative counts would make cost non-monotonic in tokens.
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)/1_000_000*rate.InputPerMTok +
		float64(outputTokens)/1_000_000*rate.OutputPerMTok
}
