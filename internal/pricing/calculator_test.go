package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fixedRates map[string]Rate

func (f fixedRates) Lookup(_ context.Context, _, model string) Rate {
	return f[model]
}

func TestCalculator_Cost(t *testing.T) {
	calc := NewCalculator(fixedRates{
		"gpt-4o": {InputPerMTok: 2.5, OutputPerMTok: 10},
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		in     int64
		out    int64
		expect float64
	}{
		{name: "zero tokens", expect: 0},
		{name: "one million input", in: 1_000_000, expect: 2.5},
		{name: "mixed", in: 1000, out: 500, expect: 0.0025 + 0.005},
		{name: "negative counts clamp", in: -10, out: 1_000_000, expect: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expect, calc.Cost(ctx, "openai", "gpt-4o", tt.in, tt.out), 1e-12)
		})
	}
}

func TestCalculator_MonotonicInTokens(t *testing.T) {
	calc := NewCalculator(fixedRates{"m": {InputPerMTok: 0.15, OutputPerMTok: 0.6}})
	ctx := context.Background()

	prev := -1.0
	for n := int64(0); n <= 100_000; n += 997 {
		cost := calc.Cost(ctx, "openai", "m", n, n/2)
		assert.GreaterOrEqual(t, cost, prev)
		prev = cost
	}
}

func TestCalculator_EstimateIsHeuristic(t *testing.T) {
	calc := NewCalculator(fixedRates{"gpt-4o": {InputPerMTok: 2.5, OutputPerMTok: 10}})

	est := calc.Estimate(context.Background(), "openai", "gpt-4o", 100, 1024)
	assert.True(t, est.Heuristic)
	assert.Equal(t, int64(100), est.InputTokens)
	assert.Equal(t, int64(1024), est.OutputTokens)
	assert.InDelta(t, 100.0/1e6*2.5+1024.0/1e6*10, est.Cost, 1e-12)
}
