package budget

import (
	"context"
	"fmt"
	"time"

	"spendly/internal/accounts"
	"spendly/internal/ledger"
)

// Query asks whether a scope's metric over a period would reach threshold
// once PendingDelta is added.
type Query struct {
	Scope        accounts.Scope
	Period       accounts.Period
	Metric       ledger.Metric
	Threshold    float64
	PendingDelta float64
}

// Result is the outcome of an evaluation.
type Result struct {
	Range          ledger.DateRange `json:"range"`
	CurrentValue   float64          `json:"currentValue"`
	ProjectedValue float64          `json:"projectedValue"`
	WouldExceed    bool             `json:"wouldExceed"`
}

// Evaluator reads the ledger fresh on every call. It has no side effects.
type Evaluator struct {
	ledger ledger.Ledger
	loc    *time.Location
	now    func() time.Time
}

// NewEvaluator creates an Evaluator computing windows in loc.
func NewEvaluator(l ledger.Ledger, loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{ledger: l, loc: loc, now: time.Now}
}

// Evaluate compares the current aggregate plus the pending delta against the
// threshold. Reaching the threshold exactly counts as exceeding it.
func (e *Evaluator) Evaluate(ctx context.Context, q Query) (Result, error) {
	rng := Window(q.Period, e.now(), e.loc)

	current, err := e.ledger.Aggregate(ctx, q.Scope.Filter(), rng, q.Metric)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating %s %s %s: %w", q.Scope, q.Period, q.Metric, err)
	}

	projected := current + q.PendingDelta
	return Result{
		Range:          rng,
		CurrentValue:   current,
		ProjectedValue: projected,
		WouldExceed:    projected >= q.Threshold,
	}, nil
}

// Location is the zone windows are computed in.
func (e *Evaluator) Location() *time.Location {
	return e.loc
}
