package alerts

import (
	"context"
	"fmt"
	"log/slog"

	"spendly/internal/accounts"
	"spendly/internal/budget"
)

// AlertSource lists the alerts a sweep checks.
type AlertSource interface {
	ListActiveAlerts(ctx context.Context, scopes []accounts.Scope) ([]accounts.Alert, error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Evaluated int `json:"evaluated"`
	Notified  int `json:"notified"`
	Failed    int `json:"failed"`
}

// Sweep evaluates every active alert and notifies the ones that fired.
type Sweep struct {
	alerts     AlertSource
	eval       *budget.Evaluator
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewSweep creates a Sweep.
func NewSweep(alerts AlertSource, eval *budget.Evaluator, dispatcher *Dispatcher) *Sweep {
	return &Sweep{
		alerts:     alerts,
		eval:       eval,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "alert-sweep"),
	}
}

// Run checks every active alert. Per-alert failures are counted and logged;
// only failing to list alerts aborts the sweep.
func (s *Sweep) Run(ctx context.Context) (SweepReport, error) {
	list, err := s.alerts.ListActiveAlerts(ctx, nil)
	if err != nil {
		return SweepReport{}, fmt.Errorf("listing alerts: %w", err)
	}

	var report SweepReport
	for i := range list {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		a := &list[i]

		metric, ok := a.Metric.LedgerMetric()
		if !ok {
			report.Failed++
			continue
		}
		res, err := s.eval.Evaluate(ctx, budget.Query{
			Scope: a.Scope, Period: a.Period, Metric: metric, Threshold: a.Threshold,
		})
		if err != nil {
			s.logger.Warn("alert evaluation failed", "alert_id", a.ID, "error", err)
			report.Failed++
			continue
		}
		report.Evaluated++

		if s.dispatcher.MaybeNotify(ctx, a, res.CurrentValue) {
			report.Notified++
		}
	}

	s.logger.Info("alert sweep finished", "evaluated", report.Evaluated, "notified", report.Notified, "failed", report.Failed)
	return report, nil
}
