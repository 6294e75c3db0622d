package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spendly/internal/accounts"
	"spendly/internal/admission"
	"spendly/internal/core"
	"spendly/internal/ledger"
)

// Block reasons reported to the caller.
const (
	ReasonHardLimit  = "hard limit exceeded"
	ReasonAlertLimit = "alert limit exceeded"
	ReasonPlanLimit  = "plan limit exceeded"
	ReasonSoftLimit  = "soft limit exceeded"
	ReasonAlertWatch = "alert threshold reached"
)

var gateDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spendly_gate_decisions_total",
		Help: "Budget gate decisions by outcome",
	},
	[]string{"decision"},
)

// Subject is who a request is charged to.
type Subject struct {
	User       *accounts.User
	Credential *accounts.Credential
}

// Pending is the estimated size of the request being admitted.
type Pending struct {
	Cost   float64
	Tokens int64
}

func (p Pending) amount(m ledger.Metric) float64 {
	switch m {
	case ledger.MetricTotalTokens:
		return float64(p.Tokens)
	case ledger.MetricRequests:
		return 1
	default:
		return p.Cost
	}
}

// Warning is a soft limit that the request will reach. It never blocks.
type Warning struct {
	Reason         string  `json:"reason"`
	Scope          string  `json:"scope"`
	Period         string  `json:"period"`
	Metric         string  `json:"metric"`
	Threshold      float64 `json:"threshold"`
	ProjectedValue float64 `json:"projectedValue"`
}

// Admission is a granted request. Release must be called once the request
// has been recorded or has failed.
type Admission struct {
	Warnings []Warning

	once    sync.Once
	release func(ctx context.Context)
}

// Release frees the in-flight reservation. Safe to call more than once.
func (a *Admission) Release(ctx context.Context) {
	if a == nil || a.release == nil {
		return
	}
	a.once.Do(func() { a.release(ctx) })
}

// limit is one threshold in scope for a request.
type limit struct {
	reason    string
	hard      bool
	scope     accounts.Scope
	period    accounts.Period
	metric    ledger.Metric
	threshold float64
}

func (l limit) exceeded(res Result) *core.BudgetExceededError {
	return &core.BudgetExceededError{
		Reason:         l.reason,
		Scope:          l.scope.String(),
		Period:         string(l.period),
		Metric:         string(l.metric),
		Threshold:      l.threshold,
		CurrentValue:   res.CurrentValue,
		ProjectedValue: res.ProjectedValue,
	}
}

// Gate decides whether a proxied request may go upstream.
type Gate struct {
	accounts    accounts.Store
	eval        *Evaluator
	reserver    admission.Reserver
	plans       map[string]float64
	defaultPlan string
	logger      *slog.Logger
}

// NewGate creates a Gate. plans maps a plan name to its monthly cost ceiling;
// users on a plan missing from the map fall back to defaultPlan.
func NewGate(store accounts.Store, eval *Evaluator, reserver admission.Reserver, plans map[string]float64, defaultPlan string) *Gate {
	return &Gate{
		accounts:    store,
		eval:        eval,
		reserver:    reserver,
		plans:       plans,
		defaultPlan: defaultPlan,
		logger:      slog.Default().With("component", "budget-gate"),
	}
}

func (g *Gate) limits(ctx context.Context, subj Subject) ([]limit, error) {
	scopes := accounts.ScopesFor(subj.Credential)

	budgets, err := g.accounts.ListActiveBudgets(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("loading budgets: %w", err)
	}
	alerts, err := g.accounts.ListActiveAlerts(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("loading alerts: %w", err)
	}

	var out []limit
	for _, b := range budgets {
		l := limit{reason: ReasonSoftLimit, scope: b.Scope, period: b.Period, metric: ledger.MetricCost, threshold: b.Amount}
		if b.Mode == accounts.ModeHard {
			l.reason, l.hard = ReasonHardLimit, true
		}
		out = append(out, l)
	}
	for _, a := range alerts {
		metric, ok := a.Metric.LedgerMetric()
		if !ok {
			continue
		}
		l := limit{reason: ReasonAlertWatch, scope: a.Scope, period: a.Period, metric: metric, threshold: a.Threshold}
		if a.Enforce {
			l.reason, l.hard = ReasonAlertLimit, true
		}
		out = append(out, l)
	}
	if ceiling, ok := g.planCeiling(subj.User); ok {
		out = append(out, limit{
			reason:    ReasonPlanLimit,
			hard:      true,
			scope:     accounts.Scope{Kind: accounts.ScopeUser, ID: subj.User.ID},
			period:    accounts.PeriodMonthly,
			metric:    ledger.MetricCost,
			threshold: ceiling,
		})
	}
	return out, nil
}

func (g *Gate) planCeiling(u *accounts.User) (float64, bool) {
	if u == nil {
		return 0, false
	}
	c, ok := g.plans[u.Plan]
	if !ok {
		c, ok = g.plans[g.defaultPlan]
	}
	// A zero ceiling means the plan is uncapped.
	return c, ok && c > 0
}

// Admit evaluates every limit in scope for the subject. A hard limit the
// request would reach returns a *core.BudgetExceededError; soft limits only
// add warnings. Hard limits that fit are reserved so that concurrent
// requests see each other's estimates.
func (g *Gate) Admit(ctx context.Context, subj Subject, pending Pending) (*Admission, error) {
	limits, err := g.limits(ctx, subj)
	if err != nil {
		gateDecisions.WithLabelValues("error").Inc()
		return nil, err
	}

	var (
		adm    = &Admission{}
		checks []admission.Check
		owners []limit
		byKey  = make(map[string]int)
	)
	for _, l := range limits {
		amount := pending.amount(l.metric)
		res, err := g.eval.Evaluate(ctx, Query{
			Scope: l.scope, Period: l.period, Metric: l.metric, Threshold: l.threshold, PendingDelta: amount,
		})
		if err != nil {
			gateDecisions.WithLabelValues("error").Inc()
			return nil, err
		}

		if !l.hard {
			if res.WouldExceed {
				adm.Warnings = append(adm.Warnings, Warning{
					Reason: l.reason, Scope: l.scope.String(), Period: string(l.period), Metric: string(l.metric),
					Threshold: l.threshold, ProjectedValue: res.ProjectedValue,
				})
			}
			continue
		}
		if res.WouldExceed {
			gateDecisions.WithLabelValues("blocked").Inc()
			return nil, l.exceeded(res)
		}

		// Limits sharing a scope, window and metric share in-flight spend;
		// only the tightest one is reserved against.
		check := admission.Check{
			Key:       fmt.Sprintf("%s:%s:%s:%s", l.scope, l.period, l.metric, res.Range.From),
			Current:   res.CurrentValue,
			Amount:    amount,
			Threshold: l.threshold,
		}
		if i, ok := byKey[check.Key]; ok {
			if l.threshold < checks[i].Threshold {
				checks[i], owners[i] = check, l
			}
			continue
		}
		byKey[check.Key] = len(checks)
		checks = append(checks, check)
		owners = append(owners, l)
	}

	if len(checks) > 0 && g.reserver != nil {
		out, err := g.reserver.Reserve(ctx, checks)
		switch {
		case err != nil:
			// The fresh ledger read above still holds; only concurrent
			// in-flight spend goes unseen.
			g.logger.Warn("admission reservation unavailable, admitting on ledger values", "error", err)
		case !out.Admitted:
			c := checks[out.Failed]
			gateDecisions.WithLabelValues("blocked").Inc()
			return nil, owners[out.Failed].exceeded(Result{
				CurrentValue:   c.Current,
				ProjectedValue: c.Current + out.InFlight + c.Amount,
			})
		default:
			adm.release = func(ctx context.Context) {
				if err := g.reserver.Release(context.WithoutCancel(ctx), checks); err != nil {
					g.logger.Warn("failed to release admission reservation", "error", err)
				}
			}
		}
	}

	decision := "admitted"
	if len(adm.Warnings) > 0 {
		decision = "warned"
	}
	gateDecisions.WithLabelValues(decision).Inc()
	return adm, nil
}
