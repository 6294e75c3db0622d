package budget

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendly/internal/accounts"
	"spendly/internal/admission"
	"spendly/internal/core"
	"spendly/internal/ledger"
	"spendly/internal/storage"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ledger   ledger.Ledger
	accounts accounts.Store
	eval     *Evaluator
	gate     *Gate
	user     *accounts.User
	cred     *accounts.Credential
}

func newFixture(t *testing.T, plans map[string]float64) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "budget.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	l, err := ledger.New(ctx, st)
	require.NoError(t, err)
	acc, err := accounts.New(ctx, st)
	require.NoError(t, err)

	user := &accounts.User{ID: "user-1", Name: "Ada", Plan: "pro", TokenHash: "h1"}
	require.NoError(t, acc.CreateUser(ctx, user))
	cred := &accounts.Credential{ID: "cred-1", UserID: user.ID, ProjectID: "proj-1", Provider: "openai", Ciphertext: "x"}
	require.NoError(t, acc.CreateCredential(ctx, cred))

	eval := NewEvaluator(l, time.UTC)
	eval.now = func() time.Time { return testNow }

	return &fixture{
		ledger:   l,
		accounts: acc,
		eval:     eval,
		gate:     NewGate(acc, eval, admission.NewLocalReserver(), plans, "free"),
		user:     user,
		cred:     cred,
	}
}

func (f *fixture) spend(t *testing.T, day string, cost float64) {
	t.Helper()
	require.NoError(t, f.ledger.RecordUsage(context.Background(), ledger.Key{
		CredentialID: f.cred.ID, UserID: f.user.ID, ProjectID: f.cred.ProjectID,
		Provider: "openai", Endpoint: "chat/completions", Day: day,
	}, ledger.Delta{TotalTokens: 100, Requests: 1, Cost: cost}))
}

func (f *fixture) subject() Subject {
	return Subject{User: f.user, Credential: f.cred}
}

func TestEvaluate_ThresholdBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.spend(t, "2026-03-15", 4)
	ctx := context.Background()
	scope := accounts.Scope{Kind: accounts.ScopeCredential, ID: f.cred.ID}

	tests := []struct {
		name    string
		pending float64
		exceed  bool
	}{
		{name: "below", pending: 0.99, exceed: false},
		{name: "exactly at threshold", pending: 1, exceed: true},
		{name: "above", pending: 1.01, exceed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.eval.Evaluate(ctx, Query{
				Scope: scope, Period: accounts.PeriodDaily, Metric: ledger.MetricCost, Threshold: 5, PendingDelta: tt.pending,
			})
			require.NoError(t, err)
			assert.Equal(t, 4.0, res.CurrentValue)
			assert.InDelta(t, 4+tt.pending, res.ProjectedValue, 1e-12)
			assert.Equal(t, tt.exceed, res.WouldExceed)
		})
	}
}

func TestEvaluate_ZeroThreshold(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.eval.Evaluate(context.Background(), Query{
		Scope: accounts.Scope{Kind: accounts.ScopeUser, ID: f.user.ID}, Period: accounts.PeriodMonthly,
		Metric: ledger.MetricCost, Threshold: 0,
	})
	require.NoError(t, err)
	assert.True(t, res.WouldExceed)
}

func TestEvaluate_WindowExcludesOlderDays(t *testing.T) {
	f := newFixture(t, nil)
	f.spend(t, "2026-03-14", 100)
	f.spend(t, "2026-03-15", 1)

	res, err := f.eval.Evaluate(context.Background(), Query{
		Scope: accounts.Scope{Kind: accounts.ScopeCredential, ID: f.cred.ID}, Period: accounts.PeriodDaily,
		Metric: ledger.MetricCost, Threshold: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.CurrentValue)
	assert.False(t, res.WouldExceed)
}

func TestGate_HardBudgetBlocks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.accounts.CreateBudget(ctx, &accounts.Budget{
		UserID: f.user.ID, Scope: accounts.Scope{Kind: accounts.ScopeCredential, ID: f.cred.ID},
		Amount: 5, Period: accounts.PeriodDaily, Mode: accounts.ModeHard, Active: true,
	}))
	f.spend(t, "2026-03-15", 4.99)

	_, err := f.gate.Admit(ctx, f.subject(), Pending{Cost: 0.02, Tokens: 200})
	var be *core.BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, ReasonHardLimit, be.Reason)
	assert.Equal(t, "credential:cred-1", be.Scope)
	assert.Equal(t, "daily", be.Period)
	assert.InDelta(t, 4.99, be.CurrentValue, 1e-9)
	assert.InDelta(t, 5.01, be.ProjectedValue, 1e-9)
}

func TestGate_SoftBudgetWarns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.accounts.CreateBudget(ctx, &accounts.Budget{
		UserID: f.user.ID, Scope: accounts.Scope{Kind: accounts.ScopeUser, ID: f.user.ID},
		Amount: 1, Period: accounts.PeriodMonthly, Mode: accounts.ModeSoft, Active: true,
	}))
	f.spend(t, "2026-03-02", 3)

	adm, err := f.gate.Admit(ctx, f.subject(), Pending{Cost: 0.01})
	require.NoError(t, err)
	defer adm.Release(ctx)
	require.Len(t, adm.Warnings, 1)
	assert.Equal(t, ReasonSoftLimit, adm.Warnings[0].Reason)
	assert.Equal(t, "user:user-1", adm.Warnings[0].Scope)
}

func TestGate_EnforcedAlertBlocksOnTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.accounts.CreateAlert(ctx, &accounts.Alert{
		UserID: f.user.ID, Scope: accounts.Scope{Kind: accounts.ScopeProject, ID: "proj-1"},
		Metric: accounts.AlertTokens, Threshold: 1000, Period: accounts.PeriodDaily,
		Notification: "webhook:https://example.test", Enforce: true, Active: true,
	}))
	f.spend(t, "2026-03-15", 0.1) // 100 tokens

	adm, err := f.gate.Admit(ctx, f.subject(), Pending{Cost: 0.01, Tokens: 800})
	require.NoError(t, err)
	adm.Release(ctx)

	_, err = f.gate.Admit(ctx, f.subject(), Pending{Cost: 0.01, Tokens: 900})
	var be *core.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ReasonAlertLimit, be.Reason)
	assert.Equal(t, "total_tokens", be.Metric)
}

func TestGate_UnenforcedAlertOnlyWarns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.accounts.CreateAlert(ctx, &accounts.Alert{
		UserID: f.user.ID, Scope: accounts.Scope{Kind: accounts.ScopeUser, ID: f.user.ID},
		Metric: accounts.AlertRequests, Threshold: 1, Period: accounts.PeriodDaily,
		Notification: "slack:https://hooks.example.test", Active: true,
	}))

	adm, err := f.gate.Admit(ctx, f.subject(), Pending{})
	require.NoError(t, err)
	require.Len(t, adm.Warnings, 1)
	assert.Equal(t, ReasonAlertWatch, adm.Warnings[0].Reason)
}

func TestGate_PlanCeiling(t *testing.T) {
	f := newFixture(t, map[string]float64{"free": 1, "pro": 50})
	ctx := context.Background()
	f.spend(t, "2026-03-01", 49.5)

	_, err := f.gate.Admit(ctx, f.subject(), Pending{Cost: 1})
	var be *core.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ReasonPlanLimit, be.Reason)
	assert.Equal(t, "monthly", be.Period)

	// Unknown plans fall back to the default plan's ceiling.
	f.user.Plan = "legacy"
	_, err = f.gate.Admit(ctx, f.subject(), Pending{Cost: 0.01})
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1.0, be.Threshold)
}

func TestGate_ZeroPlanCeilingIsUncapped(t *testing.T) {
	f := newFixture(t, map[string]float64{"pro": 0})
	f.spend(t, "2026-03-15", 1000)

	_, err := f.gate.Admit(context.Background(), f.subject(), Pending{Cost: 5})
	assert.NoError(t, err)
}

func TestGate_ConcurrentRequestsShareHeadroom(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.accounts.CreateBudget(ctx, &accounts.Budget{
		UserID: f.user.ID, Scope: accounts.Scope{Kind: accounts.ScopeCredential, ID: f.cred.ID},
		Amount: 5, Period: accounts.PeriodDaily, Mode: accounts.ModeHard, Active: true,
	}))
	f.spend(t, "2026-03-15", 4)

	// Headroom of 1.0 fits three 0.3 estimates, not four.
	var (
		admitted atomic.Int32
		blocked  atomic.Int32
		wg       sync.WaitGroup
		mu       sync.Mutex
		held     []*Admission
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := f.gate.Admit(ctx, f.subject(), Pending{Cost: 0.3})
			if err != nil {
				blocked.Add(1)
				return
			}
			admitted.Add(1)
			mu.Lock()
			held = append(held, adm)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, int32(7), blocked.Load())

	for _, adm := range held {
		adm.Release(ctx)
		adm.Release(ctx)
	}
	adm, err := f.gate.Admit(ctx, f.subject(), Pending{Cost: 0.3})
	require.NoError(t, err)
	adm.Release(ctx)
}

type failingReserver struct{ admission.LocalReserver }

func (*failingReserver) Reserve(context.Context, []admission.Check) (admission.Outcome, error) {
	return admission.Outcome{}, errors.New("redis: connection refused")
}

func TestGate_ReserverFailureFallsBackToLedger(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.accounts.CreateBudget(ctx, &accounts.Budget{
		UserID: f.user.ID, Scope: accounts.Scope{Kind: accounts.ScopeCredential, ID: f.cred.ID},
		Amount: 5, Period: accounts.PeriodDaily, Mode: accounts.ModeHard, Active: true,
	}))
	f.gate.reserver = &failingReserver{}

	adm, err := f.gate.Admit(ctx, f.subject(), Pending{Cost: 1})
	require.NoError(t, err)
	adm.Release(ctx)

	f.spend(t, "2026-03-15", 4.5)
	_, err = f.gate.Admit(ctx, f.subject(), Pending{Cost: 1})
	assert.Error(t, err)
}
