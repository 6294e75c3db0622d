package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("users by token hash", func(t *testing.T) {
		s := newStore(t)
		token, hash, err := NewToken()
		require.NoError(t, err)

		u := &User{Name: "Ada", Plan: "pro", TokenHash: hash}
		require.NoError(t, s.CreateUser(ctx, u))
		require.NotEmpty(t, u.ID)

		got, err := s.GetUserByTokenHash(ctx, HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "pro", got.Plan)

		_, err = s.GetUserByTokenHash(ctx, HashToken("spk_wrong"))
		assert.ErrorIs(t, err, ErrNotFound)

		byID, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ada", byID.Name)
	})

	t.Run("credential lifecycle", func(t *testing.T) {
		s := newStore(t)
		proxied := &Credential{UserID: "u1", Provider: "openai", Ciphertext: "v1:abc"}
		synced := &Credential{UserID: "u1", ProjectID: "p1", Provider: "openai", Organization: "org-acme", Ciphertext: "v1:def", UsageSource: SourceUpstream}
		require.NoError(t, s.CreateCredential(ctx, proxied))
		require.NoError(t, s.CreateCredential(ctx, synced))

		got, err := s.GetCredential(ctx, proxied.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
		assert.Equal(t, SourceProxy, got.UsageSource)
		assert.Equal(t, "v1:abc", got.Ciphertext)
		assert.Empty(t, got.Organization)

		upstream, err := s.ListActiveCredentials(ctx, CredentialQuery{Provider: "openai", UsageSource: SourceUpstream})
		require.NoError(t, err)
		require.Len(t, upstream, 1)
		assert.Equal(t, synced.ID, upstream[0].ID)
		assert.Equal(t, "p1", upstream[0].ProjectID)
		assert.Equal(t, "org-acme", upstream[0].Organization)

		require.NoError(t, s.SetCredentialStatus(ctx, synced.ID, StatusInvalid))
		upstream, err = s.ListActiveCredentials(ctx, CredentialQuery{UsageSource: SourceUpstream})
		require.NoError(t, err)
		assert.Empty(t, upstream)

		all, err := s.ListActiveCredentials(ctx, CredentialQuery{})
		require.NoError(t, err)
		assert.Len(t, all, 1)

		assert.ErrorIs(t, s.SetCredentialStatus(ctx, "missing", StatusInvalid), ErrNotFound)
		_, err = s.GetCredential(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("budgets by scope", func(t *testing.T) {
		s := newStore(t)
		cred := &Credential{ID: "cred-1", UserID: "u1", ProjectID: "p1"}
		require.NoError(t, s.CreateBudget(ctx, &Budget{UserID: "u1", Scope: Scope{Kind: ScopeCredential, ID: "cred-1"}, Amount: 5, Period: PeriodDaily, Mode: ModeHard, Active: true}))
		require.NoError(t, s.CreateBudget(ctx, &Budget{UserID: "u1", Scope: Scope{Kind: ScopeUser, ID: "u1"}, Amount: 100, Period: PeriodMonthly, Mode: ModeSoft, Active: true}))
		require.NoError(t, s.CreateBudget(ctx, &Budget{UserID: "u1", Scope: Scope{Kind: ScopeProject, ID: "p1"}, Amount: 1, Period: PeriodWeekly, Mode: ModeHard, Active: false}))
		require.NoError(t, s.CreateBudget(ctx, &Budget{UserID: "u2", Scope: Scope{Kind: ScopeUser, ID: "u2"}, Amount: 1, Period: PeriodDaily, Mode: ModeHard, Active: true}))

		budgets, err := s.ListActiveBudgets(ctx, ScopesFor(cred))
		require.NoError(t, err)
		require.Len(t, budgets, 2)

		amounts := map[ScopeKind]float64{}
		for _, b := range budgets {
			amounts[b.Scope.Kind] = b.Amount
		}
		assert.Equal(t, map[ScopeKind]float64{ScopeCredential: 5, ScopeUser: 100}, amounts)

		err = s.CreateBudget(ctx, &Budget{Scope: Scope{Kind: ScopeUser, ID: "u1"}, Amount: -1, Period: PeriodDaily, Mode: ModeHard})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("alerts and notification stamp", func(t *testing.T) {
		s := newStore(t)
		a := &Alert{
			UserID: "u1", Scope: Scope{Kind: ScopeUser, ID: "u1"}, Metric: AlertCost, Threshold: 10,
			Period: PeriodMonthly, Notification: "webhook:https://example.test/hook", Secret: "s3cret",
			Enforce: true, Active: true,
		}
		require.NoError(t, s.CreateAlert(ctx, a))
		require.NoError(t, s.CreateAlert(ctx, &Alert{
			UserID: "u2", Scope: Scope{Kind: ScopeCredential, ID: "c9"}, Metric: AlertTokens, Threshold: 1000,
			Period: PeriodDaily, Notification: "slack:https://hooks.slack.test/x", Active: true,
		}))

		all, err := s.ListActiveAlerts(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		scoped, err := s.ListActiveAlerts(ctx, []Scope{{Kind: ScopeUser, ID: "u1"}})
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Nil(t, scoped[0].LastNotificationSentAt)
		assert.True(t, scoped[0].Enforce)
		assert.Equal(t, "s3cret", scoped[0].Secret)

		none, err := s.ListActiveAlerts(ctx, []Scope{})
		require.NoError(t, err)
		assert.Empty(t, none)

		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.MarkAlertNotified(ctx, a.ID, at))

		scoped, err = s.ListActiveAlerts(ctx, []Scope{{Kind: ScopeUser, ID: "u1"}})
		require.NoError(t, err)
		require.NotNil(t, scoped[0].LastNotificationSentAt)
		assert.True(t, at.Equal(*scoped[0].LastNotificationSentAt))

		err = s.CreateAlert(ctx, &Alert{Scope: Scope{Kind: ScopeUser, ID: "u1"}, Metric: "latency", Period: PeriodDaily, Notification: "x"})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("findings", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertFinding(ctx, &ReconciliationFinding{
			CredentialID: "c1", Day: "2026-03-02", LocalCost: 1.1, UpstreamCost: 1.0, Deviation: 0.1, Tolerance: 0.02,
		}))
		require.NoError(t, s.InsertFinding(ctx, &ReconciliationFinding{
			CredentialID: "c1", Day: "2026-03-01", LocalCost: 2, UpstreamCost: 1, Deviation: 1, Tolerance: 0.02,
		}))

		findings, err := s.ListFindings(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, findings, 2)
		assert.Equal(t, "2026-03-01", findings[0].Day)
		assert.InDelta(t, 0.1, findings[1].Deviation, 1e-12)
	})
}
