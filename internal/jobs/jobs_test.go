package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spendly/internal/accounts"
	"spendly/internal/ledger"
	"spendly/internal/pricing"
	"spendly/internal/storage"
	"spendly/internal/upstream"
	"spendly/internal/vault"
)

var (
	testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	testDay = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
)

type flatRates struct{}

func (flatRates) Lookup(_ context.Context, provider, model string) pricing.Rate {
	return pricing.Rate{Provider: provider, Model: model, InputPerMTok: 1, OutputPerMTok: 2}
}

// fakeBilling answers per api key.
type fakeBilling struct {
	mu    sync.Mutex
	items map[string][]upstream.LineItem
	costs map[string]float64
	errs  map[string]error
	days  []time.Time
}

func (b *fakeBilling) DailyUsage(_ context.Context, apiKey string, day time.Time) ([]upstream.LineItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.days = append(b.days, day)
	if err := b.errs[apiKey]; err != nil {
		return nil, err
	}
	return b.items[apiKey], nil
}

func (b *fakeBilling) DailyCost(_ context.Context, apiKey string, day time.Time) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.days = append(b.days, day)
	if err := b.errs[apiKey]; err != nil {
		return 0, err
	}
	return b.costs[apiKey], nil
}

type fixture struct {
	ledger   ledger.Ledger
	accounts accounts.Store
	vault    *vault.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	l, err := ledger.New(ctx, st)
	require.NoError(t, err)
	acc, err := accounts.New(ctx, st)
	require.NoError(t, err)

	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	require.NoError(t, acc.CreateUser(ctx, &accounts.User{ID: "u1", Name: "Kay", Plan: "pro", TokenHash: "h"}))
	return &fixture{ledger: l, accounts: acc, vault: v}
}

// credential stores a credential whose decrypted key is "sk-<id>".
func (f *fixture) credential(t *testing.T, id, provider string, source accounts.UsageSource) *accounts.Credential {
	t.Helper()
	sealed, err := f.vault.Encrypt("sk-" + id)
	require.NoError(t, err)
	c := &accounts.Credential{ID: id, UserID: "u1", ProjectID: "p1", Provider: provider, Ciphertext: sealed, UsageSource: source}
	require.NoError(t, f.accounts.CreateCredential(context.Background(), c))
	return c
}

func (f *fixture) totals(t *testing.T, credentialID string) ledger.Totals {
	t.Helper()
	tot, err := f.ledger.Totals(context.Background(), ledger.Filter{CredentialID: credentialID}, ledger.SingleDay("2026-03-14"))
	require.NoError(t, err)
	return tot
}
