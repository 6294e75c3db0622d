package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLedgerConformance exercises the behaviour every backend must share.
func runLedgerConformance(t *testing.T, newLedger func(t *testing.T) Ledger) {
	ctx := context.Background()

	key := func(cred, endpoint, day string) Key {
		return Key{CredentialID: cred, UserID: "user-1", ProjectID: "proj-1", Provider: "openai", Endpoint: endpoint, Day: day}
	}

	t.Run("accumulates deltas on one key", func(t *testing.T) {
		l := newLedger(t)
		k := key("cred-acc", "chat/completions", "2026-03-01")

		require.NoError(t, l.RecordUsage(ctx, k, Delta{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, Requests: 1, Cost: 0.25, Label: "gpt-4o"}))
		require.NoError(t, l.RecordUsage(ctx, k, Delta{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Requests: 1, Cost: 0.5, Label: "gpt-4o"}))

		totals, err := l.Totals(ctx, Filter{CredentialID: "cred-acc"}, SingleDay("2026-03-01"))
		require.NoError(t, err)
		assert.Equal(t, Totals{InputTokens: 110, OutputTokens: 55, TotalTokens: 165, Requests: 2, Cost: 0.75}, totals)
	})

	t.Run("aggregate with no rows is zero", func(t *testing.T) {
		l := newLedger(t)
		for _, m := range []Metric{MetricCost, MetricTotalTokens, MetricRequests} {
			v, err := l.Aggregate(ctx, Filter{UserID: "nobody"}, DateRange{From: "2026-01-01", To: "2026-12-31"}, m)
			require.NoError(t, err)
			assert.Zero(t, v, m)
		}
	})

	t.Run("aggregate respects scope and inclusive range", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.RecordUsage(ctx, key("cred-a", "chat/completions", "2026-03-01"), Delta{Requests: 1, Cost: 1}))
		require.NoError(t, l.RecordUsage(ctx, key("cred-a", "chat/completions", "2026-03-03"), Delta{Requests: 1, Cost: 2}))
		require.NoError(t, l.RecordUsage(ctx, key("cred-a", "chat/completions", "2026-03-04"), Delta{Requests: 1, Cost: 4}))
		other := key("cred-b", "chat/completions", "2026-03-02")
		other.UserID = "user-2"
		other.ProjectID = ""
		require.NoError(t, l.RecordUsage(ctx, other, Delta{Requests: 1, Cost: 8}))

		rng := DateRange{From: "2026-03-01", To: "2026-03-03"}

		v, err := l.Aggregate(ctx, Filter{UserID: "user-1"}, rng, MetricCost)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, v, 1e-9)

		v, err = l.Aggregate(ctx, Filter{ProjectID: "proj-1"}, rng, MetricRequests)
		require.NoError(t, err)
		assert.Equal(t, 2.0, v)

		v, err = l.Aggregate(ctx, Filter{UserID: "user-1", CredentialID: "cred-b"}, rng, MetricCost)
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("top label follows strictly greater cost", func(t *testing.T) {
		l := newLedger(t)
		k := key("cred-label", "usage/all", "2026-03-05")
		require.NoError(t, l.RecordUsage(ctx, k, Delta{Cost: 1, Label: "gpt-4o"}))
		require.NoError(t, l.RecordUsage(ctx, k, Delta{Cost: 1, Label: "gpt-4o-mini"}))
		require.NoError(t, l.RecordUsage(ctx, k, Delta{Cost: 3, Label: "o3"}))
		require.NoError(t, l.RecordUsage(ctx, k, Delta{Cost: 0.5, Label: "gpt-5-nano"}))

		label, top := readTopLabel(t, l, k)
		assert.Equal(t, "o3", label)
		assert.InDelta(t, 3.0, top, 1e-9)
	})

	t.Run("batch applies at most once", func(t *testing.T) {
		l := newLedger(t)
		entries := []Entry{
			{Key: key("cred-sync", "usage/gpt-4o", "2026-03-06"), Delta: Delta{TotalTokens: 1000, Requests: 3, Cost: 0.4, Label: "gpt-4o"}},
			{Key: key("cred-sync", "usage/gpt-4o-mini", "2026-03-06"), Delta: Delta{TotalTokens: 500, Requests: 2, Cost: 0.1, Label: "gpt-4o-mini"}},
		}

		applied, err := l.RecordBatch(ctx, "sync:cred-sync:2026-03-06", entries)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = l.RecordBatch(ctx, "sync:cred-sync:2026-03-06", entries)
		require.NoError(t, err)
		assert.False(t, applied)

		v, err := l.Aggregate(ctx, Filter{CredentialID: "cred-sync"}, SingleDay("2026-03-06"), MetricTotalTokens)
		require.NoError(t, err)
		assert.Equal(t, 1500.0, v)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		l := newLedger(t)
		k := key("cred-race", "chat/completions", "2026-03-07")

		const workers, perWorker = 8, 25
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if err := l.RecordUsage(ctx, k, Delta{TotalTokens: 10, Requests: 1, Cost: 0.001}); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}

		totals, err := l.Totals(ctx, Filter{CredentialID: "cred-race"}, SingleDay("2026-03-07"))
		require.NoError(t, err)
		assert.Equal(t, int64(workers*perWorker), totals.Requests)
		assert.Equal(t, int64(workers*perWorker*10), totals.TotalTokens)
		assert.InDelta(t, float64(workers*perWorker)*0.001, totals.Cost, 1e-9)
	})

	t.Run("validation", func(t *testing.T) {
		l := newLedger(t)

		_, err := l.Aggregate(ctx, Filter{}, SingleDay("2026-03-01"), MetricCost)
		assert.ErrorIs(t, err, ErrEmptyFilter)

		_, err = l.Totals(ctx, Filter{}, SingleDay("2026-03-01"))
		assert.ErrorIs(t, err, ErrEmptyFilter)

		_, err = l.Aggregate(ctx, Filter{UserID: "u"}, SingleDay("2026-03-01"), Metric("latency"))
		assert.ErrorIs(t, err, ErrInvalidMetric)

		_, err = l.Aggregate(ctx, Filter{UserID: "u"}, DateRange{From: "2026-03-02", To: "2026-03-01"}, MetricCost)
		assert.ErrorIs(t, err, ErrInvalidRange)

		err = l.RecordUsage(ctx, Key{CredentialID: "c", Endpoint: "e", Day: "03/01/2026"}, Delta{})
		assert.ErrorIs(t, err, ErrInvalidKey)

		err = l.RecordUsage(ctx, key("c", "e", "2026-03-01"), Delta{Cost: -1})
		assert.ErrorIs(t, err, ErrInvalidDelta)

		_, err = l.RecordBatch(ctx, "", nil)
		assert.Error(t, err)
	})
}

// readTopLabel reads the stored top label for k. Each backend test file
// provides topLabelReaders for its store type.
func readTopLabel(t *testing.T, l Ledger, k Key) (string, float64) {
	t.Helper()
	reader, ok := topLabelReaders[fmt.Sprintf("%T", l)]
	require.True(t, ok, "no top label reader for %T", l)
	return reader(t, l, k)
}

var topLabelReaders = map[string]func(t *testing.T, l Ledger, k Key) (string, float64){}
