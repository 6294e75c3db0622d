package pricing

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Table resolves the effective rate for a model. Lookup never fails: pricing
// gaps must not block a request, so unknown models get the fallback rate.
type Table struct {
	store    RateStore
	fallback Rate
	now      func() time.Time
	logger   *slog.Logger
}

// NewTable creates a Table. store may be nil, in which case only the static
// defaults and the fallback are consulted.
func NewTable(store RateStore, fallbackInputPerMTok, fallbackOutputPerMTok float64) *Table {
	return &Table{
		store: store,
		fallback: Rate{
			Model:         "*",
			InputPerMTok:  fallbackInputPerMTok,
			OutputPerMTok: fallbackOutputPerMTok,
			Source:        SourceFallback,
		},
		now:    time.Now,
		logger: slog.Default().With("component", "pricing"),
	}
}

// Lookup returns the latest stored rate effective now, else the static
// default, else the fallback rate.
func (t *Table) Lookup(ctx context.Context, provider, model string) Rate {
	if t.store != nil {
		rate, err := t.store.LatestRate(ctx, provider, model, t.now())
		switch {
		case err == nil:
			rate.Source = SourceStore
			return *rate
		case !errors.Is(err, ErrRateNotFound):
			t.logger.Warn("rate store lookup failed, using defaults",
				"provider", provider, "model", model, "error", err)
		}
	}

	if rate, ok := defaultRate(provider, model); ok {
		return rate
	}

	t.logger.Debug("no rate for model, using fallback", "provider", provider, "model", model)
	fb := t.fallback
	fb.Provider = provider
	return fb
}
