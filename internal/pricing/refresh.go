package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RefreshResult summarizes one price sheet refresh.
type RefreshResult struct {
	Unchanged bool `json:"unchanged"`
	Seen      int  `json:"seen"`
	Inserted  int  `json:"inserted"`
}

// Refresher pulls a price sheet and appends a new rate row for every model
// whose price differs from the latest stored row.
type Refresher struct {
	store     RateStore
	client    *http.Client
	url       string
	providers []string
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	fingerprint uint64
}

// NewRefresher creates a Refresher for the given providers.
func NewRefresher(store RateStore, client *http.Client, url string, providers ...string) *Refresher {
	return &Refresher{
		store:     store,
		client:    client,
		url:       url,
		providers: providers,
		now:       time.Now,
		logger:    slog.Default().With("component", "pricing-refresh"),
	}
}

// Run performs one refresh. A sheet identical to the previous run is skipped.
func (r *Refresher) Run(ctx context.Context) (RefreshResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := FetchSheet(ctx, r.client, r.url)
	if err != nil {
		return RefreshResult{}, err
	}

	sum := xxhash.Sum64(raw)
	if sum == r.fingerprint {
		r.logger.Debug("price sheet unchanged", "fingerprint", sum)
		return RefreshResult{Unchanged: true}, nil
	}

	rates, err := ParseSheet(raw, r.providers...)
	if err != nil {
		return RefreshResult{}, err
	}

	now := r.now().UTC()
	result := RefreshResult{Seen: len(rates)}
	var errs []error
	for _, rate := range rates {
		latest, err := r.store.LatestRate(ctx, rate.Provider, rate.Model, now)
		switch {
		case err == nil && latest.SamePrice(rate):
			continue
		case err != nil && !errors.Is(err, ErrRateNotFound):
			errs = append(errs, err)
			continue
		}
		if math.IsNaN(rate.InputPerMTok) || math.IsNaN(rate.OutputPerMTok) {
			continue
		}

		rate.EffectiveFrom = now
		if err := r.store.InsertRate(ctx, rate); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Inserted++
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("price refresh: %d of %d rates failed: %w", len(errs), len(rates), errors.Join(errs...))
	}

	r.fingerprint = sum
	r.logger.Info("price sheet refreshed", "seen", result.Seen, "inserted", result.Inserted)
	return result, nil
}
