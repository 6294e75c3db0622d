// Package pricing resolves per-million-token rates for (provider, model)
// pairs and computes request cost from token counts.
package pricing

import (
	"context"
	"errors"
	"time"
)

// ErrRateNotFound is returned by a RateStore when no row is effective.
var ErrRateNotFound = errors.New("rate not found")

// Rate sources reported on a resolved Rate.
const (
	SourceStore    = "store"
	SourceDefault  = "default"
	SourceFallback = "fallback"
)

// Rate is one versioned price sheet row. Rows are immutable once written;
// a price change is a new row with a later EffectiveFrom.
type Rate struct {
	Provider      string    `json:"provider" bson:"provider"`
	Model         string    `json:"model" bson:"model"`
	InputPerMTok  float64   `json:"input_per_mtok" bson:"input_per_mtok"`
	OutputPerMTok float64   `json:"output_per_mtok" bson:"output_per_mtok"`
	EffectiveFrom time.Time `json:"effective_from" bson:"effective_from"`

	// Source records where a looked-up rate came from. Not persisted.
	Source string `json:"source,omitempty" bson:"-"`
}

// SamePrice reports whether two rates charge the same amounts.
func (r Rate) SamePrice(other Rate) bool {
	return r.InputPerMTok == other.InputPerMTok && r.OutputPerMTok == other.OutputPerMTok
}

// RateStore persists versioned rates.
// Implementations must be safe for concurrent use.
type RateStore interface {
	// LatestRate returns the row for (provider, model) with the greatest
	// EffectiveFrom that is <= at, or ErrRateNotFound.
	LatestRate(ctx context.Context, provider, model string, at time.Time) (*Rate, error)

	// InsertRate appends a new row.
	InsertRate(ctx context.Context, rate Rate) error
}
