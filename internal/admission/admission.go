// Package admission tracks spend that has been admitted but not yet written
// to the ledger. Budget checks reserve against it atomically so concurrent
// requests cannot all claim the same remaining headroom.
package admission

import (
	"context"
	"log/slog"
	"time"
)

// Check is one limit a request must fit under.
type Check struct {
	// Key identifies the limit and its window, e.g. "credential:c1:daily:cost:2026-03-01".
	Key string
	// Current is the committed value read from the ledger.
	Current float64
	// Amount is what this request would add.
	Amount float64
	// Threshold is the limit. Current + in-flight + Amount must stay below it.
	Threshold float64
}

// Outcome reports a reservation attempt. When Admitted is false, Failed is
// the index of the first check that did not fit and InFlight its pending
// total at the time.
type Outcome struct {
	Admitted bool
	Failed   int
	InFlight float64
}

// Reserver holds in-flight reservations.
// Implementations must be safe for concurrent use.
type Reserver interface {
	// Reserve atomically tests every check and, only if all fit, adds each
	// Amount to its key.
	Reserve(ctx context.Context, checks []Check) (Outcome, error)

	// Release subtracts each Amount from its key.
	Release(ctx context.Context, checks []Check) error

	// Close releases any resources held by the reserver.
	Close() error
}

// Config selects the backend. An empty RedisURL selects the in-process
// reserver.
type Config struct {
	RedisURL  string
	KeyPrefix string
	// TTL bounds how long a reservation survives a crashed holder.
	TTL time.Duration
}

// New creates the configured Reserver.
func New(cfg Config) (Reserver, error) {
	if cfg.RedisURL == "" {
		slog.Info("admission reservations are process-local")
		return NewLocalReserver(), nil
	}
	return NewRedisReserver(cfg)
}
