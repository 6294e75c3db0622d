package admission

import (
	"context"
	"sync"
)

// releaseEpsilon absorbs float drift when a key returns to zero.
const releaseEpsilon = 1e-9

// LocalReserver keeps reservations in memory.
// This is suitable for single-instance deployments.
type LocalReserver struct {
	mu       sync.Mutex
	inflight map[string]float64
}

// NewLocalReserver creates an empty in-process reserver.
func NewLocalReserver() *LocalReserver {
	return &LocalReserver{inflight: make(map[string]float64)}
}

func (r *LocalReserver) Reserve(_ context.Context, checks []Check) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range checks {
		pending := r.inflight[c.Key]
		if c.Current+pending+c.Amount >= c.Threshold {
			return Outcome{Failed: i, InFlight: pending}, nil
		}
	}
	for _, c := range checks {
		r.inflight[c.Key] += c.Amount
	}
	return Outcome{Admitted: true}, nil
}

func (r *LocalReserver) Release(_ context.Context, checks []Check) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range checks {
		left := r.inflight[c.Key] - c.Amount
		if left <= releaseEpsilon {
			delete(r.inflight, c.Key)
			continue
		}
		r.inflight[c.Key] = left
	}
	return nil
}

// InFlight returns the pending total for key.
func (r *LocalReserver) InFlight(key string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[key]
}

// Close is a no-op for the local reserver.
func (r *LocalReserver) Close() error {
	return nil
}
