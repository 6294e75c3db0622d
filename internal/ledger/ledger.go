// Package ledger records per-credential, per-endpoint, per-day usage
// aggregates and answers range sums over them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DayLayout is the on-disk format of a ledger day.
const DayLayout = "2006-01-02"

// Metric names an aggregatable ledger column.
type Metric string

const (
	MetricCost        Metric = "cost"
	MetricTotalTokens Metric = "total_tokens"
	MetricRequests    Metric = "requests"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricCost, MetricTotalTokens, MetricRequests:
		return true
	}
	return false
}

// Validation errors. They are wrapped with detail and can be matched with
// errors.Is.
var (
	ErrEmptyFilter   = errors.New("filter must set a user, project or credential")
	ErrInvalidKey    = errors.New("invalid usage key")
	ErrInvalidDelta  = errors.New("invalid usage delta")
	ErrInvalidRange  = errors.New("invalid date range")
	ErrInvalidMetric = errors.New("invalid metric")
)

// Key identifies one ledger row. UserID and ProjectID are denormalized from
// the credential so scope sums need no join.
type Key struct {
	CredentialID string `json:"credentialId"`
	UserID       string `json:"userId"`
	ProjectID    string `json:"projectId,omitempty"`
	Provider     string `json:"provider"`
	Endpoint     string `json:"endpoint"`
	Day          string `json:"day"`
}

func (k Key) validate() error {
	if k.CredentialID == "" || k.Endpoint == "" {
		return fmt.Errorf("%w: credential and endpoint are required", ErrInvalidKey)
	}
	if _, err := time.Parse(DayLayout, k.Day); err != nil {
		return fmt.Errorf("%w: day %q: %v", ErrInvalidKey, k.Day, err)
	}
	return nil
}

// Delta is an additive usage increment. Label names the model or line item
// that produced Cost.
type Delta struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	Requests     int64   `json:"requests"`
	Cost         float64 `json:"cost"`
	Label        string  `json:"label,omitempty"`
}

func (d Delta) validate() error {
	if d.InputTokens < 0 || d.OutputTokens < 0 || d.TotalTokens < 0 || d.Requests < 0 || d.Cost < 0 {
		return fmt.Errorf("%w: negative values are not allowed", ErrInvalidDelta)
	}
	return nil
}

// Entry is one keyed delta inside a batch.
type Entry struct {
	Key   Key
	Delta Delta
}

// Filter selects the rows a sum runs over. Every set field is ANDed.
type Filter struct {
	UserID       string
	ProjectID    string
	CredentialID string
}

// Empty reports whether no field is set.
func (f Filter) Empty() bool {
	return f.UserID == "" && f.ProjectID == "" && f.CredentialID == ""
}

// DateRange is an inclusive span of ledger days.
type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewDateRange builds a range from two instants, using their calendar dates
// as given.
func NewDateRange(from, to time.Time) DateRange {
	return DateRange{From: from.Format(DayLayout), To: to.Format(DayLayout)}
}

// SingleDay is the range covering only day.
func SingleDay(day string) DateRange {
	return DateRange{From: day, To: day}
}

func (r DateRange) validate() error {
	from, err := time.Parse(DayLayout, r.From)
	if err != nil {
		return fmt.Errorf("%w: from %q", ErrInvalidRange, r.From)
	}
	to, err := time.Parse(DayLayout, r.To)
	if err != nil {
		return fmt.Errorf("%w: to %q", ErrInvalidRange, r.To)
	}
	if to.Before(from) {
		return fmt.Errorf("%w: %s is after %s", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

// Totals holds every summed column for a filter and range.
type Totals struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	Requests     int64   `json:"requests"`
	Cost         float64 `json:"cost"`
}

// Ledger is the usage store. Implementations must be safe for concurrent use;
// concurrent RecordUsage calls on the same key must never lose an increment.
type Ledger interface {
	// RecordUsage adds delta to the row for key, creating it if needed.
	RecordUsage(ctx context.Context, key Key, delta Delta) error

	// RecordBatch applies entries at most once per batchID. It returns false
	// when the batch had already been applied.
	RecordBatch(ctx context.Context, batchID string, entries []Entry) (bool, error)

	// Aggregate sums metric over the rows matching filter within r.
	// No matching rows yields 0.
	Aggregate(ctx context.Context, filter Filter, r DateRange, metric Metric) (float64, error)

	// Totals sums every column over the rows matching filter within r.
	Totals(ctx context.Context, filter Filter, r DateRange) (Totals, error)
}

func validateQuery(filter Filter, r DateRange) error {
	if filter.Empty() {
		return ErrEmptyFilter
	}
	return r.validate()
}

func validateEntries(batchID string, entries []Entry) error {
	if batchID == "" {
		return fmt.Errorf("batch id is required")
	}
	for i, e := range entries {
		if err := e.Key.validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if err := e.Delta.validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}
