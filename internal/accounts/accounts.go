// Package accounts stores the entities the metering pipeline acts on: users,
// their encrypted provider credentials, budgets, alerts and reconciliation
// findings.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"spendly/internal/ledger"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid")

// User is an account holder. Only the hash of the API token is stored.
type User struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Plan      string    `json:"plan" bson:"plan"`
	TokenHash string    `json:"-" bson:"token_hash"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// CredentialStatus is the lifecycle state of a stored credential.
type CredentialStatus string

const (
	StatusActive   CredentialStatus = "active"
	StatusInactive CredentialStatus = "inactive"
	// StatusInvalid is set when the provider rejects the key.
	StatusInvalid CredentialStatus = "invalid"
)

// UsageSource says where a credential's usage comes from. Proxied keys are
// metered inline; upstream keys are pulled by the daily sync. A key is never
// both, so usage is not counted twice.
type UsageSource string

const (
	SourceProxy    UsageSource = "proxy"
	SourceUpstream UsageSource = "upstream"
)

// Credential is a user's provider API key, encrypted at rest.
type Credential struct {
	ID        string `json:"id" bson:"_id"`
	UserID    string `json:"userId" bson:"user_id"`
	ProjectID string `json:"projectId,omitempty" bson:"project_id"`
	Provider  string `json:"provider" bson:"provider"`
	// Organization groups keys billed to the same provider account. Empty
	// means the key is billed on its own.
	Organization string           `json:"organization,omitempty" bson:"organization"`
	Ciphertext   string           `json:"-" bson:"ciphertext"`
	Status       CredentialStatus `json:"status" bson:"status"`
	UsageSource  UsageSource      `json:"usageSource" bson:"usage_source"`
	CreatedAt    time.Time        `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time        `json:"updatedAt" bson:"updated_at"`
}

// ScopeKind is what a budget or alert is attached to.
type ScopeKind string

const (
	ScopeUser       ScopeKind = "user"
	ScopeProject    ScopeKind = "project"
	ScopeCredential ScopeKind = "credential"
)

// Scope names one user, project or credential.
type Scope struct {
	Kind ScopeKind `json:"kind" bson:"scope_kind"`
	ID   string    `json:"id" bson:"scope_id"`
}

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Filter returns the ledger filter selecting the scope's rows.
func (s Scope) Filter() ledger.Filter {
	switch s.Kind {
	case ScopeUser:
		return ledger.Filter{UserID: s.ID}
	case ScopeProject:
		return ledger.Filter{ProjectID: s.ID}
	default:
		return ledger.Filter{CredentialID: s.ID}
	}
}

func (s Scope) validate() error {
	switch s.Kind {
	case ScopeUser, ScopeProject, ScopeCredential:
	default:
		return fmt.Errorf("%w scope kind %q", ErrInvalid, s.Kind)
	}
	if s.ID == "" {
		return fmt.Errorf("%w scope: id is required", ErrInvalid)
	}
	return nil
}

// ScopesFor lists the scopes a request made with cred falls under.
func ScopesFor(cred *Credential) []Scope {
	scopes := []Scope{{Kind: ScopeUser, ID: cred.UserID}}
	if cred.ProjectID != "" {
		scopes = append(scopes, Scope{Kind: ScopeProject, ID: cred.ProjectID})
	}
	return append(scopes, Scope{Kind: ScopeCredential, ID: cred.ID})
}

// Period is a budget or alert window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p == PeriodDaily || p == PeriodWeekly || p == PeriodMonthly
}

// BudgetMode decides whether crossing a budget blocks or only warns.
type BudgetMode string

const (
	ModeSoft BudgetMode = "soft"
	ModeHard BudgetMode = "hard"
)

// Budget caps the cost of a scope over a period.
type Budget struct {
	ID        string     `json:"id" bson:"_id"`
	UserID    string     `json:"userId" bson:"user_id"`
	Scope     Scope      `json:"scope" bson:"scope,inline"`
	Amount    float64    `json:"amount" bson:"amount"`
	Period    Period     `json:"period" bson:"period"`
	Mode      BudgetMode `json:"mode" bson:"mode"`
	Active    bool       `json:"active" bson:"active"`
	CreatedAt time.Time  `json:"createdAt" bson:"created_at"`
}

// Validate checks the budget before it is stored.
func (b *Budget) Validate() error {
	if err := b.Scope.validate(); err != nil {
		return err
	}
	if b.Amount < 0 {
		return fmt.Errorf("%w budget amount %v: must be >= 0", ErrInvalid, b.Amount)
	}
	if !b.Period.Valid() {
		return fmt.Errorf("%w budget period %q", ErrInvalid, b.Period)
	}
	if b.Mode != ModeSoft && b.Mode != ModeHard {
		return fmt.Errorf("%w budget mode %q", ErrInvalid, b.Mode)
	}
	return nil
}

// AlertMetric is the quantity an alert watches.
type AlertMetric string

const (
	AlertCost     AlertMetric = "cost"
	AlertTokens   AlertMetric = "tokens"
	AlertRequests AlertMetric = "requests"
)

// LedgerMetric maps the alert metric to its ledger column.
func (m AlertMetric) LedgerMetric() (ledger.Metric, bool) {
	switch m {
	case AlertCost:
		return ledger.MetricCost, true
	case AlertTokens:
		return ledger.MetricTotalTokens, true
	case AlertRequests:
		return ledger.MetricRequests, true
	}
	return "", false
}

// Alert notifies when a scope's metric reaches Threshold within Period.
// An enforced alert also blocks proxied requests like a hard budget.
type Alert struct {
	ID        string      `json:"id" bson:"_id"`
	UserID    string      `json:"userId" bson:"user_id"`
	Scope     Scope       `json:"scope" bson:"scope,inline"`
	Metric    AlertMetric `json:"metric" bson:"metric"`
	Threshold float64     `json:"threshold" bson:"threshold"`
	Period    Period      `json:"period" bson:"period"`
	// Notification is "<channel>:<destination>", e.g. "slack:https://hooks...".
	Notification string `json:"notification" bson:"notification"`
	// Secret signs webhook payloads when set.
	Secret                 string     `json:"-" bson:"secret,omitempty"`
	Enforce                bool       `json:"enforce" bson:"enforce"`
	Active                 bool       `json:"active" bson:"active"`
	LastNotificationSentAt *time.Time `json:"lastNotificationSentAt,omitempty" bson:"last_notification_sent_at,omitempty"`
	CreatedAt              time.Time  `json:"createdAt" bson:"created_at"`
}

// Validate checks the alert before it is stored.
func (a *Alert) Validate() error {
	if err := a.Scope.validate(); err != nil {
		return err
	}
	if _, ok := a.Metric.LedgerMetric(); !ok {
		return fmt.Errorf("%w alert metric %q", ErrInvalid, a.Metric)
	}
	if a.Threshold < 0 {
		return fmt.Errorf("%w alert threshold %v: must be >= 0", ErrInvalid, a.Threshold)
	}
	if !a.Period.Valid() {
		return fmt.Errorf("%w alert period %q", ErrInvalid, a.Period)
	}
	if a.Notification == "" {
		return fmt.Errorf("%w alert: notification target is required", ErrInvalid)
	}
	return nil
}

// ReconciliationFinding records a day on which the local ledger and the
// provider's billing disagreed beyond tolerance.
type ReconciliationFinding struct {
	ID           string    `json:"id" bson:"_id"`
	CredentialID string    `json:"credentialId" bson:"credential_id"`
	Day          string    `json:"day" bson:"day"`
	LocalCost    float64   `json:"localCost" bson:"local_cost"`
	UpstreamCost float64   `json:"upstreamCost" bson:"upstream_cost"`
	Deviation    float64   `json:"deviation" bson:"deviation"`
	Tolerance    float64   `json:"tolerance" bson:"tolerance"`
	DetectedAt   time.Time `json:"detectedAt" bson:"detected_at"`
}

// MarshalJSON renders a non-finite Deviation, recorded when the provider
// billed nothing for a day with local usage, as null with upstreamZero set.
func (f ReconciliationFinding) MarshalJSON() ([]byte, error) {
	type plain ReconciliationFinding
	out := struct {
		plain
		Deviation    *float64 `json:"deviation"`
		UpstreamZero bool     `json:"upstreamZero,omitempty"`
	}{plain: plain(f)}
	if math.IsInf(f.Deviation, 0) || math.IsNaN(f.Deviation) {
		out.UpstreamZero = true
	} else {
		out.Deviation = &f.Deviation
	}
	return json.Marshal(out)
}

// CredentialQuery selects active credentials. Empty fields match all.
type CredentialQuery struct {
	Provider    string
	UsageSource UsageSource
}

// Store persists accounts. Implementations must be safe for concurrent use.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByTokenHash(ctx context.Context, hash string) (*User, error)

	CreateCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	ListActiveCredentials(ctx context.Context, q CredentialQuery) ([]Credential, error)
	SetCredentialStatus(ctx context.Context, id string, status CredentialStatus) error

	CreateBudget(ctx context.Context, b *Budget) error
	// ListActiveBudgets returns active budgets attached to any of scopes.
	ListActiveBudgets(ctx context.Context, scopes []Scope) ([]Budget, error)

	CreateAlert(ctx context.Context, a *Alert) error
	// ListActiveAlerts returns active alerts attached to any of scopes, or
	// every active alert when scopes is nil.
	ListActiveAlerts(ctx context.Context, scopes []Scope) ([]Alert, error)
	MarkAlertNotified(ctx context.Context, id string, at time.Time) error

	InsertFinding(ctx context.Context, f *ReconciliationFinding) error
	ListFindings(ctx context.Context, credentialID string) ([]ReconciliationFinding, error)
}
