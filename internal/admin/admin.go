// Package admin provisions users, credentials, budgets and alerts for the
// operator command line.
package admin

import (
	"context"
	"fmt"
	"strings"

	"spendly/internal/accounts"
	"spendly/internal/vault"
)

// Service creates accounts entities. Provider keys are sealed before they
// reach the store.
type Service struct {
	accounts accounts.Store
	vault    vault.Sealer
}

// NewService creates a Service.
func NewService(store accounts.Store, v vault.Sealer) *Service {
	return &Service{accounts: store, vault: v}
}

// AddUser creates a user and returns the API token. The token is shown once;
// only its hash is stored.
func (s *Service) AddUser(ctx context.Context, name, plan string) (*accounts.User, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", fmt.Errorf("%w user: name is required", accounts.ErrInvalid)
	}
	token, hash, err := accounts.NewToken()
	if err != nil {
		return nil, "", err
	}
	u := &accounts.User{Name: name, Plan: plan, TokenHash: hash}
	if err := s.accounts.CreateUser(ctx, u); err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// CredentialInput describes a provider key to store.
type CredentialInput struct {
	UserID      string
	ProjectID   string
	Provider    string
	APIKey      string
	UsageSource accounts.UsageSource

	// Organization is optional. Keys sharing one are reconciled together.
	Organization string
}

// AddCredential seals the key and stores the credential for an existing user.
func (s *Service) AddCredential(ctx context.Context, in CredentialInput) (*accounts.Credential, error) {
	if in.Provider == "" || in.APIKey == "" {
		return nil, fmt.Errorf("%w credential: provider and key are required", accounts.ErrInvalid)
	}
	switch in.UsageSource {
	case "", accounts.SourceProxy, accounts.SourceUpstream:
	default:
		return nil, fmt.Errorf("%w credential usage source %q", accounts.ErrInvalid, in.UsageSource)
	}
	if _, err := s.accounts.GetUser(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("user %s: %w", in.UserID, err)
	}

	sealed, err := s.vault.Encrypt(in.APIKey)
	if err != nil {
		return nil, fmt.Errorf("sealing credential: %w", err)
	}
	c := &accounts.Credential{
		UserID:       in.UserID,
		ProjectID:    in.ProjectID,
		Provider:     strings.ToLower(in.Provider),
		Organization: strings.TrimSpace(in.Organization),
		Ciphertext:   sealed,
		UsageSource:  in.UsageSource,
	}
	if err := s.accounts.CreateCredential(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddBudget stores an active budget.
func (s *Service) AddBudget(ctx context.Context, b *accounts.Budget) error {
	if err := s.checkOwner(ctx, b.UserID); err != nil {
		return err
	}
	b.Active = true
	if err := b.Validate(); err != nil {
		return err
	}
	return s.accounts.CreateBudget(ctx, b)
}

// AddAlert stores an active alert. The notification target is checked up
// front so a typo does not surface at the first sweep.
func (s *Service) AddAlert(ctx context.Context, a *accounts.Alert) error {
	if err := s.checkOwner(ctx, a.UserID); err != nil {
		return err
	}
	a.Active = true
	if err := a.Validate(); err != nil {
		return err
	}
	if err := checkTarget(a.Notification); err != nil {
		return err
	}
	return s.accounts.CreateAlert(ctx, a)
}

// Findings lists a credential's reconciliation findings.
func (s *Service) Findings(ctx context.Context, credentialID string) ([]accounts.ReconciliationFinding, error) {
	return s.accounts.ListFindings(ctx, credentialID)
}

func (s *Service) checkOwner(ctx context.Context, userID string) error {
	if _, err := s.accounts.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	return nil
}

var knownChannels = map[string]bool{"email": true, "slack": true, "discord": true, "webhook": true}

func checkTarget(notification string) error {
	channel, _, ok := strings.Cut(notification, ":")
	if !ok || !knownChannels[strings.ToLower(channel)] {
		return fmt.Errorf("%w alert notification %q: expected <email|slack|discord|webhook>:<destination>",
			accounts.ErrInvalid, notification)
	}
	return nil
}
