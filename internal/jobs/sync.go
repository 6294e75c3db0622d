// Package jobs holds the scheduled batch work: pulling provider usage into
// the ledger, reconciling the ledger against provider billing, and the cron
// runner that drives them.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"spendly/internal/accounts"
	"spendly/internal/core"
	"spendly/internal/ledger"
	"spendly/internal/pricing"
	"spendly/internal/upstream"
	"spendly/internal/vault"
)

// Billing reads a provider's organization usage and cost.
type Billing interface {
	DailyUsage(ctx context.Context, apiKey string, day time.Time) ([]upstream.LineItem, error)
	DailyCost(ctx context.Context, apiKey string, day time.Time) (float64, error)
}

// inputShare is the input fraction assumed when a provider reports only a
// token total.
const inputShare = 0.6

// SyncReport summarizes one sync run.
type SyncReport struct {
	Day         string `json:"day"`
	Credentials int    `json:"credentials"`
	Applied     int    `json:"applied"`
	// Skipped counts credentials with nothing new: already applied, no
	// usage, or a provider without a billing API.
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// SyncJob pulls yesterday's provider usage for credentials tracked out of
// band and applies it to the ledger once per credential and day.
type SyncJob struct {
	accounts accounts.Store
	ledger   ledger.Ledger
	vault    vault.Sealer
	calc     *pricing.Calculator
	billing  map[string]Billing
	loc      *time.Location
	delay    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSyncJob creates a SyncJob. billing maps provider name to its client;
// delay spaces out consecutive credentials.
func NewSyncJob(store accounts.Store, l ledger.Ledger, v vault.Sealer, calc *pricing.Calculator,
	billing map[string]Billing, loc *time.Location, delay time.Duration) *SyncJob {
	if loc == nil {
		loc = time.UTC
	}
	return &SyncJob{
		accounts: store,
		ledger:   l,
		vault:    v,
		calc:     calc,
		billing:  billing,
		loc:      loc,
		delay:    delay,
		now:      time.Now,
		logger:   slog.Default().With("component", "usage-sync"),
	}
}

// Run syncs every active upstream-sourced credential for yesterday. Per
// credential failures are counted and logged; only failing to list
// credentials aborts the run.
func (j *SyncJob) Run(ctx context.Context) (SyncReport, error) {
	day := yesterday(j.now(), j.loc)
	report := SyncReport{Day: day.Format(ledger.DayLayout)}

	creds, err := j.accounts.ListActiveCredentials(ctx, accounts.CredentialQuery{UsageSource: accounts.SourceUpstream})
	if err != nil {
		return report, fmt.Errorf("listing credentials: %w", err)
	}
	report.Credentials = len(creds)

	limiter := pacer(j.delay)
	for i := range creds {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}
		applied, err := j.SyncCredential(ctx, &creds[i], day)
		switch {
		case err != nil:
			report.Failed++
			j.logger.Error("usage sync failed", "credential_id", creds[i].ID, "day", report.Day, "error", err)
		case applied:
			report.Applied++
		default:
			report.Skipped++
		}
	}

	j.logger.Info("usage sync finished", "day", report.Day, "credentials", report.Credentials,
		"applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// SyncCredential applies one credential's usage for day. It reports whether
// a new batch was written; a rerun for the same day returns false.
func (j *SyncJob) SyncCredential(ctx context.Context, cred *accounts.Credential, day time.Time) (bool, error) {
	billing, ok := j.billing[cred.Provider]
	if !ok {
		j.logger.Debug("provider has no billing api, skipping", "credential_id", cred.ID, "provider", cred.Provider)
		return false, nil
	}

	apiKey, err := j.vault.Decrypt(cred.Ciphertext)
	if err != nil {
		return false, &core.SyncCredentialError{CredentialID: cred.ID, Op: "decrypt", Err: err}
	}

	items, err := billing.DailyUsage(ctx, apiKey, day)
	if err != nil {
		if core.IsUpstreamAuthError(err) {
			invalidate(ctx, j.accounts, j.logger, cred.ID)
		}
		return false, &core.SyncCredentialError{CredentialID: cred.ID, Op: "fetch usage", Err: err}
	}

	entries := j.entries(ctx, cred, day.Format(ledger.DayLayout), items)
	if len(entries) == 0 {
		return false, nil
	}

	applied, err := j.ledger.RecordBatch(ctx, BatchID(cred.ID, day), entries)
	if err != nil {
		return false, &core.SyncCredentialError{CredentialID: cred.ID, Op: "record usage", Err: err}
	}
	return applied, nil
}

// BatchID names the ledger batch of one credential's day.
func BatchID(credentialID string, day time.Time) string {
	return "sync:" + credentialID + ":" + day.Format(ledger.DayLayout)
}

func (j *SyncJob) entries(ctx context.Context, cred *accounts.Credential, day string, items []upstream.LineItem) []ledger.Entry {
	out := make([]ledger.Entry, 0, len(items))
	for _, it := range items {
		in, outTok, total := it.InputTokens, it.OutputTokens, it.TotalTokens
		if in == 0 && outTok == 0 && total > 0 {
			in = int64(float64(total) * inputShare)
			outTok = total - in
		}
		if total == 0 {
			total = in + outTok
		}

		cost := it.Cost
		if !it.CostReported {
			cost = j.calc.Cost(ctx, cred.Provider, it.Model, in, outTok)
		}
		if total == 0 && it.Requests == 0 && cost == 0 {
			continue
		}

		out = append(out, ledger.Entry{
			Key: ledger.Key{
				CredentialID: cred.ID,
				UserID:       cred.UserID,
				ProjectID:    cred.ProjectID,
				Provider:     cred.Provider,
				Endpoint:     "usage/" + it.Model,
				Day:          day,
			},
			Delta: ledger.Delta{
				InputTokens:  in,
				OutputTokens: outTok,
				TotalTokens:  total,
				Requests:     it.Requests,
				Cost:         cost,
				Label:        it.Model,
			},
		})
	}
	return out
}

// yesterday returns the start of the previous day in loc.
func yesterday(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, loc)
}

func pacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func invalidate(ctx context.Context, store accounts.Store, logger *slog.Logger, credentialID string) {
	if err := store.SetCredentialStatus(ctx, credentialID, accounts.StatusInvalid); err != nil {
		logger.Error("failed to invalidate rejected credential", "credential_id", credentialID, "error", err)
		return
	}
	logger.Warn("provider rejected credential, marked invalid", "credential_id", credentialID)
}
