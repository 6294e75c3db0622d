package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spendly/internal/accounts"
	"spendly/internal/core"
	"spendly/internal/ledger"
	"spendly/internal/vault"
)

// DefaultTolerance is the relative deviation tolerated before a finding is
// recorded.
const DefaultTolerance = 0.02

var reconciliationFindings = promauto.NewCounter(prometheus.CounterOpts{
	Name: "spendly_reconciliation_findings_total",
	Help: "Credential days whose local cost deviated from provider billing beyond tolerance",
})

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	Day         string `json:"day"`
	Credentials int    `json:"credentials"`
	// Checked, Findings and Failed count billing accounts.
	Checked     int    `json:"checked"`
	Findings    int    `json:"findings"`
	Failed      int    `json:"failed"`
}

// ReconcileJob compares yesterday's ledger cost per credential with the
// provider's billed cost. It only reads the ledger.
type ReconcileJob struct {
	accounts  accounts.Store
	ledger    ledger.Ledger
	vault     vault.Sealer
	billing   map[string]Billing
	loc       *time.Location
	tolerance float64
	delay     time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewReconcileJob creates a ReconcileJob. A non-positive tolerance uses
// DefaultTolerance.
func NewReconcileJob(store accounts.Store, l ledger.Ledger, v vault.Sealer, billing map[string]Billing,
	loc *time.Location, tolerance float64, delay time.Duration) *ReconcileJob {
	if loc == nil {
		loc = time.UTC
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &ReconcileJob{
		accounts:  store,
		ledger:    l,
		vault:     v,
		billing:   billing,
		loc:       loc,
		tolerance: tolerance,
		delay:     delay,
		now:       time.Now,
		logger:    slog.Default().With("component", "reconciliation"),
	}
}

// Run checks every billing account behind the active credentials whose
// provider has a billing API. Credentials sharing an organization are one
// account, because the provider reports their cost as a single figure.
func (j *ReconcileJob) Run(ctx context.Context) (ReconcileReport, error) {
	day := yesterday(j.now(), j.loc)
	report := ReconcileReport{Day: day.Format(ledger.DayLayout)}

	creds, err := j.accounts.ListActiveCredentials(ctx, accounts.CredentialQuery{})
	if err != nil {
		return report, fmt.Errorf("listing credentials: %w", err)
	}
	report.Credentials = len(creds)

	limiter := pacer(j.delay)
	for _, group := range billingAccounts(creds, j.billing) {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}

		finding, err := j.check(ctx, group, day)
		if err != nil {
			report.Failed++
			j.logger.Error("reconciliation failed", "credential_id", group[0].ID,
				"organization", group[0].Organization, "day", report.Day, "error", err)
			continue
		}
		report.Checked++
		if finding != nil {
			report.Findings++
		}
	}

	j.logger.Info("reconciliation finished", "day", report.Day, "checked", report.Checked,
		"findings", report.Findings, "failed", report.Failed)
	return report, nil
}

// billingAccounts groups credentials by provider and organization, keeping
// list order. A credential without an organization forms its own group.
func billingAccounts(creds []accounts.Credential, billing map[string]Billing) [][]*accounts.Credential {
	var groups [][]*accounts.Credential
	index := make(map[string]int)
	for i := range creds {
		cred := &creds[i]
		if _, ok := billing[cred.Provider]; !ok {
			continue
		}
		if cred.Organization == "" {
			groups = append(groups, []*accounts.Credential{cred})
			continue
		}
		key := cred.Provider + "/" + cred.Organization
		if n, ok := index[key]; ok {
			groups[n] = append(groups[n], cred)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []*accounts.Credential{cred})
	}
	return groups
}

// check compares the summed local cost of group with the cost billed to the
// account, fetched with the first credential's key. A finding is recorded
// against that credential.
func (j *ReconcileJob) check(ctx context.Context, group []*accounts.Credential, day time.Time) (*accounts.ReconciliationFinding, error) {
	lead := group[0]
	dayStr := day.Format(ledger.DayLayout)

	var local float64
	for _, cred := range group {
		cost, err := j.ledger.Aggregate(ctx, ledger.Filter{CredentialID: cred.ID}, ledger.SingleDay(dayStr), ledger.MetricCost)
		if err != nil {
			return nil, &core.SyncCredentialError{CredentialID: cred.ID, Op: "read ledger", Err: err}
		}
		local += cost
	}

	apiKey, err := j.vault.Decrypt(lead.Ciphertext)
	if err != nil {
		return nil, &core.SyncCredentialError{CredentialID: lead.ID, Op: "decrypt", Err: err}
	}
	billed, err := j.billing[lead.Provider].DailyCost(ctx, apiKey, day)
	if err != nil {
		if core.IsUpstreamAuthError(err) {
			invalidate(ctx, j.accounts, j.logger, lead.ID)
		}
		return nil, &core.SyncCredentialError{CredentialID: lead.ID, Op: "fetch cost", Err: err}
	}

	dev := Deviation(local, billed)
	if dev <= j.tolerance {
		return nil, nil
	}

	f := &accounts.ReconciliationFinding{
		CredentialID: lead.ID,
		Day:          dayStr,
		LocalCost:    local,
		UpstreamCost: billed,
		Deviation:    dev,
		Tolerance:    j.tolerance,
		DetectedAt:   j.now().UTC(),
	}
	if err := j.accounts.InsertFinding(ctx, f); err != nil {
		return nil, &core.SyncCredentialError{CredentialID: lead.ID, Op: "record finding", Err: err}
	}
	reconciliationFindings.Inc()
	j.logger.Warn("ledger deviates from provider billing", "credential_id", lead.ID,
		"organization", lead.Organization, "credentials", len(group), "day", dayStr,
		"local_cost", local, "upstream_cost", billed, "deviation", dev, "tolerance", j.tolerance)
	return f, nil
}

// Deviation returns |local-upstream|/upstream. It is +Inf when only local
// usage exists and 0 when both are zero. Findings render +Inf as null with
// upstreamZero set.
func Deviation(local, upstream float64) float64 {
	if upstream == 0 {
		if local == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(local-upstream) / upstream
}
