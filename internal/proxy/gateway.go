// Package proxy implements the metered chat completion proxy: authorize the
// credential, estimate and gate the call, forward it upstream and record
// what it actually cost.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spendly/internal/accounts"
	"spendly/internal/budget"
	"spendly/internal/core"
	"spendly/internal/ledger"
	"spendly/internal/pricing"
	"spendly/internal/upstream"
	"spendly/internal/vault"
)

// Request and response headers.
const (
	HeaderCredentialID   = "X-Credential-Id"
	HeaderLegacyKeyID    = "X-Api-Key-Id"
	HeaderProvider       = "X-Provider"
	HeaderCost           = "X-Spendly-Cost"
	HeaderPeriodTotal    = "X-Spendly-Period-Total"
	HeaderBudgetWarning  = "X-Spendly-Budget-Warning"
	DefaultProvider      = "openai"
	EndpointCompletions  = "chat/completions"
	defaultOutputTokens  = 1024
	defaultCharsPerToken = 4
)

var ledgerWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "spendly_ledger_write_failures_total",
	Help: "Usage writes that failed after a successful upstream call",
})

// Forwarder sends a completion request to one provider.
type Forwarder interface {
	ChatCompletion(ctx context.Context, apiKey string, body []byte) (*upstream.ChatResponse, error)
}

// Config tunes the gateway.
type Config struct {
	UpstreamTimeout     time.Duration
	DefaultOutputTokens int64
	CharsPerToken       int
}

// Deps are the collaborators a Gateway needs.
type Deps struct {
	Accounts   accounts.Store
	Ledger     ledger.Ledger
	Gate       *budget.Gate
	Evaluator  *budget.Evaluator
	Calculator *pricing.Calculator
	Vault      vault.Sealer
	Upstreams  map[string]Forwarder
}

// Request is one proxied call from an authenticated user.
type Request struct {
	User         *accounts.User
	CredentialID string
	Provider     string
	Body         []byte
}

// RequestFromHeaders builds a Request from the proxy headers. The legacy key
// id header is honored when the credential header is absent.
func RequestFromHeaders(user *accounts.User, h http.Header, body []byte) Request {
	credentialID := strings.TrimSpace(h.Get(HeaderCredentialID))
	if credentialID == "" {
		credentialID = strings.TrimSpace(h.Get(HeaderLegacyKeyID))
	}
	provider := strings.ToLower(strings.TrimSpace(h.Get(HeaderProvider)))
	if provider == "" {
		provider = DefaultProvider
	}
	return Request{User: user, CredentialID: credentialID, Provider: provider, Body: body}
}

// Response is a forwarded, recorded completion.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Cost        float64
	PeriodTotal float64
	Warnings    []budget.Warning
}

// SetHeaders writes the metering headers.
func (r *Response) SetHeaders(h http.Header) {
	h.Set(HeaderCost, strconv.FormatFloat(r.Cost, 'f', -1, 64))
	h.Set(HeaderPeriodTotal, strconv.FormatFloat(r.PeriodTotal, 'f', -1, 64))
	if len(r.Warnings) > 0 {
		parts := make([]string, 0, len(r.Warnings))
		for _, w := range r.Warnings {
			parts = append(parts, fmt.Sprintf("%s (%s %s %s)", w.Reason, w.Scope, w.Period, w.Metric))
		}
		h.Set(HeaderBudgetWarning, strings.Join(parts, "; "))
	}
}

// Gateway is the metered proxy.
type Gateway struct {
	accounts  accounts.Store
	ledger    ledger.Ledger
	gate      *budget.Gate
	eval      *budget.Evaluator
	calc      *pricing.Calculator
	vault     vault.Sealer
	upstreams map[string]Forwarder
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Gateway. Zero config values take their defaults.
func New(deps Deps, cfg Config) *Gateway {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if cfg.DefaultOutputTokens <= 0 {
		cfg.DefaultOutputTokens = defaultOutputTokens
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = defaultCharsPerToken
	}
	return &Gateway{
		accounts:  deps.Accounts,
		ledger:    deps.Ledger,
		gate:      deps.Gate,
		eval:      deps.Evaluator,
		calc:      deps.Calculator,
		vault:     deps.Vault,
		upstreams: deps.Upstreams,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default().With("component", "proxy"),
	}
}

func (g *Gateway) state(ctx context.Context, state string, args ...any) {
	g.logger.Debug("proxy "+state, append([]any{"request_id", core.GetRequestID(ctx)}, args...)...)
}

// Handle runs one request through authorize, estimate, gate, forward and
// record. Errors are typed for the server's error mapping: *core.GatewayError,
// *core.BudgetExceededError or *core.UpstreamError.
func (g *Gateway) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.User == nil {
		return nil, core.NewAuthenticationError("authentication required")
	}
	if req.CredentialID == "" {
		return nil, core.NewInvalidRequestError(HeaderCredentialID+" header is required", nil)
	}
	forwarder, ok := g.upstreams[req.Provider]
	if !ok {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unsupported provider %q", req.Provider), nil)
	}

	cred, err := g.authorize(ctx, req)
	if err != nil {
		g.state(ctx, "rejected", "stage", "authorize", "error", err)
		return nil, err
	}
	g.state(ctx, "authenticated", "credential_id", cred.ID)

	chat, err := parseChatRequest(req.Body)
	if err != nil {
		g.state(ctx, "rejected", "stage", "parse", "error", err)
		return nil, err
	}
	inTokens, outTokens := estimateTokens(chat, g.cfg.CharsPerToken, g.cfg.DefaultOutputTokens)
	estimate := g.calc.Estimate(ctx, req.Provider, chat.Model, inTokens, outTokens)

	adm, err := g.gate.Admit(ctx, budget.Subject{User: req.User, Credential: cred}, budget.Pending{
		Cost:   estimate.Cost,
		Tokens: inTokens + outTokens,
	})
	if err != nil {
		var be *core.BudgetExceededError
		if errors.As(err, &be) {
			g.state(ctx, "rejected", "stage", "budget", "reason", be.Reason, "scope", be.Scope)
			return nil, err
		}
		return nil, core.NewInternalError("budget check failed", err)
	}
	defer adm.Release(ctx)
	g.state(ctx, "budget checked", "estimated_cost", estimate.Cost, "warnings", len(adm.Warnings))

	apiKey, err := g.vault.Decrypt(cred.Ciphertext)
	if err != nil {
		g.logger.Error("credential decrypt failed", "request_id", core.GetRequestID(ctx), "credential_id", cred.ID, "error", err)
		return nil, core.NewInternalError("credential could not be decrypted", err)
	}

	upCtx, cancel := context.WithTimeout(ctx, g.cfg.UpstreamTimeout)
	resp, err := forwarder.ChatCompletion(upCtx, apiKey, req.Body)
	cancel()
	if err != nil {
		if core.IsUpstreamAuthError(err) {
			g.invalidate(ctx, cred.ID)
		}
		g.state(ctx, "rejected", "stage", "forward", "error", err)
		return nil, err
	}
	g.state(ctx, "forwarded", "status", resp.StatusCode)

	cost := g.record(ctx, req, cred, chat.Model, resp.Body)
	adm.Release(ctx)
	g.state(ctx, "recorded", "cost", cost)

	periodTotal := g.periodTotal(ctx, cred.ID)
	meta := usageMetadata{
		Cost:               cost,
		CurrentPeriodTotal: periodTotal,
		CredentialID:       cred.ID,
		Tracked:            true,
		EstimatedCost:      &estimate.Cost,
		Warnings:           adm.Warnings,
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        withUsageMetadata(resp.Body, meta),
		Cost:        cost,
		PeriodTotal: periodTotal,
		Warnings:    adm.Warnings,
	}, nil
}

// authorize loads the credential and checks it may be used for this call.
// A missing credential is reported the same as a foreign one.
func (g *Gateway) authorize(ctx context.Context, req Request) (*accounts.Credential, error) {
	cred, err := g.accounts.GetCredential(ctx, req.CredentialID)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, core.NewPermissionError("credential not available")
	}
	if err != nil {
		return nil, core.NewInternalError("credential lookup failed", err)
	}
	switch {
	case cred.UserID != req.User.ID:
		return nil, core.NewPermissionError("credential not available")
	case cred.Provider != req.Provider:
		return nil, core.NewPermissionError(fmt.Sprintf("credential is not a %s credential", req.Provider))
	case cred.Status != accounts.StatusActive:
		return nil, core.NewPermissionError(fmt.Sprintf("credential is %s", cred.Status))
	}
	return cred, nil
}

// record writes the actual usage of a successful call and returns its cost.
// A failed write is logged and counted; the caller still gets the response.
func (g *Gateway) record(ctx context.Context, req Request, cred *accounts.Credential, requestModel string, body []byte) float64 {
	usage, ok := upstream.ParseUsage(body)
	if !ok {
		g.logger.Warn("upstream response has no usage block", "request_id", core.GetRequestID(ctx), "credential_id", cred.ID)
	}
	model := usage.Model
	if model == "" {
		model = requestModel
	}
	cost := g.calc.Cost(ctx, req.Provider, model, usage.PromptTokens, usage.CompletionTokens)

	key := ledger.Key{
		CredentialID: cred.ID,
		UserID:       cred.UserID,
		ProjectID:    cred.ProjectID,
		Provider:     cred.Provider,
		Endpoint:     EndpointCompletions,
		Day:          g.now().In(g.eval.Location()).Format(ledger.DayLayout),
	}
	delta := ledger.Delta{
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.TotalTokens,
		Requests:     1,
		Cost:         cost,
		Label:        model,
	}
	// The upstream call already happened; the write must not be cut short by
	// a client that hung up.
	if err := g.ledger.RecordUsage(context.WithoutCancel(ctx), key, delta); err != nil {
		ledgerWriteFailures.Inc()
		werr := &core.LedgerWriteError{CredentialID: cred.ID, Err: err}
		g.logger.Error("usage not recorded", "request_id", core.GetRequestID(ctx), "cost", cost, "error", werr)
	}
	return cost
}

func (g *Gateway) periodTotal(ctx context.Context, credentialID string) float64 {
	res, err := g.eval.Evaluate(ctx, budget.Query{
		Scope:  accounts.Scope{Kind: accounts.ScopeCredential, ID: credentialID},
		Period: accounts.PeriodMonthly,
		Metric: ledger.MetricCost,
	})
	if err != nil {
		g.logger.Warn("period total unavailable", "request_id", core.GetRequestID(ctx), "credential_id", credentialID, "error", err)
		return 0
	}
	return res.CurrentValue
}

func (g *Gateway) invalidate(ctx context.Context, credentialID string) {
	err := g.accounts.SetCredentialStatus(context.WithoutCancel(ctx), credentialID, accounts.StatusInvalid)
	if err != nil {
		g.logger.Error("failed to invalidate rejected credential", "credential_id", credentialID, "error", err)
		return
	}
	g.logger.Warn("provider rejected credential, marked invalid", "request_id", core.GetRequestID(ctx), "credential_id", credentialID)
}
