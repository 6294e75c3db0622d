package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"spendly/internal/accounts"
	"spendly/internal/alerts"
	"spendly/internal/budget"
	"spendly/internal/core"
	"spendly/internal/jobs"
	"spendly/internal/ledger"
	"spendly/internal/proxy"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UsageSyncer runs the usage sync.
type UsageSyncer interface {
	Run(ctx context.Context) (jobs.SyncReport, error)
}

// AlertSweeper runs the alert sweep.
type AlertSweeper interface {
	Run(ctx context.Context) (alerts.SweepReport, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Users    UserLookup
	Gateway  *proxy.Gateway
	Ledger   ledger.Ledger
	Location *time.Location
	Runner   *jobs.Runner
	Sync     UsageSyncer
	Sweep    AlertSweeper
	Storage  Pinger
}

// Handler holds the HTTP handlers
type Handler struct {
	deps Deps
	now  func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Handler{deps: deps, now: time.Now}
}

// ChatCompletion handles POST /v1/chat/completions
func (h *Handler) ChatCompletion(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return handleError(c, core.NewInvalidRequestError("failed to read request body", err))
	}

	req := proxy.RequestFromHeaders(currentUser(c), c.Request().Header, body)
	resp, err := h.deps.Gateway.Handle(c.Request().Context(), req)
	if err != nil {
		return handleError(c, err)
	}

	resp.SetHeaders(c.Response().Header())
	contentType := resp.ContentType
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(resp.StatusCode, contentType, resp.Body)
}

// UsageSync handles POST /api/usage/sync: an immediate usage sync followed by
// an alert sweep. It shares the scheduled sync's exclusion.
func (h *Handler) UsageSync(c echo.Context) error {
	var (
		syncReport  jobs.SyncReport
		sweepReport alerts.SweepReport
	)
	err := h.deps.Runner.Do(c.Request().Context(), jobs.TaskUsageSync, func(ctx context.Context) error {
		var err error
		if syncReport, err = h.deps.Sync.Run(ctx); err != nil {
			return err
		}
		sweepReport, err = h.deps.Sweep.Run(ctx)
		return err
	})
	if errors.Is(err, jobs.ErrTaskRunning) {
		return handleError(c, core.NewConflictError("usage sync is already running"))
	}
	if err != nil {
		return handleError(c, core.NewInternalError("usage sync failed", err))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"completedAt": h.now().UTC(),
		"sync":        syncReport,
		"alerts":      sweepReport,
	})
}

// UsageSummary handles GET /api/usage/summary?period=daily|weekly|monthly
func (h *Handler) UsageSummary(c echo.Context) error {
	period := accounts.Period(c.QueryParam("period"))
	if period == "" {
		period = accounts.PeriodMonthly
	}
	if !period.Valid() {
		return handleError(c, core.NewInvalidRequestError("period must be daily, weekly or monthly", nil))
	}

	user := currentUser(c)
	window := budget.Window(period, h.now(), h.deps.Location)
	totals, err := h.deps.Ledger.Totals(c.Request().Context(), ledger.Filter{UserID: user.ID}, window)
	if err != nil {
		return handleError(c, core.NewInternalError("usage summary failed", err))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"userId": user.ID,
		"period": period,
		"from":   window.From,
		"to":     window.To,
		"totals": totals,
	})
}

// Jobs handles GET /api/jobs
func (h *Handler) Jobs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": h.deps.Runner.Status()})
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	if h.deps.Storage != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Storage.Ping(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleError converts typed errors to HTTP responses. Upstream responses
// with a body pass through unchanged.
func handleError(c echo.Context, err error) error {
	ctx := c.Request().Context()

	var (
		gatewayErr *core.GatewayError
		budgetErr  *core.BudgetExceededError
		upErr      *core.UpstreamError
	)
	switch {
	case errors.As(err, &gatewayErr):
		if gatewayErr.HTTPStatusCode() >= http.StatusInternalServerError {
			slog.Error("request failed", "request_id", core.GetRequestID(ctx), "error", err, "cause", gatewayErr.Err)
		}
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())

	case errors.As(err, &budgetErr):
		return c.JSON(budgetErr.HTTPStatusCode(), budgetErr.ToJSON())

	case errors.As(err, &upErr):
		if upErr.StatusCode != 0 && len(upErr.Body) > 0 {
			return c.Blob(upErr.StatusCode, echo.MIMEApplicationJSON, upErr.Body)
		}
		message := "upstream provider unavailable"
		if upErr.Timeout {
			message = "upstream provider timed out"
		}
		providerErr := core.NewProviderError(upErr.Provider, upErr.HTTPStatusCode(), message, upErr)
		return c.JSON(providerErr.HTTPStatusCode(), providerErr.ToJSON())
	}

	slog.Error("unexpected error", "request_id", core.GetRequestID(ctx), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    core.ErrorTypeInternal,
			"message": "an unexpected error occurred",
		},
	})
}
