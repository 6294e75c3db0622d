// Package app wires the metering gateway together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"spendly/config"
	"spendly/internal/accounts"
	"spendly/internal/admin"
	"spendly/internal/admission"
	"spendly/internal/alerts"
	"spendly/internal/budget"
	"spendly/internal/httpclient"
	"spendly/internal/jobs"
	"spendly/internal/ledger"
	"spendly/internal/pricing"
	"spendly/internal/proxy"
	"spendly/internal/server"
	"spendly/internal/storage"
	"spendly/internal/upstream"
	"spendly/internal/vault"
)

// App represents the main application with all its dependencies.
type App struct {
	config   *config.Config
	storage  storage.Storage
	reserver admission.Reserver
	runner   *jobs.Runner
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{config: cfg, storage: st}

	if err := app.build(ctx); err != nil {
		closeErr := app.closeResources()
		if closeErr != nil {
			return nil, fmt.Errorf("%w (also: close error: %v)", err, closeErr)
		}
		return nil, err
	}

	app.logStartupInfo()
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config
	loc := cfg.Location()

	l, err := ledger.New(ctx, a.storage)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	acc, err := accounts.New(ctx, a.storage)
	if err != nil {
		return fmt.Errorf("failed to initialize accounts: %w", err)
	}
	rates, err := pricing.NewRateStore(ctx, a.storage)
	if err != nil {
		return fmt.Errorf("failed to initialize rate store: %w", err)
	}
	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	a.reserver, err = admission.New(admission.Config{RedisURL: cfg.Redis.URL, KeyPrefix: cfg.Redis.KeyPrefix})
	if err != nil {
		return fmt.Errorf("failed to initialize admission: %w", err)
	}

	httpCfg := httpclient.FromSeconds(cfg.HTTP.Timeout, cfg.HTTP.ResponseHeaderTimeout)
	httpClient := httpclient.New(&httpCfg)

	calc := pricing.NewCalculator(pricing.NewTable(rates, cfg.Pricing.DefaultInputPerMTok, cfg.Pricing.DefaultOutputPerMTok))
	eval := budget.NewEvaluator(l, loc)
	gate := budget.NewGate(acc, eval, a.reserver, cfg.Budgets.Plans, cfg.Budgets.DefaultPlan)

	openaiCfg := upstream.DefaultConfig(proxy.DefaultProvider, cfg.Upstream.OpenAI.BaseURL)
	openaiCfg.MaxRetries = cfg.Upstream.OpenAI.BillingMaxRetries
	openai := upstream.New(httpClient, openaiCfg)
	billing := map[string]jobs.Billing{proxy.DefaultProvider: upstream.NewBillingClient(openai)}

	dispatcher := alerts.NewDispatcher(acc, buildChannels(cfg.Alerts.SMTP, httpClient), cfg.Alerts.Cooldown)
	sweep := alerts.NewSweep(acc, eval, dispatcher)
	syncJob := jobs.NewSyncJob(acc, l, v, calc, billing, loc, cfg.Jobs.InterCallDelay)
	reconcile := jobs.NewReconcileJob(acc, l, v, billing, loc, cfg.Jobs.ReconcileTolerance, cfg.Jobs.InterCallDelay)

	a.runner = jobs.NewRunner(loc)
	tasks := []jobs.Task{
		{Name: jobs.TaskUsageSync, Schedule: cfg.Jobs.UsageSyncSchedule, Run: func(ctx context.Context) error {
			_, err := syncJob.Run(ctx)
			return err
		}},
		{Name: jobs.TaskReconciliation, Schedule: cfg.Jobs.ReconcileSchedule, Run: func(ctx context.Context) error {
			_, err := reconcile.Run(ctx)
			return err
		}},
		{Name: jobs.TaskAlertSweep, Schedule: cfg.Alerts.SweepSchedule, Run: func(ctx context.Context) error {
			_, err := sweep.Run(ctx)
			return err
		}},
	}
	if cfg.Pricing.SheetURL != "" {
		refresher := pricing.NewRefresher(rates, httpClient, cfg.Pricing.SheetURL, proxy.DefaultProvider)
		tasks = append(tasks, jobs.Task{Name: jobs.TaskPricingRefresh, Schedule: cfg.Pricing.RefreshSchedule,
			Run: func(ctx context.Context) error {
				_, err := refresher.Run(ctx)
				return err
			}})
	}
	for _, t := range tasks {
		if !cfg.Jobs.Enabled {
			// Manual runs only.
			t.Schedule = ""
		}
		if err := a.runner.Add(t); err != nil {
			return fmt.Errorf("failed to register task %s: %w", t.Name, err)
		}
	}

	gw := proxy.New(proxy.Deps{
		Accounts:   acc,
		Ledger:     l,
		Gate:       gate,
		Evaluator:  eval,
		Calculator: calc,
		Vault:      v,
		Upstreams:  map[string]proxy.Forwarder{proxy.DefaultProvider: openai},
	}, proxy.Config{
		UpstreamTimeout:     cfg.Proxy.UpstreamTimeout,
		DefaultOutputTokens: int64(cfg.Proxy.DefaultOutputTokens),
		CharsPerToken:       cfg.Proxy.CharsPerToken,
	})

	a.server = server.New(server.Deps{
		Users:    acc,
		Gateway:  gw,
		Ledger:   l,
		Location: loc,
		Runner:   a.runner,
		Sync:     syncJob,
		Sweep:    sweep,
		Storage:  a.storage,
	}, &server.Config{
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
	})
	return nil
}

func buildChannels(smtp config.SMTPConfig, client *http.Client) map[string]alerts.Channel {
	channels := map[string]alerts.Channel{
		"slack":   &alerts.SlackChannel{Client: client},
		"discord": &alerts.DiscordChannel{Client: client},
		"webhook": &alerts.WebhookChannel{Client: client},
	}
	if smtp.Host != "" {
		channels["email"] = alerts.NewEmailChannel(alerts.SMTPConfig{
			Host:     smtp.Host,
			Port:     smtp.Port,
			Username: smtp.Username,
			Password: smtp.Password,
			From:     smtp.From,
		})
	}
	return channels
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	st, err := storage.New(ctx, storage.Config{
		Type:   cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return st, nil
}

// OpenAdmin opens storage for the provisioning commands. The returned close
// function releases it.
func OpenAdmin(ctx context.Context, cfg *config.Config) (*admin.Service, func() error, error) {
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	acc, err := accounts.New(ctx, st)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to initialize accounts: %w", err), st.Close())
	}
	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to initialize vault: %w", err), st.Close())
	}
	return admin.NewService(acc, v), st.Close, nil
}

// Start starts the scheduler and the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.runner.Start()
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown tears the app down in dependency order:
//  1. the HTTP server, so no new requests arrive;
//  2. the runner, waiting for jobs in progress;
//  3. the admission reserver;
//  4. storage.
//
// Shutdown is idempotent. Every step is attempted and failures are joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.runner != nil {
		if err := a.runner.Stop(ctx); err != nil {
			slog.Error("runner stop error", "error", err)
			errs = append(errs, fmt.Errorf("runner stop: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.reserver != nil {
		if err := a.reserver.Close(); err != nil {
			slog.Error("reserver close error", "error", err)
			errs = append(errs, fmt.Errorf("reserver close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) logStartupInfo() {
	cfg := a.config

	slog.Info("storage configured", "type", cfg.Storage.Type)
	if cfg.Redis.URL != "" {
		slog.Info("admission shared through redis", "key_prefix", cfg.Redis.KeyPrefix)
	}
	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}
	if cfg.Jobs.Enabled {
		slog.Info("scheduled jobs enabled",
			"usage_sync", cfg.Jobs.UsageSyncSchedule,
			"reconciliation", cfg.Jobs.ReconcileSchedule,
			"alert_sweep", cfg.Alerts.SweepSchedule,
		)
	} else {
		slog.Info("scheduled jobs disabled; manual runs only")
	}
	if cfg.Pricing.SheetURL == "" {
		slog.Info("pricing refresh disabled", "fallback_input_per_mtok", cfg.Pricing.DefaultInputPerMTok,
			"fallback_output_per_mtok", cfg.Pricing.DefaultOutputPerMTok)
	}
	slog.Info("budget windows", "timezone", cfg.Location().String(), "default_plan", cfg.Budgets.DefaultPlan)
}
