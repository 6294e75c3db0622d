// Package main is the entry point for the Spendly metering gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spendly/config"
	"spendly/internal/app"
	"spendly/internal/logging"
)

const usage = `usage: spendly <command> [flags]

commands:
  serve               run the gateway (default)
  keygen              print a new vault master key
  user add            create a user and print its API token
  credential add      store an encrypted provider key
  budget add          attach a budget to a user, project or credential
  alert add           attach an alert to a user, project or credential
  findings            list reconciliation findings for a credential
`

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"serve"}
	}

	var err error
	switch args[0] {
	case "serve":
		err = serve()
	case "keygen":
		err = keygen()
	case "user", "credential", "budget", "alert", "findings":
		err = provision(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(logging.Options{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.Info("starting spendly")

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		return err
	}

	// Handle graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := a.Start(":" + cfg.Server.Port); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	return nil
}
