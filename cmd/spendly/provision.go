package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"spendly/config"
	"spendly/internal/accounts"
	"spendly/internal/admin"
	"spendly/internal/app"
	"spendly/internal/vault"
)

func keygen() error {
	key, err := vault.GenerateMasterKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

// provision runs the entity-creation commands against the configured store.
func provision(args []string) error {
	name := args[0]
	rest := args[1:]
	if name != "findings" {
		if len(rest) == 0 || rest[0] != "add" {
			return fmt.Errorf("usage: spendly %s add [flags]", name)
		}
		rest = rest[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := context.Background()
	svc, closeStore, err := app.OpenAdmin(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	switch name {
	case "user":
		return addUser(ctx, svc, rest)
	case "credential":
		return addCredential(ctx, svc, rest)
	case "budget":
		return addBudget(ctx, svc, rest)
	case "alert":
		return addAlert(ctx, svc, rest)
	default:
		return listFindings(ctx, svc, rest)
	}
}

func addUser(ctx context.Context, svc *admin.Service, args []string) error {
	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	plan := fs.String("plan", "", "plan name; empty uses the default plan")
	if err := fs.Parse(args); err != nil {
		return err
	}

	u, token, err := svc.AddUser(ctx, *name, *plan)
	if err != nil {
		return err
	}
	fmt.Printf("user:  %s\ntoken: %s\n", u.ID, token)
	fmt.Fprintln(os.Stderr, "the token is shown once; store it now")
	return nil
}

func addCredential(ctx context.Context, svc *admin.Service, args []string) error {
	fs := flag.NewFlagSet("credential add", flag.ContinueOnError)
	user := fs.String("user", "", "owning user id")
	project := fs.String("project", "", "project id")
	provider := fs.String("provider", "openai", "provider name")
	source := fs.String("source", string(accounts.SourceProxy), "usage source: proxy or upstream")
	org := fs.String("organization", "", "provider organization shared with other keys")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// The key comes from the environment so it stays out of shell history.
	key := os.Getenv("SPENDLY_PROVIDER_KEY")
	if key == "" {
		return errors.New("set SPENDLY_PROVIDER_KEY to the provider API key")
	}

	c, err := svc.AddCredential(ctx, admin.CredentialInput{
		UserID:       *user,
		ProjectID:    *project,
		Provider:     *provider,
		APIKey:       key,
		UsageSource:  accounts.UsageSource(*source),
		Organization: *org,
	})
	if err != nil {
		return err
	}
	fmt.Println(c.ID)
	return nil
}

func addBudget(ctx context.Context, svc *admin.Service, args []string) error {
	fs := flag.NewFlagSet("budget add", flag.ContinueOnError)
	user := fs.String("user", "", "owning user id")
	scope := fs.String("scope", "", "user:<id>, project:<id> or credential:<id>; defaults to the user")
	amount := fs.Float64("amount", 0, "cost limit in USD")
	period := fs.String("period", string(accounts.PeriodMonthly), "daily, weekly or monthly")
	mode := fs.String("mode", string(accounts.ModeHard), "hard blocks, soft warns")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := parseScope(*scope, *user)
	if err != nil {
		return err
	}
	b := &accounts.Budget{
		UserID: *user,
		Scope:  s,
		Amount: *amount,
		Period: accounts.Period(*period),
		Mode:   accounts.BudgetMode(*mode),
	}
	if err := svc.AddBudget(ctx, b); err != nil {
		return err
	}
	fmt.Println(b.ID)
	return nil
}

func addAlert(ctx context.Context, svc *admin.Service, args []string) error {
	fs := flag.NewFlagSet("alert add", flag.ContinueOnError)
	user := fs.String("user", "", "owning user id")
	scope := fs.String("scope", "", "user:<id>, project:<id> or credential:<id>; defaults to the user")
	metric := fs.String("metric", string(accounts.AlertCost), "cost, tokens or requests")
	threshold := fs.Float64("threshold", 0, "value that fires the alert")
	period := fs.String("period", string(accounts.PeriodMonthly), "daily, weekly or monthly")
	notify := fs.String("notify", "", "<email|slack|discord|webhook>:<destination>")
	secret := fs.String("secret", "", "webhook signing secret")
	enforce := fs.Bool("enforce", false, "block proxied requests once the threshold is reached")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := parseScope(*scope, *user)
	if err != nil {
		return err
	}
	a := &accounts.Alert{
		UserID:       *user,
		Scope:        s,
		Metric:       accounts.AlertMetric(*metric),
		Threshold:    *threshold,
		Period:       accounts.Period(*period),
		Notification: *notify,
		Secret:       *secret,
		Enforce:      *enforce,
	}
	if err := svc.AddAlert(ctx, a); err != nil {
		return err
	}
	fmt.Println(a.ID)
	return nil
}

func listFindings(ctx context.Context, svc *admin.Service, args []string) error {
	fs := flag.NewFlagSet("findings", flag.ContinueOnError)
	cred := fs.String("credential", "", "credential id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cred == "" {
		return errors.New("-credential is required")
	}

	findings, err := svc.Findings(ctx, *cred)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(findings)
}

func parseScope(s, userID string) (accounts.Scope, error) {
	if s == "" {
		return accounts.Scope{Kind: accounts.ScopeUser, ID: userID}, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return accounts.Scope{}, fmt.Errorf("scope %q: expected <kind>:<id>", s)
	}
	return accounts.Scope{Kind: accounts.ScopeKind(kind), ID: id}, nil
}
