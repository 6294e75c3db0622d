// Package config provides configuration management for the application.
//
// Values are resolved in this order, later sources winning:
//  1. built-in defaults (buildDefaultConfig)
//  2. config.yaml, with ${VAR} and ${VAR:-default} placeholders expanded
//  3. explicit environment variable overrides (applyEnvOverrides)
//
// A .env file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultBodySizeLimit is the default maximum request body size (10MB).
const DefaultBodySizeLimit int64 = 10 * 1024 * 1024

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Vault    VaultConfig    `yaml:"vault"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Budgets  BudgetsConfig  `yaml:"budgets"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LogConfig      `yaml:"logging"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string `yaml:"port"`
	BodySizeLimit int64  `yaml:"body_size_limit"`
}

// StorageConfig selects and configures the shared storage backend.
type StorageConfig struct {
	// Type is "sqlite", "postgresql" or "mongodb"
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RedisConfig enables the shared admission backend. Empty URL keeps
// reservations in process memory.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// VaultConfig holds the master key used to seal stored provider credentials.
type VaultConfig struct {
	// Key is a base64-encoded 32-byte key
	Key string `yaml:"key"`
}

// UpstreamConfig configures the upstream provider endpoints.
type UpstreamConfig struct {
	OpenAI ProviderConfig `yaml:"openai"`
}

// ProviderConfig holds per-provider endpoint settings.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	// BillingMaxRetries bounds retries of the usage and costs API calls made by
	// batch jobs. Proxied calls are never retried.
	BillingMaxRetries int `yaml:"billing_max_retries"`
}

// PricingConfig configures the rate table and its refresh.
type PricingConfig struct {
	// SheetURL points at a LiteLLM-format price sheet. Empty disables refresh.
	SheetURL             string  `yaml:"sheet_url"`
	RefreshSchedule      string  `yaml:"refresh_schedule"`
	DefaultInputPerMTok  float64 `yaml:"default_input_per_mtok"`
	DefaultOutputPerMTok float64 `yaml:"default_output_per_mtok"`
}

// ProxyConfig configures the request-time gateway.
type ProxyConfig struct {
	UpstreamTimeout     time.Duration `yaml:"upstream_timeout"`
	DefaultOutputTokens int           `yaml:"default_output_tokens"`
	CharsPerToken       int           `yaml:"chars_per_token"`
}

// BudgetsConfig configures period windows and plan ceilings.
type BudgetsConfig struct {
	// Timezone anchors daily and monthly windows (IANA name, default UTC)
	Timezone    string `yaml:"timezone"`
	DefaultPlan string `yaml:"default_plan"`
	// Plans maps a plan name to its monthly cost ceiling. Zero means no ceiling.
	Plans map[string]float64 `yaml:"plans"`
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	Cooldown      time.Duration `yaml:"cooldown"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	SMTP          SMTPConfig    `yaml:"smtp"`
}

// SMTPConfig configures the email channel. Empty Host disables email.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// JobsConfig configures the scheduled batch jobs.
type JobsConfig struct {
	Enabled            bool          `yaml:"enabled"`
	UsageSyncSchedule  string        `yaml:"usage_sync_schedule"`
	ReconcileSchedule  string        `yaml:"reconcile_schedule"`
	ReconcileTolerance float64       `yaml:"reconcile_tolerance"`
	InterCallDelay     time.Duration `yaml:"inter_call_delay"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig controls process logging.
type LogConfig struct {
	// Format is "auto", "json" or "text"
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// HTTPConfig holds outbound HTTP client timeouts, in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// Location resolves the budgets timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Budgets.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Budgets.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := buildDefaultConfig()

	if path := findConfigFile(); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: DefaultBodySizeLimit,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/spendly.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "spendly"},
		},
		Redis: RedisConfig{KeyPrefix: "spendly:"},
		Upstream: UpstreamConfig{
			OpenAI: ProviderConfig{
				BaseURL:           "https://api.openai.com/v1",
				BillingMaxRetries: 2,
			},
		},
		Pricing: PricingConfig{
			RefreshSchedule:      "0 */6 * * *",
			DefaultInputPerMTok:  2.50,
			DefaultOutputPerMTok: 10.00,
		},
		Proxy: ProxyConfig{
			UpstreamTimeout:     60 * time.Second,
			DefaultOutputTokens: 1024,
			CharsPerToken:       4,
		},
		Budgets: BudgetsConfig{
			Timezone:    "UTC",
			DefaultPlan: "free",
			Plans: map[string]float64{
				"free": 10,
				"pro":  250,
				"team": 2500,
			},
		},
		Alerts: AlertsConfig{
			Cooldown:      time.Hour,
			SweepSchedule: "*/15 * * * *",
			SMTP:          SMTPConfig{Port: 587},
		},
		Jobs: JobsConfig{
			Enabled:            true,
			UsageSyncSchedule:  "15 0 * * *",
			ReconcileSchedule:  "45 0 * * *",
			ReconcileTolerance: 0.02,
			InterCallDelay:     time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Logging: LogConfig{
			Format: "auto",
			Level:  "info",
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 600,
		},
	}
}

func findConfigFile() string {
	if path := os.Getenv("SPENDLY_CONFIG"); path != "" {
		return path
	}
	for _, candidate := range []string{"config.yaml", "config/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders. A variable
// that is unset or empty takes the default when one is given; without a
// default the placeholder is left as-is so misconfiguration stays visible.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// applyEnvOverrides maps well-known environment variables onto cfg.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
				return
			}
			*dst = d
		}
	}

	setString("PORT", &cfg.Server.Port)

	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setInt("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	setString("REDIS_URL", &cfg.Redis.URL)
	setString("SPENDLY_VAULT_KEY", &cfg.Vault.Key)
	setString("OPENAI_BASE_URL", &cfg.Upstream.OpenAI.BaseURL)
	setString("PRICING_SHEET_URL", &cfg.Pricing.SheetURL)

	setDuration("PROXY_UPSTREAM_TIMEOUT", &cfg.Proxy.UpstreamTimeout)
	setDuration("ALERT_COOLDOWN", &cfg.Alerts.Cooldown)
	setFloat("RECONCILE_TOLERANCE", &cfg.Jobs.ReconcileTolerance)
	setBool("JOBS_ENABLED", &cfg.Jobs.Enabled)

	setString("SMTP_HOST", &cfg.Alerts.SMTP.Host)
	setInt("SMTP_PORT", &cfg.Alerts.SMTP.Port)
	setString("SMTP_USERNAME", &cfg.Alerts.SMTP.Username)
	setString("SMTP_PASSWORD", &cfg.Alerts.SMTP.Password)
	setString("SMTP_FROM", &cfg.Alerts.SMTP.From)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)
	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	setInt("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	setInt("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	return errors.Join(errs...)
}

// parseDuration accepts Go duration strings or plain integers as seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown type %q (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
	}
	if c.Proxy.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("proxy.upstream_timeout must be positive"))
	}
	if c.Proxy.CharsPerToken <= 0 {
		errs = append(errs, fmt.Errorf("proxy.chars_per_token must be positive"))
	}
	if c.Jobs.ReconcileTolerance < 0 {
		errs = append(errs, fmt.Errorf("jobs.reconcile_tolerance must be >= 0"))
	}
	if c.Alerts.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("alerts.cooldown must be >= 0"))
	}
	for plan, ceiling := range c.Budgets.Plans {
		if ceiling < 0 {
			errs = append(errs, fmt.Errorf("budgets.plans.%s must be >= 0", plan))
		}
	}
	if c.Budgets.Timezone != "" {
		if _, err := time.LoadLocation(c.Budgets.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("budgets.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}
