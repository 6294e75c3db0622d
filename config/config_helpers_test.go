package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{name: "no placeholders", input: "data/spendly.db", expected: "data/spendly.db"},
		{
			name:     "set variables inside a URL",
			input:    "postgres://${PG_USER}@${PG_HOST}/spendly",
			envVars:  map[string]string{"PG_USER": "meter", "PG_HOST": "db:5432"},
			expected: "postgres://meter@db:5432/spendly",
		},
		{
			name:     "default used when unset",
			input:    "${OPENAI_HOST:-https://api.openai.com}/v1/organization/costs",
			expected: "https://api.openai.com/v1/organization/costs",
		},
		{
			name:     "default used when empty",
			input:    "${REDIS_URL:-redis://localhost:6379/0}",
			envVars:  map[string]string{"REDIS_URL": ""},
			expected: "redis://localhost:6379/0",
		},
		{
			name:     "set value wins over default",
			input:    "${SPENDLY_VAULT_KEY:-}",
			envVars:  map[string]string{"SPENDLY_VAULT_KEY": "c2VjcmV0"},
			expected: "c2VjcmV0",
		},
		{name: "empty default", input: "${SMTP_PASSWORD:-}", expected: ""},
		{
			name:     "unresolved placeholder without default is kept",
			input:    "slack:${SLACK_HOOK}",
			envVars:  map[string]string{"SLACK_HOOK": ""},
			expected: "slack:${SLACK_HOOK}",
		},
		{
			name:     "mixed",
			input:    "${A}:${B:-fallback}:${C}",
			envVars:  map[string]string{"A": "one"},
			expected: "one:fallback:${C}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			require.Equal(t, tt.expected, expandString(tt.input))
		})
	}
}

// TestApplyEnvOverrides tests the applyEnvOverrides function
func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "PORT override",
			envVars: map[string]string{"PORT": "3000"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "3000", cfg.Server.Port)
			},
		},
		{
			name:    "storage overrides",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "postgresql", cfg.Storage.Type)
				require.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
				require.Equal(t, 20, cfg.Storage.PostgreSQL.MaxConns)
			},
		},
		{
			name:    "duration overrides accept seconds and Go syntax",
			envVars: map[string]string{"PROXY_UPSTREAM_TIMEOUT": "15", "ALERT_COOLDOWN": "24h"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, 15*time.Second, cfg.Proxy.UpstreamTimeout)
				require.Equal(t, 24*time.Hour, cfg.Alerts.Cooldown)
			},
		},
		{
			name:    "tolerance and bool overrides",
			envVars: map[string]string{"RECONCILE_TOLERANCE": "0.05", "METRICS_ENABLED": "true", "JOBS_ENABLED": "0"},
			check: func(t *testing.T, cfg *Config) {
				require.InDelta(t, 0.05, cfg.Jobs.ReconcileTolerance, 1e-12)
				require.True(t, cfg.Metrics.Enabled)
				require.False(t, cfg.Jobs.Enabled)
			},
		},
		{
			name:    "secrets",
			envVars: map[string]string{"SPENDLY_VAULT_KEY": "a2V5", "REDIS_URL": "redis://localhost:6379/0"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "a2V5", cfg.Vault.Key)
				require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "8080", cfg.Server.Port)
				require.Equal(t, 600, cfg.HTTP.Timeout)
				require.Equal(t, time.Hour, cfg.Alerts.Cooldown)
				require.InDelta(t, 0.02, cfg.Jobs.ReconcileTolerance, 1e-12)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Setenv("POSTGRES_MAX_CONNS", "many")
	t.Setenv("ALERT_COOLDOWN", "soon")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), "POSTGRES_MAX_CONNS")
	require.Contains(t, err.Error(), "ALERT_COOLDOWN")
}
