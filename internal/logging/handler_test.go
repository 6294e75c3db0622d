package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestNew_AutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, Options{Format: FormatAuto, Level: "info"}).Info("usage recorded", "credential_id", "c1", "cost", 0.25)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "usage recorded", line["msg"])
	assert.Equal(t, "c1", line["credential_id"])
	assert.Equal(t, 0.25, line["cost"])
}

func TestNew_TextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Format: FormatText, Level: "warn"})
	logger.Info("hidden")
	logger.Warn("budget nearly spent", "scope", "user:u1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "budget nearly spent")
	assert.Contains(t, out, "scope=user:u1")
	assert.NotContains(t, out, "\033[")
}
