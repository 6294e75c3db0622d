package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSeconds(t *testing.T) {
	cfg := FromSeconds(30, 0)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 600*time.Second, cfg.ResponseHeaderTimeout)

	cfg = FromSeconds(-1, 15)
	assert.Equal(t, 600*time.Second, cfg.Timeout)
	assert.Equal(t, 15*time.Second, cfg.ResponseHeaderTimeout)
}

func TestNew(t *testing.T) {
	cfg := FromSeconds(5, 2)
	client := New(&cfg)
	assert.Equal(t, 5*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, transport.ResponseHeaderTimeout)
	assert.True(t, transport.DisableCompression)

	assert.Equal(t, 600*time.Second, New(nil).Timeout)
}
