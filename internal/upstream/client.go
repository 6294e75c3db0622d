// Package upstream talks to LLM provider APIs: the chat completion endpoint
// the proxy forwards to, and the organization usage and cost endpoints the
// sync and reconciliation jobs read.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spendly/internal/core"
)

var requestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "spendly_upstream_request_duration_seconds",
		Help:    "Upstream provider call latency by operation and outcome",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"provider", "operation", "outcome"},
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 32 << 20

// Config configures a provider client.
type Config struct {
	Provider string
	BaseURL  string

	// Retries apply to idempotent reads only. Chat forwards are never retried.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultConfig returns the client defaults for a provider.
func DefaultConfig(provider, baseURL string) Config {
	return Config{
		Provider:       provider,
		BaseURL:        strings.TrimRight(baseURL, "/"),
		MaxRetries:     2,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Client is the HTTP transport shared by the chat and billing calls.
type Client struct {
	httpClient *http.Client
	config     Config
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(httpClient *http.Client, config Config) *Client {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{httpClient: httpClient, config: config, sleep: sleepCtx}
}

// Provider returns the provider name.
func (c *Client) Provider() string {
	return c.config.Provider
}

type request struct {
	Method    string
	Endpoint  string
	Body      []byte
	APIKey    string
	Operation string
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// once performs a single request. Any non-2xx status becomes an
// UpstreamError carrying the body.
func (c *Client) once(ctx context.Context, req request) (*response, error) {
	start := time.Now()
	resp, err := c.do(ctx, req)
	requestDuration.WithLabelValues(c.config.Provider, req.Operation, outcome(resp, err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, core.NewUpstreamStatusError(c.config.Provider, resp.StatusCode, resp.Body)
	}
	return resp, nil
}

// withRetry retries rate limits, gateway statuses and transport errors up to
// MaxRetries times, backing off between attempts.
func (c *Client) withRetry(ctx context.Context, req request) (*response, error) {
	attempts := c.config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		resp, err := c.once(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req request) (*response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.config.BaseURL+req.Endpoint, body)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create upstream request", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &core.UpstreamError{Provider: c.config.Provider, Timeout: isTimeout(err), Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &core.UpstreamError{Provider: c.config.Provider, Timeout: isTimeout(err), Err: err}
	}
	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if d > float64(c.config.MaxBackoff) {
		d = float64(c.config.MaxBackoff)
	}
	return time.Duration(d)
}

func retryable(err error) bool {
	var upErr *core.UpstreamError
	if !errors.As(err, &upErr) {
		return false
	}
	switch upErr.StatusCode {
	case 0:
		return !errors.Is(err, context.Canceled)
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcome(resp *response, err error) string {
	var upErr *core.UpstreamError
	switch {
	case err == nil && resp != nil && resp.StatusCode < 300:
		return "ok"
	case errors.As(err, &upErr) && upErr.Timeout:
		return "timeout"
	case resp == nil:
		return "transport_error"
	default:
		return "http_error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
