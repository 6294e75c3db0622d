package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"spendly/internal/accounts"
	"spendly/internal/admission"
	"spendly/internal/alerts"
	"spendly/internal/budget"
	"spendly/internal/jobs"
	"spendly/internal/ledger"
	"spendly/internal/pricing"
	"spendly/internal/proxy"
	"spendly/internal/storage"
	"spendly/internal/upstream"
	"spendly/internal/vault"
)

const (
	testToken      = "spk_test_token"
	completionBody = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":1000,"completion_tokens":1000,"total_tokens":2000}}`
	chatBody       = `{"model":"gpt-4o-mini","max_tokens":1000,"messages":[{"role":"user","content":"hello"}]}`
)

// flatRates makes 1000 tokens cost $1 in either direction.
type flatRates struct{}

func (flatRates) Lookup(_ context.Context, provider, model string) pricing.Rate {
	return pricing.Rate{Provider: provider, Model: model, InputPerMTok: 1000, OutputPerMTok: 1000}
}

type stubSync struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func (s *stubSync) Run(ctx context.Context) (jobs.SyncReport, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	return jobs.SyncReport{Day: "2026-03-14", Credentials: 1, Applied: 1}, s.err
}

type stubSweep struct{ calls atomic.Int32 }

func (s *stubSweep) Run(context.Context) (alerts.SweepReport, error) {
	s.calls.Add(1)
	return alerts.SweepReport{Evaluated: 2, Notified: 1}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	srv      *Server
	accounts accounts.Store
	ledger   ledger.Ledger
	user     *accounts.User
	upstream http.HandlerFunc
	sync     *stubSync
	sweep    *stubSweep
	ping     error
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "server.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	l, err := ledger.New(ctx, st)
	require.NoError(t, err)
	acc, err := accounts.New(ctx, st)
	require.NoError(t, err)

	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	sealed, err := v.Encrypt("sk-live-123")
	require.NoError(t, err)

	user := &accounts.User{ID: "u1", Name: "Lin", Plan: "pro", TokenHash: accounts.HashToken(testToken)}
	require.NoError(t, acc.CreateUser(ctx, user))
	require.NoError(t, acc.CreateCredential(ctx, &accounts.Credential{
		ID: "c1", UserID: "u1", ProjectID: "p1", Provider: "openai", Ciphertext: sealed,
	}))

	f := &fixture{accounts: acc, ledger: l, user: user, sync: &stubSync{}, sweep: &stubSweep{}}
	f.upstream = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { f.upstream(w, r) }))
	t.Cleanup(up.Close)

	eval := budget.NewEvaluator(l, time.UTC)
	gw := proxy.New(proxy.Deps{
		Accounts:   acc,
		Ledger:     l,
		Gate:       budget.NewGate(acc, eval, admission.NewLocalReserver(), nil, ""),
		Evaluator:  eval,
		Calculator: pricing.NewCalculator(flatRates{}),
		Vault:      v,
		Upstreams: map[string]proxy.Forwarder{
			"openai": upstream.New(up.Client(), upstream.DefaultConfig("openai", up.URL)),
		},
	}, proxy.Config{})

	runner := jobs.NewRunner(time.UTC)
	require.NoError(t, runner.Add(jobs.Task{Name: jobs.TaskUsageSync, Run: func(context.Context) error { return nil }}))

	f.srv = New(Deps{
		Users:    acc,
		Gateway:  gw,
		Ledger:   l,
		Location: time.UTC,
		Runner:   runner,
		Sync:     f.sync,
		Sweep:    f.sweep,
		Storage:  pingFunc(func(context.Context) error { return f.ping }),
	}, cfg)
	return f
}

func (f *fixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) chat(body string) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/v1/chat/completions", body, map[string]string{proxy.HeaderCredentialID: "c1"})
}

func TestChatCompletion(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.chat(chatBody)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "2", rec.Header().Get(proxy.HeaderCost))
	assert.Equal(t, "2", rec.Header().Get(proxy.HeaderPeriodTotal))

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "chatcmpl-1", body.Get("id").String())
	assert.Equal(t, 2.0, body.Get("usage_metadata.cost").Float())
	assert.Equal(t, "c1", body.Get("usage_metadata.credentialId").String())
}

func TestChatCompletion_LegacyCredentialHeader(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{proxy.HeaderLegacyKeyID: "c1"})

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestChatCompletion_BudgetExceeded(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.accounts.CreateBudget(context.Background(), &accounts.Budget{
		UserID: "u1", Scope: accounts.Scope{Kind: accounts.ScopeUser, ID: "u1"},
		Amount: 3, Period: accounts.PeriodDaily, Mode: accounts.ModeHard, Active: true,
	}))

	require.Equal(t, http.StatusOK, f.chat(chatBody).Code)
	rec := f.chat(chatBody)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "budget_exceeded", body.Get("error.type").String())
	assert.Equal(t, "user:u1", body.Get("scope").String())
	assert.Equal(t, 2.0, body.Get("currentValue").Float())
	assert.Equal(t, 3.0, body.Get("threshold").Float())
}

func TestChatCompletion_UpstreamErrorPassthrough(t *testing.T) {
	f := newFixture(t, nil)
	upstreamErr := `{"error":{"message":"The model does not exist","type":"invalid_request_error"}}`
	f.upstream = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(upstreamErr))
	}

	rec := f.chat(chatBody)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, upstreamErr, rec.Body.String())
}

func TestChatCompletion_Rejections(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		errType string
	}{
		{
			name:    "missing credential header",
			body:    chatBody,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
		{
			name:    "unknown credential",
			body:    chatBody,
			headers: map[string]string{proxy.HeaderCredentialID: "nope"},
			status:  http.StatusForbidden,
			errType: "permission_error",
		},
		{
			name:    "malformed body",
			body:    `{"model":`,
			headers: map[string]string{proxy.HeaderCredentialID: "c1"},
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
		{
			name:    "streaming",
			body:    `{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hi"}]}`,
			headers: map[string]string{proxy.HeaderCredentialID: "c1"},
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/chat/completions", tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errType, gjson.Get(rec.Body.String(), "error.type").String())
		})
	}
}

func TestChatCompletion_BodyTooLarge(t *testing.T) {
	f := newFixture(t, &Config{BodySizeLimit: 64})

	rec := f.chat(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"` + strings.Repeat("x", 200) + `"}]}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUsageSync(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/usage/sync", "", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := gjson.Parse(rec.Body.String())
	assert.True(t, body.Get("completedAt").Exists())
	assert.Equal(t, int64(1), body.Get("sync.applied").Int())
	assert.Equal(t, int64(1), body.Get("alerts.notified").Int())
	assert.Equal(t, int32(1), f.sync.calls.Load())
	assert.Equal(t, int32(1), f.sweep.calls.Load())
}

func TestUsageSync_ConcurrentRunConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.started = make(chan struct{})
	f.sync.release = make(chan struct{})

	first := make(chan int, 1)
	go func() { first <- f.do(http.MethodPost, "/api/usage/sync", "", nil).Code }()
	<-f.sync.started

	rec := f.do(http.MethodPost, "/api/usage/sync", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict_error", gjson.Get(rec.Body.String(), "error.type").String())

	close(f.sync.release)
	assert.Equal(t, http.StatusOK, <-first)
	assert.Equal(t, int32(1), f.sync.calls.Load())
}

func TestUsageSync_Failure(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.err = errors.New("ledger unavailable")

	rec := f.do(http.MethodPost, "/api/usage/sync", "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ledger unavailable")
	assert.Equal(t, int32(0), f.sweep.calls.Load())
}

func TestUsageSummary(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.chat(chatBody).Code)
	require.Equal(t, http.StatusOK, f.chat(chatBody).Code)

	rec := f.do(http.MethodGet, "/api/usage/summary?period=daily", "", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := gjson.Parse(rec.Body.String())
	today := time.Now().UTC().Format(ledger.DayLayout)
	assert.Equal(t, "daily", body.Get("period").String())
	assert.Equal(t, today, body.Get("from").String())
	assert.Equal(t, today, body.Get("to").String())
	assert.Equal(t, 4.0, body.Get("totals.cost").Float())
	assert.Equal(t, int64(2), body.Get("totals.requests").Int())
	assert.Equal(t, int64(4000), body.Get("totals.totalTokens").Int())
}

func TestUsageSummary_DefaultsToMonthly(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/usage/summary", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "monthly", body.Get("period").String())
	assert.True(t, strings.HasSuffix(body.Get("from").String(), "-01"))
	assert.Equal(t, 0.0, body.Get("totals.cost").Float())
}

func TestUsageSummary_InvalidPeriod(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/usage/summary?period=yearly", "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobs(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/usage/sync", "", nil).Code)

	rec := f.do(http.MethodGet, "/api/jobs", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	task := gjson.Get(rec.Body.String(), "tasks.0")
	assert.Equal(t, jobs.TaskUsageSync, task.Get("name").String())
	assert.Equal(t, int64(1), task.Get("runs").Int())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	f.ping = errors.New("disk I/O error")
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
