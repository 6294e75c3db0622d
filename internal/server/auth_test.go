package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendly/internal/accounts"
	"spendly/internal/core"
)

type mapUsers struct {
	byHash map[string]*accounts.User
	err    error
}

func (m *mapUsers) GetUserByTokenHash(_ context.Context, hash string) (*accounts.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.byHash[hash]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	return u, nil
}

func TestAuthMiddleware(t *testing.T) {
	users := &mapUsers{byHash: map[string]*accounts.User{
		accounts.HashToken("spk_valid"): {ID: "u1", Name: "Lin"},
	}}

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "valid token - allows request",
			authHeader:     "Bearer spk_valid",
			expectedStatus: http.StatusOK,
			expectedBody:   "u1 u1",
		},
		{
			name:           "missing authorization header - denies request",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"missing authorization header","type":"authentication_error"}}`,
		},
		{
			name:           "invalid authorization format - denies request",
			authHeader:     "spk_valid",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid authorization header format, expected 'Bearer <token>'","type":"authentication_error"}}`,
		},
		{
			name:           "unknown token - denies request",
			authHeader:     "Bearer spk_wrong",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid api token","type":"authentication_error"}}`,
		},
		{
			name:           "empty token - denies request",
			authHeader:     "Bearer   ",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid api token","type":"authentication_error"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			handler := AuthMiddleware(users, nil)(func(c echo.Context) error {
				return c.String(http.StatusOK, currentUser(c).ID+" "+core.GetUserID(c.Request().Context()))
			})

			require.NoError(t, handler(c))
			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.expectedBody, rec.Body.String())
			} else {
				assert.JSONEq(t, tt.expectedBody, rec.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	e := echo.New()
	e.Use(AuthMiddleware(&mapUsers{}, []string{"/health"}))
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/jobs", func(c echo.Context) error { return c.String(http.StatusOK, "jobs") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_LookupFailure(t *testing.T) {
	e := echo.New()
	e.Use(AuthMiddleware(&mapUsers{err: errors.New("database is locked")}, nil))
	e.GET("/api/jobs", func(c echo.Context) error { return c.String(http.StatusOK, "jobs") })

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer spk_valid")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
}
