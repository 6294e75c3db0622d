package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"

	"spendly/internal/accounts"
	"spendly/internal/core"
)

const userKey = "user"

// UserLookup resolves an API token hash to its user.
type UserLookup interface {
	GetUserByTokenHash(ctx context.Context, hash string) (*accounts.User, error)
}

// AuthMiddleware resolves "Authorization: Bearer <token>" to a user. Paths in
// skipPaths are served without authentication.
func AuthMiddleware(users UserLookup, skipPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip[c.Request().URL.Path] {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return handleError(c, core.NewAuthenticationError("missing authorization header"))
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				return handleError(c, core.NewAuthenticationError("invalid authorization header format, expected 'Bearer <token>'"))
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			if token == "" {
				return handleError(c, core.NewAuthenticationError("invalid api token"))
			}

			ctx := c.Request().Context()
			user, err := users.GetUserByTokenHash(ctx, accounts.HashToken(token))
			if errors.Is(err, accounts.ErrNotFound) {
				return handleError(c, core.NewAuthenticationError("invalid api token"))
			}
			if err != nil {
				slog.Error("user lookup failed", "request_id", core.GetRequestID(ctx), "error", err)
				return handleError(c, core.NewInternalError("authentication unavailable", err))
			}

			c.Set(userKey, user)
			c.SetRequest(c.Request().WithContext(core.WithUserID(ctx, user.ID)))
			return next(c)
		}
	}
}

// currentUser returns the user AuthMiddleware attached.
func currentUser(c echo.Context) *accounts.User {
	u, _ := c.Get(userKey).(*accounts.User)
	return u
}
