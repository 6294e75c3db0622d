//go:build integration

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spendly/internal/testutil"
)

func TestRedisReserver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rc, err := testutil.StartRedis(ctx)
	require.NoError(t, err)
	defer rc.Close()

	r, err := NewRedisReserver(Config{RedisURL: rc.URL, TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	runReserverConformance(t, r, "test:")
}
