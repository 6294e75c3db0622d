package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalReserver(t *testing.T) {
	runReserverConformance(t, NewLocalReserver(), "")
}

func TestLocalReserver_ReleaseDropsKey(t *testing.T) {
	r := NewLocalReserver()
	ctx := context.Background()
	checks := []Check{{Key: "k", Amount: 0.1, Threshold: 1}}

	for i := 0; i < 3; i++ {
		_, err := r.Reserve(ctx, checks)
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.3, r.InFlight("k"), 1e-12)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Release(ctx, checks))
	}
	assert.Zero(t, r.InFlight("k"))
	assert.Empty(t, r.inflight)
}

func TestNew_DefaultsToLocal(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	defer r.Close()
	assert.IsType(t, &LocalReserver{}, r)
}

func TestNew_BadRedisURL(t *testing.T) {
	_, err := New(Config{RedisURL: "not-a-url://"})
	assert.Error(t, err)
}
