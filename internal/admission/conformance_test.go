package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runReserverConformance(t *testing.T, r Reserver, prefix string) {
	ctx := context.Background()
	key := func(s string) string { return prefix + s }

	t.Run("admits below threshold and releases", func(t *testing.T) {
		checks := []Check{{Key: key("a"), Current: 4, Amount: 0.5, Threshold: 5}}

		out, err := r.Reserve(ctx, checks)
		require.NoError(t, err)
		assert.True(t, out.Admitted)

		// 4 + 0.5 in flight + 0.5 reaches the threshold.
		out, err = r.Reserve(ctx, checks)
		require.NoError(t, err)
		assert.False(t, out.Admitted)
		assert.Equal(t, 0, out.Failed)
		assert.InDelta(t, 0.5, out.InFlight, 1e-9)

		require.NoError(t, r.Release(ctx, checks))

		out, err = r.Reserve(ctx, checks)
		require.NoError(t, err)
		assert.True(t, out.Admitted)
		require.NoError(t, r.Release(ctx, checks))
	})

	t.Run("all or nothing", func(t *testing.T) {
		checks := []Check{
			{Key: key("roomy"), Current: 0, Amount: 1, Threshold: 100},
			{Key: key("tight"), Current: 9.5, Amount: 1, Threshold: 10},
		}
		out, err := r.Reserve(ctx, checks)
		require.NoError(t, err)
		assert.False(t, out.Admitted)
		assert.Equal(t, 1, out.Failed)

		// Nothing was reserved on the roomy key.
		probe := []Check{{Key: key("roomy"), Current: 0, Amount: 99.5, Threshold: 100}}
		out, err = r.Reserve(ctx, probe)
		require.NoError(t, err)
		assert.True(t, out.Admitted)
		require.NoError(t, r.Release(ctx, probe))
	})

	t.Run("zero checks always admit", func(t *testing.T) {
		out, err := r.Reserve(ctx, nil)
		require.NoError(t, err)
		assert.True(t, out.Admitted)
	})

	t.Run("concurrent reservations share headroom", func(t *testing.T) {
		// Room for exactly four 1.0 reservations under a 4.5 limit.
		checks := []Check{{Key: key("race"), Current: 0, Amount: 1, Threshold: 4.5}}

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := r.Reserve(ctx, checks)
				if err == nil && out.Admitted {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(4), admitted.Load())

		for i := 0; i < 4; i++ {
			require.NoError(t, r.Release(ctx, checks))
		}
	})
}
