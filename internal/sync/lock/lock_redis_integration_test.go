//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caretrack/pkg/testutil/containers"
)

func TestRedisLocker(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	locker := NewRedisLocker(rc.Client)

	t.Run("contention on same key", func(t *testing.T) {
		release, ok, err := locker.Acquire(ctx, "caretrack:drain:device-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = locker.Acquire(ctx, "caretrack:drain:device-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "second acquire should lose")

		release()

		release2, ok, err := locker.Acquire(ctx, "caretrack:drain:device-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "lock is free after release")
		release2()
	})

	t.Run("different devices do not contend", func(t *testing.T) {
		r1, ok, err := locker.Acquire(ctx, "caretrack:drain:device-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		defer r1()

		r2, ok, err := locker.Acquire(ctx, "caretrack:drain:device-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		r2()
	})

	t.Run("stale release cannot free a later holder", func(t *testing.T) {
		staleRelease, ok, err := locker.Acquire(ctx, "caretrack:drain:device-2", 100*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		// Let the TTL reclaim the lock, then take it again.
		time.Sleep(200 * time.Millisecond)
		release, ok, err := locker.Acquire(ctx, "caretrack:drain:device-2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		defer release()

		// The expired holder's release must not delete the new token.
		staleRelease()

		_, ok, err = locker.Acquire(ctx, "caretrack:drain:device-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "lock should still be held by the second holder")
	})
}
