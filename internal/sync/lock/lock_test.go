package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessLocker(t *testing.T) {
	locker := NewInProcessLocker()
	ctx := context.Background()

	t.Run("acquire and release", func(t *testing.T) {
		release, ok, err := locker.Acquire(ctx, "drain:device-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, held, err := locker.Acquire(ctx, "drain:device-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, held, "second acquire while held must fail")

		release()
		release2, ok, err := locker.Acquire(ctx, "drain:device-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "released lock can be reacquired")
		release2()
	})

	t.Run("different keys do not contend", func(t *testing.T) {
		r1, ok, err := locker.Acquire(ctx, "drain:device-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		defer r1()

		r2, ok, err := locker.Acquire(ctx, "drain:device-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		r2()
	})

	t.Run("release is idempotent", func(t *testing.T) {
		release, ok, err := locker.Acquire(ctx, "drain:device-c", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		release()
		release()

		_, ok, err = locker.Acquire(ctx, "drain:device-c", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
