package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockLifecycle(t *testing.T) {
	l := NewLocalCoordinator()
	ctx := context.Background()

	ok, err := l.AcquireLock(ctx, "job", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.AcquireLock(ctx, "job", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder token may release.
	ok, err = l.ReleaseLock(ctx, "job", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.ReleaseLock(ctx, "job", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.AcquireLock(ctx, "job", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockExpiresByTTL(t *testing.T) {
	l := NewLocalCoordinator()
	ctx := context.Background()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	ok, err := l.AcquireLock(ctx, "job", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	ok, err = l.AcquireLock(ctx, "job", "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The expired holder can no longer extend.
	ok, err = l.ExtendLock(ctx, "job", "a", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalExtendPushesExpiry(t *testing.T) {
	l := NewLocalCoordinator()
	ctx := context.Background()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	ok, err := l.AcquireLock(ctx, "job", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(25 * time.Second)
	ok, err = l.ExtendLock(ctx, "job", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(20 * time.Second)
	ok, err = l.AcquireLock(ctx, "job", "b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalKeysExpire(t *testing.T) {
	l := NewLocalCoordinator()
	ctx := context.Background()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	require.NoError(t, l.Set(ctx, "k", "v", time.Minute))
	val, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", val)

	now = now.Add(2 * time.Minute)
	_, ok, err = l.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Zero TTL means no expiry.
	require.NoError(t, l.Set(ctx, "forever", "v", 0))
	now = now.Add(240 * time.Hour)
	_, ok, err = l.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}
