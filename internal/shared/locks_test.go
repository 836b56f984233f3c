package shared

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRunLockSingleHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	lock := NewRunLock(client, BillingRunLockKey, time.Minute)
	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists(BillingRunLockKey))

	_, err = lock.Acquire(ctx)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lease.Release(ctx))
	require.False(t, mr.Exists(BillingRunLockKey))

	again, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRunLockReleaseKeepsForeignHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	lock := NewRunLock(client, BillingRunLockKey, time.Minute)
	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)

	// the lease expired and another run took over
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set(BillingRunLockKey, "other-run"))

	require.NoError(t, lease.Release(ctx))
	got, err := mr.Get(BillingRunLockKey)
	require.NoError(t, err)
	require.Equal(t, "other-run", got)
}

func TestRunLockNotInitialised(t *testing.T) {
	var lock *RunLock
	_, err := lock.Acquire(context.Background())
	require.Error(t, err)
	var lease *Lease
	require.NoError(t, lease.Release(context.Background()))
}

func TestLeaseExtendResetsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	lock := NewRunLock(client, BillingRunLockKey, time.Minute)
	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	mr.FastForward(50 * time.Second)
	require.True(t, mr.Exists(BillingRunLockKey))

	require.NoError(t, mr.Set(BillingRunLockKey, "other-run"))
	require.ErrorIs(t, lease.Extend(ctx), ErrLockLost)
}

func TestLeaseKeepAlive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	ttl := 90 * time.Millisecond
	lease, err := NewRunLock(client, BillingRunLockKey, ttl).Acquire(ctx)
	require.NoError(t, err)

	lost := make(chan error, 1)
	stop := lease.KeepAlive(ctx, func(err error) { lost <- err })

	mr.SetTTL(BillingRunLockKey, time.Hour)
	require.Eventually(t, func() bool {
		return mr.TTL(BillingRunLockKey) == ttl
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mr.Set(BillingRunLockKey, "other-run"))
	select {
	case err := <-lost:
		require.ErrorIs(t, err, ErrLockLost)
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive did not report the lost lock")
	}
	stop()
}
