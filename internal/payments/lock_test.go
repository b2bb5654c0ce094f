package payments

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "tx:PAY-1", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "tx:PAY-1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	other, err := l.Acquire(ctx, "tx:PAY-2", 20*time.Millisecond)
	require.NoError(t, err)
	other()

	done := make(chan error, 1)
	go func() {
		r, err := l.Acquire(ctx, "tx:PAY-1", time.Second)
		if err == nil {
			r()
		}
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	release()
	assert.NoError(t, <-done)

	l.mu.Lock()
	assert.Empty(t, l.slots)
	l.mu.Unlock()
}

func TestMemoryLockerContextCancel(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func setupLockRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker(t *testing.T) {
	mr, client := setupLockRedis(t)
	l := NewRedisLocker(client, "paygate:lock:", 5*time.Second)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "tx:PAY-1", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("paygate:lock:tx:PAY-1"))
	assert.Equal(t, 5*time.Second, mr.TTL("paygate:lock:tx:PAY-1"))

	_, err = NewRedisLocker(client, "paygate:lock:", 5*time.Second).Acquire(ctx, "tx:PAY-1", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	assert.False(t, mr.Exists("paygate:lock:tx:PAY-1"))

	again, err := l.Acquire(ctx, "tx:PAY-1", 100*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	mr, client := setupLockRedis(t)
	l := NewRedisLocker(client, "", time.Second)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// The lease expired and another instance took the key.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("k", "someone-else"))

	release()
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
