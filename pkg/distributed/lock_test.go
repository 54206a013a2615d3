package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestDistributedLock_ExclusiveUntilUnlocked(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(client, "test:lock:")

	first := lm.AcquireLock("a", 5*time.Second)
	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	second := lm.AcquireLock("a", 5*time.Second)
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx))
}

func TestDistributedLock_UnlockForeignLock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "k", 5*time.Second)
	require.NoError(t, holder.Lock(ctx))

	intruder := NewDistributedLock(client, "k", 5*time.Second)
	assert.ErrorIs(t, intruder.Unlock(ctx), ErrLockNotHeld)

	assert.True(t, mr.Exists("k"))
	require.NoError(t, holder.Unlock(ctx))
}

func TestDistributedLock_Timeout(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "k", 5*time.Second)
	require.NoError(t, holder.Lock(ctx))
	defer holder.Unlock(ctx)

	waiter := NewDistributedLock(client, "k", 5*time.Second)
	err := waiter.LockWithTimeout(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockManager_WithLockSerializes(t *testing.T) {
	client, _ := newTestClient(t)
	lm := NewLockManager(client, "test:")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lm.WithLock(context.Background(), "shared", 5*time.Second, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestDistributedLock_KeepAliveExtendsTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	lock := NewDistributedLock(client, "renewed", 100*time.Millisecond)
	require.NoError(t, lock.Lock(ctx))
	defer lock.Unlock(ctx)

	// miniredis TTLs only move with FastForward; the renewal resets them.
	mr.FastForward(80 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL("renewed") > 80*time.Millisecond
	}, time.Second, 10*time.Millisecond)
	assert.True(t, mr.Exists("renewed"))
}
