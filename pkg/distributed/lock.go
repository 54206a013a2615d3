package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock was not held by this holder")
)

const (
	defaultLockWait = 10 * time.Second
	minPoll         = 10 * time.Millisecond
	maxPoll         = 200 * time.Millisecond
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// DistributedLock is a SET NX lock owned by a random token. While held, the
// TTL is extended every ttl/2 for as long as the token still matches.
type DistributedLock struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func NewDistributedLock(client redis.Cmdable, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		stop:   make(chan struct{}),
	}
}

func (l *DistributedLock) Lock(ctx context.Context) error {
	return l.LockWithTimeout(ctx, defaultLockWait)
}

// LockWithTimeout polls with doubling intervals until the lock is taken.
func (l *DistributedLock) LockWithTimeout(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		wait = defaultLockWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	poll := minPoll
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		case <-time.After(poll):
		}
		if poll *= 2; poll > maxPoll {
			poll = maxPoll
		}
	}
}

func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.key, err)
	}
	if ok {
		go l.keepAlive()
	}
	return ok, nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) keepAlive() {
	interval := l.ttl / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// LockManager namespaces locks under a key prefix.
type LockManager struct {
	client redis.Cmdable
	prefix string
}

func NewLockManager(client redis.Cmdable, prefix string) *LockManager {
	return &LockManager{client: client, prefix: prefix}
}

func (lm *LockManager) AcquireLock(key string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, ttl)
}

func (lm *LockManager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lock := lm.AcquireLock(key, ttl)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer lock.Unlock(context.Background())
	return fn()
}
