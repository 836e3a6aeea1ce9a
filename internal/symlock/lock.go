// Package symlock serializes work per symbol: a Locker for cross-process
// mutual exclusion (redis-backed in production, in-process for tests and
// dry runs) and a Queue that executes broker operations serially per
// symbol with retry, backoff, and a circuit breaker.
package symlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing a lock the caller does not own.
var ErrNotHeld = fmt.Errorf("lock not held by owner")

// Locker is a per-symbol mutual exclusion primitive. Acquire is
// non-blocking: it reports whether the lock was obtained.
type Locker interface {
	Acquire(ctx context.Context, symbol, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, symbol, owner string) error
}

// WithLock acquires the symbol lock, polling until it is obtained or ctx
// expires, runs fn, and releases.
func WithLock(ctx context.Context, l Locker, symbol, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	for {
		ok, err := l.Acquire(ctx, symbol, owner, ttl)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", symbol, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, symbol, owner)
	}()
	return fn(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Redis-backed locker
// ————————————————————————————————————————————————————————————————————————

// releaseScript deletes the key only if the caller still owns it, so an
// expired-and-reacquired lock is never released by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX EX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a locker over an existing redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "symlock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, symbol, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+symbol, owner, ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, symbol, owner string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + symbol}, owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// In-process locker
// ————————————————————————————————————————————————————————————————————————

type localEntry struct {
	owner   string
	expires time.Time
}

// LocalLocker implements Locker in process memory.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]localEntry)}
}

func (l *LocalLocker) Acquire(_ context.Context, symbol, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[symbol]; ok && time.Now().Before(e.expires) && e.owner != owner {
		return false, nil
	}
	l.locks[symbol] = localEntry{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *LocalLocker) Release(_ context.Context, symbol, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[symbol]
	if !ok || e.owner != owner {
		return ErrNotHeld
	}
	delete(l.locks, symbol)
	return nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
