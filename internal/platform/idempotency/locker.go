// Package idempotency provides the locks that keep concurrent checkout completions from placing
// duplicate orders.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLockTTL bounds how long a crashed holder keeps a key locked.
	DefaultLockTTL = 30 * time.Second
	// defaultRetryInterval is the polling interval while a key is held elsewhere.
	defaultRetryInterval = 25 * time.Millisecond
)

// ErrLockNotAcquired is returned when the context ends before the lock is free.
var ErrLockNotAcquired = errors.New("idempotency: lock not acquired")

// ReleaseFunc frees a lock obtained from Acquire. Releasing twice is a no-op.
type ReleaseFunc func(ctx context.Context) error

// MemoryLocker serialises holders of the same key within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLock
}

type memoryLock struct {
	done  chan struct{}
	once  sync.Once
	timer *time.Timer
}

func (l *memoryLock) free() {
	l.once.Do(func() {
		if l.timer != nil {
			l.timer.Stop()
		}
		close(l.done)
	})
}

// NewMemoryLocker constructs an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLock)}
}

// Acquire blocks until key is free or ctx ends. The lock is released automatically after ttl.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("idempotency: lock key is required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	for {
		m.mu.Lock()
		current, busy := m.held[key]
		if !busy {
			lock := &memoryLock{done: make(chan struct{})}
			m.held[key] = lock
			lock.timer = time.AfterFunc(ttl, func() { m.release(key, lock) })
			m.mu.Unlock()
			return func(context.Context) error {
				m.release(key, lock)
				return nil
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-current.done:
		}
	}
}

func (m *MemoryLocker) release(key string, lock *memoryLock) {
	m.mu.Lock()
	if m.held[key] == lock {
		delete(m.held, key)
	}
	m.mu.Unlock()
	lock.free()
}

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements a single instance Redis lock with SET NX PX and a token checked on release.
type RedisLocker struct {
	client        redis.UniversalClient
	prefix        string
	retryInterval time.Duration
}

// RedisLockerOption customises RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockPrefix namespaces the lock keys.
func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// WithRetryInterval sets how often a held key is polled.
func WithRetryInterval(interval time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if interval > 0 {
			l.retryInterval = interval
		}
	}
}

// NewRedisLocker constructs a locker backed by client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisLockerOption) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	l := &RedisLocker{
		client:        client,
		prefix:        "orders:lock:",
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire polls until the key is set for this caller or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("idempotency: lock key is required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	fullKey := l.prefix + key
	token := ulid.Make().String()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
			}
			return nil, fmt.Errorf("idempotency: redis setnx %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func(ctx context.Context) error {
				var releaseErr error
				once.Do(func() {
					if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
						releaseErr = fmt.Errorf("idempotency: redis release %s: %w", key, err)
					}
				})
				return releaseErr
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}
