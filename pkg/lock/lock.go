// Package lock provides non-blocking mutual exclusion keyed by name, either
// in-process or across instances through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Release frees a lock obtained from TryLock. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker acquires named locks without blocking. ok is false when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string) (release Release, ok bool, err error)
}

func noopRelease(context.Context) error { return nil }

// MemoryLocker guards keys within a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker constructs an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(_ context.Context, key string) (Release, bool, error) {
	if key == "" {
		return noopRelease, false, errors.New("lock key is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return noopRelease, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker using SETNX with an owner token and TTL, so a
// crashed holder cannot wedge a key forever.
type RedisLocker struct {
	client redis.Scripter
	setter redisSetter
	prefix string
	ttl    time.Duration
}

type redisSetter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// NewRedisLocker constructs a Redis-backed locker. Keys are namespaced under prefix.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{client: client, setter: client, prefix: prefix, ttl: ttl}, nil
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (Release, bool, error) {
	if key == "" {
		return noopRelease, false, errors.New("lock key is required")
	}
	fullKey := l.prefix + key
	owner := uuid.NewString()
	ok, err := l.setter.SetNX(ctx, fullKey, owner, l.ttl).Result()
	if err != nil {
		return noopRelease, false, fmt.Errorf("setnx %s: %w", fullKey, err)
	}
	if !ok {
		return noopRelease, false, nil
	}

	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			if err := releaseScript.Run(ctx, l.client, []string{fullKey}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
				releaseErr = fmt.Errorf("release %s: %w", fullKey, err)
			}
		})
		return releaseErr
	}, true, nil
}
