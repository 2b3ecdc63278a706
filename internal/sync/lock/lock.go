// Package lock provides the per-device drain locks that keep concurrent
// drains of the same device from interleaving and breaking sequence order.
// The Redis locker coordinates across processes; the in-process locker is
// the single-instance fallback.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements ports.Locker on SET NX with a TTL. The lock value
// is a random token so release cannot delete a lock a later holder took
// after this one expired.
type RedisLocker struct {
	client redis.Cmdable
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

// releaseScript deletes the lock only when the token still matches.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Best effort; the TTL reclaims the lock if this fails.
		releaseScript.Run(context.Background(), l.client, []string{key}, token)
	}
	return release, true, nil
}

// InProcessLocker serializes drains within one process. Used when Redis is
// not configured (development, tests).
type InProcessLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{held: make(map[string]struct{})}
}

func (l *InProcessLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
		})
	}
	return release, true, nil
}
