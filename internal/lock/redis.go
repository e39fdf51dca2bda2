// Package lock provides distributed mutual exclusion keyed by string, with a
// TTL and owner-token release safety.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// releaseScript deletes the key only when the stored value matches the
// presented owner token, so a delayed caller can never release a newer
// holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements crawl.Locker on top of a Redis instance. The TTL
// must exceed the expected critical-section duration with margin; a crashed
// holder's key expires instead of deadlocking.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker constructs a RedisLocker with the given key prefix and TTL.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) namespaced(key string) string {
	if l.prefix == "" {
		return key
	}
	return l.prefix + ":" + key
}

// TryAcquire attempts a SET NX PX. A nil handle means another holder owns the
// key; callers retry on their own schedule rather than blocking.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (*crawl.LockHandle, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.namespaced(key), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &crawl.LockHandle{Key: key, OwnerToken: token}, nil
}

// Release performs the conditional check-and-delete. It returns false when
// the token does not match the current holder.
func (l *RedisLocker) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.namespaced(key)}, ownerToken).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", key, err)
	}
	return n == 1, nil
}
