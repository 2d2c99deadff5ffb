// Package lock provides the cross-process ticket lock shared by Advance and Cancel.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sire:lock:"

// releaseScript deletes the key only while it still holds our token, so a lock
// that expired and was re-acquired elsewhere is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements SET NX PX locks with owner tokens.
type RedisLocker struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, timeout: 2 * time.Second}
}

// Acquire tries once to take key for ttl. It reports false without error when
// another owner holds the lock.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Release must run even when the caller's context is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{keyPrefix + key}, token).Err()
	}
	return release, true, nil
}
