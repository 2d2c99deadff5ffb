//go:build integration

package containers

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"sire/internal/platform/config"
	"sire/internal/platform/redis"
)

const redisImage = "redis:7.4-alpine"

// RedisContainer backs the session store, ticket lock and rate limiter
// integration tests. The client is built through the same constructor the
// server uses.
type RedisContainer struct {
	Container *tcredis.RedisContainer
	URL       string
	Client    *goredis.Client
}

func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, redisImage)
	require.NoError(t, err, "start redis container")

	rc := &RedisContainer{Container: container}
	rc.URL, err = container.ConnectionString(ctx)
	rc.must(t, err, "redis connection string")

	client, err := redis.New(ctx, config.RedisConfig{URL: rc.URL, PoolSize: 4, DialTimeout: 5 * time.Second})
	rc.must(t, err, "connect redis")
	rc.Client = client.Client
	return rc
}

// must terminates the container before failing so a broken start does not
// leak it until Ryuk notices.
func (r *RedisContainer) must(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		_ = r.Container.Terminate(context.Background())
	}
	require.NoError(t, err, msg)
}

func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}

// TTL reports the remaining lifetime of key. Negative when the key is missing
// or persistent.
func (r *RedisContainer) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.Client.PTTL(ctx, key).Result()
}

// Keys is for small test keyspaces only.
func (r *RedisContainer) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.Client.Keys(ctx, pattern).Result()
}
