package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimValue is stored under each claim key; only presence matters.
const claimValue = "1"

// RedisBackend stores claims in Redis with SET NX PX.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client. The caller owns the client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// SetNX implements Backend.
func (b *RedisBackend) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, claimValue, ttl).Result()
}

// Del implements Backend.
func (b *RedisBackend) Del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}
