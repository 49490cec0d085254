package lockgate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "lock:v1:"
	heldMarker     = "held"
	DefaultTTL     = 24 * time.Hour
)

// RedisRegistry keeps reservations as SET NX keys with a retention TTL.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Acquire(ctx context.Context, key, namespace string) (bool, error) {
	k, err := storageKey(redisKeyPrefix, key, namespace)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, k, heldMarker, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lockgate: acquire %s: %w", k, err)
	}
	return ok, nil
}

func (r *RedisRegistry) Release(ctx context.Context, key, namespace string) (bool, error) {
	k, err := storageKey(redisKeyPrefix, key, namespace)
	if err != nil {
		return false, err
	}
	n, err := r.client.Del(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("lockgate: release %s: %w", k, err)
	}
	return n > 0, nil
}
