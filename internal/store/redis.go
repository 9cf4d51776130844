package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/amirk1998/authsession/internal/repository"
)

const redisKeyPrefix = "authsession:"

// RedisBackend stores sealed values in Redis.
type RedisBackend struct {
	client redis.UniversalClient
	sealer repository.Sealer
}

// NewRedisBackend wraps client; values are sealed with sealer before they leave the process.
func NewRedisBackend(client redis.UniversalClient, sealer repository.Sealer) *RedisBackend {
	return &RedisBackend{client: client, sealer: sealer}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	sealed, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}

	value, err := r.sealer.Open(key, sealed)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	sealed, err := r.sealer.Seal(key, value)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, sealed, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
