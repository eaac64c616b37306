package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis хранилище в Redis, нужно когда несколько процессов следят за одними встречами
type Redis[K comparable, V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis создаёт хранилище с префиксом ключей
func NewRedis[K comparable, V any](client *redis.Client, prefix string, ttl time.Duration) *Redis[K, V] {
	return &Redis[K, V]{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis[K, V]) key(k K) string {
	return fmt.Sprintf("%s%v", r.prefix, k)
}

func (r *Redis[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var value V

	data, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return value, false, nil
	}
	if err != nil {
		return value, false, fmt.Errorf("redis get: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return value, false, fmt.Errorf("decode cached value: %w", err)
	}
	return value, true, nil
}

func (r *Redis[K, V]) Set(ctx context.Context, key K, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, r.ttl).Err()
}

func (r *Redis[K, V]) Delete(ctx context.Context, key K) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
