package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisKV adapts a go-redis client to the KV contract.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps client. The caller owns the client's lifecycle and
// should wire its OnConnect hook to Tracker.PrimaryReconnected.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	return n > 0, err
}

func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	// Redis reports -1 for keys without expiry and -2 for missing
	// keys; both collapse to "no remaining TTL" here.
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
