// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements the queue.List interface.
// The queue fabric doesn't import a specific driver — cmd/arbiter creates
// the concrete client and injects it, falling back to the in-memory list
// when Redis is unreachable.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 to back the durable queue lists.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis and verifies connectivity. The caller
// decides whether a failure falls back to in-memory.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Append pushes one frame onto the tail of the named list.
func (a *GoRedisAdapter) Append(ctx context.Context, key string, value []byte) error {
	return a.rdb.RPush(ctx, key, value).Err()
}

// Range reads the whole list, oldest first.
func (a *GoRedisAdapter) Range(ctx context.Context, key string) ([][]byte, error) {
	vals, err := a.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Len returns the list length; a missing key counts as empty.
func (a *GoRedisAdapter) Len(ctx context.Context, key string) (int64, error) {
	n, err := a.rdb.LLen(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
