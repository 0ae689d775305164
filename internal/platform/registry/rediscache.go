// --- File: internal/platform/registry/rediscache.go ---
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheClient wraps go-redis to satisfy the CacheClient interface.
type RedisCacheClient struct {
	rdb *redis.Client
}

func NewRedisCacheClient(addr, password string, db int) (*RedisCacheClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Fail fast if connection is bad
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisCacheClient{rdb: rdb}, nil
}

func (c *RedisCacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err // redis.Nil surfaces as an error, matching CacheClient
	}
	return json.Unmarshal(val, dest)
}

func (c *RedisCacheClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, bytes, ttl).Err()
}

func (c *RedisCacheClient) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *RedisCacheClient) Close() error {
	return c.rdb.Close()
}

// Redis returns the underlying client so other components can share the
// same connection pool.
func (c *RedisCacheClient) Redis() *redis.Client {
	return c.rdb
}
