// Package redis wraps go-redis behind the cache engine's key-value client
// contract.
package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"tiercache/internal/cache"
	"tiercache/internal/common/errors"
	"tiercache/internal/common/utils"
)

// Client implements cache.KVClient and cache.KVPipeliner on top of a
// Redis connection pool
type Client struct {
	rdb    *redis.Client
	config *Config
}

var (
	_ cache.KVClient    = (*Client)(nil)
	_ cache.KVPipeliner = (*Client)(nil)
)

// Config holds Redis connection parameters
type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// NewClient connects to Redis and verifies the connection with a retried
// ping. An unreachable backend is a construction-time failure, never a
// silently degraded client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	retryCfg := utils.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
	err := utils.RetryWithBackoff(context.Background(), retryCfg, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, errors.ConnectionError("failed to connect to Redis", err).
			WithContext("address", config.Address)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

// Close releases the connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the backend
func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.ConnectionError("redis ping failed", err)
	}
	return nil
}

// Get returns the raw value for key; found is false on a missing or
// backend-expired key
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value under key; ttl <= 0 stores without expiry
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes keys, returning how many existed
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return c.rdb.Del(ctx, keys...).Result()
}

// Keys returns all keys matching a glob-style pattern using SCAN, so it
// never blocks the backend the way KEYS would
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// SetAdd adds members to the set stored at key
func (c *Client) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return c.rdb.SAdd(ctx, key, toInterfaces(members)...).Err()
}

// SetRemove removes members from the set stored at key. Redis drops the
// set itself once the last member is gone, which keeps empty tag indices
// pruned for free.
func (c *Client) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return c.rdb.SRem(ctx, key, toInterfaces(members)...).Err()
}

// SetMembers returns all members of the set stored at key
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// Pipelined queues the writes issued by fn and ships them as one
// MULTI/EXEC transaction
func (c *Client) Pipelined(ctx context.Context, fn func(w cache.KVWriter) error) error {
	pipe := c.rdb.TxPipeline()
	if err := fn(&pipeWriter{pipe: pipe}); err != nil {
		pipe.Discard()
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

// pipeWriter queues commands on a Redis pipeline; errors surface at Exec
type pipeWriter struct {
	pipe redis.Pipeliner
}

func (p *pipeWriter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	p.pipe.Set(ctx, key, value, ttl)
	return nil
}

func (p *pipeWriter) Delete(ctx context.Context, keys ...string) error {
	if len(keys) > 0 {
		p.pipe.Del(ctx, keys...)
	}
	return nil
}

func (p *pipeWriter) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) > 0 {
		p.pipe.SAdd(ctx, key, toInterfaces(members)...)
	}
	return nil
}

func (p *pipeWriter) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) > 0 {
		p.pipe.SRem(ctx, key, toInterfaces(members)...)
	}
	return nil
}

func toInterfaces(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
