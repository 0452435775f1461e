// Package redisx opens the Redis client shared by the geolocation cache and
// the ingestion rate limiter.
package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"formpulse/internal/config"
)

// Client is an alias for a Redis client
type Client = redis.Client

// Open creates a client when REDIS_ADDR is set and verifies it answers.
// Without an address it returns a nil client and no error.
func Open(cfg *config.Config) (*Client, func(), error) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := Ping(context.Background(), rdb); err != nil {
		_ = rdb.Close()
		return nil, func() {}, err
	}
	closer := func() { _ = rdb.Close() }
	return rdb, closer, nil
}

// Ping checks rdb within two seconds. A nil client is healthy.
func Ping(ctx context.Context, rdb *Client) error {
	if rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
