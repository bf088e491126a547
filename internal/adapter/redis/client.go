// Package redis relays pool deliveries between instances over Redis pub/sub.
// Each pool subscribes to its own channel; a PUBLISH that reaches nobody means
// the pool is gone and its connections are evicted.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient parses url, installs hooks and verifies the connection with a PING.
func NewClient(ctx context.Context, url string, hooks ...goredis.Hook) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goredis.NewClient(opts)
	for _, h := range hooks {
		client.AddHook(h)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
