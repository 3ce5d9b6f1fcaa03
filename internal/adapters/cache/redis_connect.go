package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect builds the Redis client backing the admission cache. The input is
// either a redis:// URL or a bare host:port, so container and local config
// paths share one setting.
//
// Admission sits on the request path: timeouts are short so an unhealthy
// Redis flips the service into degraded durable-store-only mode quickly
// instead of queueing calls.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	opt := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opt = parsed
	}

	opt.DialTimeout = 2 * time.Second
	opt.ReadTimeout = time.Second
	opt.WriteTimeout = time.Second
	opt.MinIdleConns = 2

	return redis.NewClient(opt), nil
}
