package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/observability"
)

// NewHealthChecker reports Redis healthy when it answers PING.
func NewHealthChecker(client *redis.Client) observability.Checker {
	return observability.CheckerFunc{
		ComponentName: "redis",
		Fn: func(ctx context.Context) error {
			if client == nil {
				return errors.New("redis client is nil")
			}
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping failed: %w", err)
			}
			return nil
		},
	}
}
