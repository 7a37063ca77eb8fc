package platform

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// clientName identifies this process's connections in `CLIENT LIST` on
// the Redis server, distinguishing fleetctl from other consumers of a
// shared cluster.
const clientName = "fleetctl"

// NewRedisClient creates a Redis client from the given URL. It backs the
// auto-scaler's metrics source (pkg/autoscaler.RedisMetricsSource), which
// reads and writes the per-team queue-depth/agent-count snapshots that
// drive every scaling decision.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	opts.ClientName = clientName

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}
