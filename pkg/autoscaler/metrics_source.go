package autoscaler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetctl/pkg/policy"
)

// MetricsSource supplies one evaluation tick's metrics for a team. The
// reference implementation reads from a shared Redis cache; tests supply a
// map-backed fake.
type MetricsSource interface {
	Sample(ctx context.Context, teamID string) (policy.Metrics, error)
	WriteBack(ctx context.Context, teamID string, snapshot policy.Metrics) error
}

const writeBackTTL = 5 * time.Minute

// RedisMetricsSource reads per-team metric keys from Redis, substituting
// the documented defaults on a cache miss.
type RedisMetricsSource struct {
	rdb *redis.Client
}

// NewRedisMetricsSource wraps an existing client. The caller owns its
// lifecycle.
func NewRedisMetricsSource(rdb *redis.Client) *RedisMetricsSource {
	return &RedisMetricsSource{rdb: rdb}
}

func (s *RedisMetricsSource) Sample(ctx context.Context, teamID string) (policy.Metrics, error) {
	agentCount, err := s.getIntOrDefault(ctx, "scaling:agentCount:"+teamID, 5)
	if err != nil {
		return policy.Metrics{}, err
	}

	queueDepth, err := s.getFloatOrDefault(ctx, "scaling:queueDepth:"+teamID, 0)
	if err != nil {
		return policy.Metrics{}, err
	}
	queueGrowth, err := s.getFloatOrDefault(ctx, "scaling:queueGrowth:"+teamID, 0)
	if err != nil {
		return policy.Metrics{}, err
	}
	cpu, err := s.getFloatOrDefault(ctx, "scaling:cpu:"+teamID, 50)
	if err != nil {
		return policy.Metrics{}, err
	}
	mem, err := s.getFloatOrDefault(ctx, "scaling:mem:"+teamID, 50)
	if err != nil {
		return policy.Metrics{}, err
	}
	backlog, err := s.getFloatOrDefault(ctx, "scaling:eventBacklog:"+teamID, 0)
	if err != nil {
		return policy.Metrics{}, err
	}
	completion, err := s.getFloatOrDefault(ctx, "scaling:completionRate:"+teamID, 0)
	if err != nil {
		return policy.Metrics{}, err
	}

	return policy.Metrics{
		CurrentAgentCount: agentCount,
		QueueDepth:        queueDepth,
		QueueGrowthRate:   queueGrowth,
		CPUPercent:        cpu,
		MemoryPercent:     mem,
		EventBacklog:      backlog,
		CompletionRate:    completion,
	}, nil
}

// WriteBack publishes a serialized metrics snapshot for observability
// consumers, expiring after 5 minutes.
func (s *RedisMetricsSource) WriteBack(ctx context.Context, teamID string, snapshot policy.Metrics) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, "scaling:metrics:"+teamID, data, writeBackTTL).Err()
}

func (s *RedisMetricsSource) getFloatOrDefault(ctx context.Context, key string, def float64) (float64, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def, nil
	}
	return f, nil
}

func (s *RedisMetricsSource) getIntOrDefault(ctx context.Context, key string, def int) (int, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def, nil
	}
	return n, nil
}
