package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisChecker probes the ephemeral store over the shared command
// connection. The dedicated pub/sub connection has its own checker
// (SubscriberChecker) since a healthy command connection says nothing about
// the subscription.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker wraps the command-connection client.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING within probeTimeout.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
