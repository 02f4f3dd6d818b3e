package health

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisChecker_WrapsClient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	checker := NewRedisChecker(client)
	if checker == nil {
		t.Fatal("expected a checker")
	}
	if checker.client != client {
		t.Error("checker must probe the client it was given")
	}
}

func TestRedisChecker_FailsWithoutServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1"}) // nothing listens here
	defer client.Close()

	if err := NewRedisChecker(client).HealthCheck(context.Background()); err == nil {
		t.Error("expected a probe failure with no server listening")
	}
}

func TestRedisChecker_RespectsCanceledContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewRedisChecker(client).HealthCheck(ctx); err == nil {
		t.Error("expected a probe failure with a canceled context")
	}
}
