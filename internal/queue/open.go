package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Engines accepted by Open.
const (
	EngineRabbitMQ = "rabbitmq"
	EngineRedis    = "redis"
	EngineMemory   = "memory"
)

// Config selects and configures a broker.
type Config struct {
	Engine       string
	RabbitMQURL  string
	Redis        redis.Cmdable
	KeyPrefix    string
	PollInterval time.Duration
}

// Open connects the configured broker.
func Open(_ context.Context, cfg Config) (Broker, error) {
	switch cfg.Engine {
	case EngineRabbitMQ, "":
		return DialRabbitMQ(cfg.RabbitMQURL)
	case EngineRedis:
		if cfg.Redis == nil {
			return nil, errors.New("queue: redis engine requires a redis client")
		}
		return NewRedisBroker(cfg.Redis, cfg.KeyPrefix, cfg.PollInterval), nil
	case EngineMemory:
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("queue: unknown engine %q", cfg.Engine)
	}
}

// PublishJSON marshals job and enqueues it on name.
func PublishJSON(ctx context.Context, p Publisher, name string, job interface{}, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job for %s: %w", name, err)
	}
	return p.Enqueue(ctx, name, body, delay)
}
