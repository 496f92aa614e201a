package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-worker/internal/pkg/logger"
)

// Moves due members of the retry sorted set onto the ready list. Members are
// "<uuid>\n<body>" so identical bodies stay distinct.
const promoteLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
    redis.call("ZREM", KEYS[1], member)
    local sep = string.find(member, "\n", 1, true)
    redis.call("LPUSH", KEYS[2], string.sub(member, sep + 1))
end
return #due
`

const promoteBatch = 100

var promoteScript = redis.NewScript(promoteLuaScript)

// RedisBroker keeps each queue as a Redis list. Delayed jobs wait in a
// sorted set scored by due time; in-flight jobs sit on a per-consumer
// processing list until acked.
//
//	<prefix>:<name>                      ready (LPUSH / RPOPLPUSH)
//	<prefix>:<name>.retry                delayed (ZSET, score = due unix ms)
//	<prefix>:<name>.dlq                  dead letters
//	<prefix>:<name>.processing:<id>      in flight for consumer <id>
type RedisBroker struct {
	client       redis.Cmdable
	prefix       string
	pollInterval time.Duration
	consumerID   string
	now          func() time.Time
}

// NewRedisBroker creates a broker on client. The client is owned by the
// caller.
func NewRedisBroker(client redis.Cmdable, prefix string, pollInterval time.Duration) *RedisBroker {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &RedisBroker{
		client:       client,
		prefix:       prefix,
		pollInterval: pollInterval,
		consumerID:   consumerName(),
		now:          time.Now,
	}
}

// consumerName is stable across restarts of the same host so a restarted
// worker reclaims its own in-flight jobs.
func consumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func (b *RedisBroker) key(queue string) string {
	if b.prefix == "" {
		return queue
	}
	return b.prefix + ":" + queue
}

func (b *RedisBroker) processingKey(name string) string {
	return b.key(name) + ".processing:" + b.consumerID
}

// Setup checks connectivity. Redis keys need no declaration.
func (b *RedisBroker) Setup(ctx context.Context, _ ...string) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis broker ping: %w", err)
	}
	return nil
}

// Enqueue pushes body onto name, or onto its retry set when delayed.
func (b *RedisBroker) Enqueue(ctx context.Context, name string, body []byte, delay time.Duration) error {
	if delay <= 0 {
		if err := b.client.LPush(ctx, b.key(name), body).Err(); err != nil {
			return fmt.Errorf("redis enqueue %s: %w", name, err)
		}
		return nil
	}
	due := b.now().Add(delay).UnixMilli()
	member := uuid.NewString() + "\n" + string(body)
	if err := b.client.ZAdd(ctx, b.key(RetryQueue(name)), redis.Z{Score: float64(due), Member: member}).Err(); err != nil {
		return fmt.Errorf("redis schedule %s: %w", name, err)
	}
	return nil
}

// DeadLetter pushes body onto the dead-letter list of name.
func (b *RedisBroker) DeadLetter(ctx context.Context, name string, body []byte) error {
	if err := b.client.LPush(ctx, b.key(DeadLetterQueue(name)), body).Err(); err != nil {
		return fmt.Errorf("redis dead-letter %s: %w", name, err)
	}
	return nil
}

// Promote moves due delayed jobs of name onto its ready list.
func (b *RedisBroker) Promote(ctx context.Context, name string) (int, error) {
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, b.client, []string{b.key(RetryQueue(name)), b.key(name)}, now, promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("redis promote %s: %w", name, err)
	}
	return n, nil
}

// Consume polls name. Jobs left on this consumer's processing list by an
// earlier run are returned to the ready list first. The channel is
// unbuffered: a job leaves the ready list only when a worker takes it, and
// a job popped while ctx is cancelled goes back to the ready list.
func (b *RedisBroker) Consume(ctx context.Context, name string, _ int) (<-chan Delivery, error) {
	if err := b.reclaim(ctx, name); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			if ctx.Err() != nil {
				return
			}
			if _, err := b.Promote(ctx, name); err != nil && ctx.Err() == nil {
				logger.Warn("redis broker promote failed", "queue", name, "error", err)
			}

			drained := false
			for !drained {
				body, err := b.client.RPopLPush(ctx, b.key(name), b.processingKey(name)).Bytes()
				switch {
				case errors.Is(err, redis.Nil):
					drained = true
				case err != nil:
					if ctx.Err() == nil {
						logger.Warn("redis broker pop failed", "queue", name, "error", err)
					}
					drained = true
				default:
					select {
					case out <- &redisDelivery{broker: b, name: name, body: body}:
					case <-ctx.Done():
						if err := b.requeue(context.WithoutCancel(ctx), name, body); err != nil {
							logger.Warn("redis broker requeue on shutdown failed", "queue", name, "error", err)
						}
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	log.Printf("[RedisBroker] consuming %s (consumer=%s)", b.key(name), b.consumerID)
	return out, nil
}

func (b *RedisBroker) reclaim(ctx context.Context, name string) error {
	for {
		_, err := b.client.RPopLPush(ctx, b.processingKey(name), b.key(name)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis recover %s: %w", name, err)
		}
	}
}

func (b *RedisBroker) requeue(ctx context.Context, name string, body []byte) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.processingKey(name), 1, body)
	pipe.RPush(ctx, b.key(name), body)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns LLEN of a list queue, or ZCARD of a retry set.
func (b *RedisBroker) Depth(ctx context.Context, queue string) (int, error) {
	var (
		n   int64
		err error
	)
	if strings.HasSuffix(queue, RetrySuffix) {
		n, err = b.client.ZCard(ctx, b.key(queue)).Result()
	} else {
		n, err = b.client.LLen(ctx, b.key(queue)).Result()
	}
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBroker) Close() error { return nil }

type redisDelivery struct {
	broker *RedisBroker
	name   string
	body   []byte
}

func (d *redisDelivery) Body() []byte { return d.body }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.broker.client.LRem(ctx, d.broker.processingKey(d.name), 1, d.body).Err()
}

// Nack puts the job back at the consuming end of the ready list.
func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Ack(ctx)
	}
	return d.broker.requeue(ctx, d.name, d.body)
}
