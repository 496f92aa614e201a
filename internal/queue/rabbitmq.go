package queue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQBroker maps each logical queue onto durable queues:
//
//	<name>              ready
//	<name>.retry.<N>s   delayed by N seconds (x-message-ttl, dead-letters to <name>)
//	<name>.retry        delayed messages from before per-delay queues
//	<name>.dlq          dead letters
//
// RabbitMQ only expires messages at the head of a queue, so a delay queue
// holds a single TTL and a short retry never waits behind a long stagger.
// Delay queues are declared on first use and expire once idle.
type RabbitMQBroker struct {
	conn *amqp.Connection

	publishMu sync.Mutex
	pubCh     *amqp.Channel
	declared  map[string]time.Time
}

const (
	delayQueueIdle     = 10 * time.Minute
	delayRedeclareEach = delayQueueIdle / 2
)

// delayQueue names the delay queue for a delay rounded up to whole seconds.
func delayQueue(name string, delay time.Duration) (string, time.Duration) {
	secs := (delay + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	ttl := secs * time.Second
	return fmt.Sprintf("%s.%ds", RetryQueue(name), secs), ttl
}

// delayQueueArgs sets the TTL, the route back to name and an idle expiry
// that outlives the TTL.
func delayQueueArgs(name string, ttl time.Duration) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
		"x-message-ttl":             ttl.Milliseconds(),
		"x-expires":                 (ttl + delayQueueIdle).Milliseconds(),
	}
}

// DialRabbitMQ connects and opens the publishing channel.
func DialRabbitMQ(url string) (*RabbitMQBroker, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	log.Printf("[RabbitMQBroker] connected")
	return &RabbitMQBroker{conn: conn, pubCh: ch, declared: make(map[string]time.Time)}, nil
}

// Setup declares <name>, <name>.retry and <name>.dlq for every name. Delay
// queues are declared by Enqueue.
func (b *RabbitMQBroker) Setup(_ context.Context, names ...string) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	for _, name := range names {
		if _, err := b.pubCh.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		}
		if _, err := b.pubCh.QueueDeclare(RetryQueue(name), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declare %s: %w", RetryQueue(name), err)
		}
		if _, err := b.pubCh.QueueDeclare(DeadLetterQueue(name), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", DeadLetterQueue(name), err)
		}
	}
	return nil
}

func (b *RabbitMQBroker) publish(ctx context.Context, queue string, body []byte) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	return b.publishLocked(ctx, queue, body)
}

func (b *RabbitMQBroker) publishLocked(ctx context.Context, queue string, body []byte) error {
	return b.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Enqueue publishes to name, or to the delay queue matching delay. A delay
// queue is re-declared often enough that its idle expiry never passes while
// it still holds messages.
func (b *RabbitMQBroker) Enqueue(ctx context.Context, name string, body []byte, delay time.Duration) error {
	if delay <= 0 {
		if err := b.publish(ctx, name, body); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		return nil
	}

	dq, ttl := delayQueue(name, delay)
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	if last, ok := b.declared[dq]; !ok || time.Since(last) > delayRedeclareEach {
		if _, err := b.pubCh.QueueDeclare(dq, true, false, false, false, delayQueueArgs(name, ttl)); err != nil {
			return fmt.Errorf("declare %s: %w", dq, err)
		}
		b.declared[dq] = time.Now()
	}
	if err := b.publishLocked(ctx, dq, body); err != nil {
		return fmt.Errorf("publish %s: %w", dq, err)
	}
	return nil
}

// DeadLetter publishes body to the dead-letter queue of name.
func (b *RabbitMQBroker) DeadLetter(ctx context.Context, name string, body []byte) error {
	if err := b.publish(ctx, DeadLetterQueue(name), body); err != nil {
		return fmt.Errorf("publish %s: %w", DeadLetterQueue(name), err)
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch.
func (b *RabbitMQBroker) Consume(ctx context.Context, name string, prefetch int) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	tag := "dispatch-worker-" + uuid.NewString()
	deliveries, err := ch.Consume(name, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}

	out := make(chan Delivery)
	var inflight sync.WaitGroup
	go func() {
		defer func() {
			close(out)
			// Acks travel on ch, so it stays open until every handed-out
			// delivery has been settled.
			inflight.Wait()
			ch.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				if err := ch.Cancel(tag, false); err != nil {
					log.Printf("[RabbitMQBroker] cancel consumer %s: %v", name, err)
					return
				}
				// Cancel closes deliveries; prefetched ones go back to the queue.
				for d := range deliveries {
					d.Nack(false, true)
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Printf("[RabbitMQBroker] delivery channel for %s closed", name)
					return
				}
				inflight.Add(1)
				select {
				case out <- &rabbitDelivery{d: d, done: inflight.Done}:
				case <-ctx.Done():
					inflight.Done()
					d.Nack(false, true)
				}
			}
		}
	}()
	return out, nil
}

// Depth inspects queue on a short-lived channel. For <name>.retry it adds
// the delay queues this process has published to.
func (b *RabbitMQBroker) Depth(ctx context.Context, queue string) (int, error) {
	base, ok := strings.CutSuffix(queue, RetrySuffix)
	if !ok {
		return b.depth(queue)
	}
	total, err := b.depth(queue)
	if err != nil {
		return 0, err
	}
	for _, dq := range b.delayQueues(base) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := b.depth(dq)
		if err != nil {
			// Expired while idle.
			continue
		}
		total += n
	}
	return total, nil
}

func (b *RabbitMQBroker) delayQueues(name string) []string {
	prefix := RetryQueue(name) + "."
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	var out []string
	for dq := range b.declared {
		if strings.HasPrefix(dq, prefix) {
			out = append(out, dq)
		}
	}
	sort.Strings(out)
	return out
}

// depth runs a passive declare on its own channel; a failed passive
// declare closes the channel it runs on.
func (b *RabbitMQBroker) depth(queue string) (int, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Close closes the publishing channel and the connection.
func (b *RabbitMQBroker) Close() error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	return b.conn.Close()
}

type rabbitDelivery struct {
	d    amqp.Delivery
	done func()
	once sync.Once
}

func (r *rabbitDelivery) Body() []byte { return r.d.Body }

func (r *rabbitDelivery) Ack(context.Context) error {
	defer r.settled()
	return r.d.Ack(false)
}

func (r *rabbitDelivery) Nack(_ context.Context, requeue bool) error {
	defer r.settled()
	return r.d.Nack(false, requeue)
}

func (r *rabbitDelivery) settled() {
	if r.done != nil {
		r.once.Do(r.done)
	}
}
