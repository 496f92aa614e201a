// Package queue moves JSON jobs between the API, the fan-out and the send
// processors. A Broker is a named-queue transport with delayed re-delivery
// and a dead-letter queue per name; the Dispatcher consumes one queue and
// applies the retry policy.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrBrokerClosed is returned by publishes after Close.
var ErrBrokerClosed = errors.New("queue: broker closed")

// Queue name suffixes. Every logical queue <name> has <name>.retry for
// delayed jobs and <name>.dlq for dead letters.
const (
	RetrySuffix = ".retry"
	DLQSuffix   = ".dlq"
)

// RetryQueue names the delay queue of name.
func RetryQueue(name string) string { return name + RetrySuffix }

// DeadLetterQueue names the dead-letter queue of name.
func DeadLetterQueue(name string) string { return name + DLQSuffix }

// Topology lists every physical queue behind the given logical names, in
// main, retry, dlq order.
func Topology(names ...string) []string {
	out := make([]string, 0, len(names)*3)
	for _, n := range names {
		out = append(out, n, RetryQueue(n), DeadLetterQueue(n))
	}
	return out
}

// Delivery is one received job. Exactly one of Ack or Nack must be called.
type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
	// Nack returns the job to the broker when requeue is set and drops it
	// otherwise.
	Nack(ctx context.Context, requeue bool) error
}

// Publisher enqueues jobs. A positive delay routes the job through the
// retry queue so it becomes visible only after delay.
type Publisher interface {
	Enqueue(ctx context.Context, name string, body []byte, delay time.Duration) error
}

// Broker is the transport behind the dispatcher.
type Broker interface {
	Publisher
	// Setup declares the topology of the given logical queues.
	Setup(ctx context.Context, names ...string) error
	DeadLetter(ctx context.Context, name string, body []byte) error
	// Consume streams deliveries from name until ctx is cancelled, then
	// closes the channel. prefetch bounds unacknowledged deliveries.
	Consume(ctx context.Context, name string, prefetch int) (<-chan Delivery, error)
	// Depth reports the number of ready jobs in a physical queue.
	Depth(ctx context.Context, queue string) (int, error)
	Close() error
}
