package queue

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Scheduled records a delayed publish seen by a MemoryBroker.
type Scheduled struct {
	Queue string
	Body  []byte
	Delay time.Duration
}

// MemoryBroker is an in-process Broker for tests and single-process runs.
// Jobs are lost on exit.
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	dead      map[string][][]byte
	scheduled []Scheduled
	timers    map[*time.Timer]string
	noDelays  bool
	closed    bool
}

type memQueue struct {
	items    [][]byte
	inflight int
	notify   chan struct{}
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithoutDelays makes delayed publishes visible immediately. The requested
// delay is still recorded in Scheduled.
func WithoutDelays() MemoryOption {
	return func(b *MemoryBroker) { b.noDelays = true }
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues: make(map[string]*memQueue),
		dead:   make(map[string][][]byte),
		timers: make(map[*time.Timer]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) push(name string, body []byte, front bool) {
	q := b.queue(name)
	if front {
		q.items = append([][]byte{body}, q.items...)
	} else {
		q.items = append(q.items, body)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Setup creates the named queues.
func (b *MemoryBroker) Setup(_ context.Context, names ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.queue(n)
	}
	return nil
}

// Enqueue appends body to name, after delay unless delays are disabled.
func (b *MemoryBroker) Enqueue(_ context.Context, name string, body []byte, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	cp := append([]byte(nil), body...)
	if delay > 0 {
		b.scheduled = append(b.scheduled, Scheduled{Queue: name, Body: cp, Delay: delay})
		if !b.noDelays {
			var t *time.Timer
			t = time.AfterFunc(delay, func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				delete(b.timers, t)
				if !b.closed {
					b.push(name, cp, false)
				}
			})
			b.timers[t] = name
			return nil
		}
	}
	b.push(name, cp, false)
	return nil
}

// DeadLetter stores body on the dead-letter list of name.
func (b *MemoryBroker) DeadLetter(_ context.Context, name string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.dead[name] = append(b.dead[name], append([]byte(nil), body...))
	return nil
}

// Consume hands out jobs one at a time until ctx is cancelled.
func (b *MemoryBroker) Consume(ctx context.Context, name string, _ int) (<-chan Delivery, error) {
	b.mu.Lock()
	q := b.queue(name)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			b.mu.Lock()
			if len(q.items) > 0 {
				body := q.items[0]
				q.items = q.items[1:]
				q.inflight++
				b.mu.Unlock()

				select {
				case out <- &memDelivery{broker: b, name: name, body: body}:
					continue
				case <-ctx.Done():
					b.mu.Lock()
					q.inflight--
					b.push(name, body, true)
					b.mu.Unlock()
					return
				}
			}
			b.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}
		}
	}()
	return out, nil
}

// Depth returns the ready jobs of a queue. For <name>.retry it returns the
// delayed jobs still pending, and for <name>.dlq the dead letters.
func (b *MemoryBroker) Depth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.items), nil
	}
	if base, ok := strings.CutSuffix(queue, DLQSuffix); ok {
		return len(b.dead[base]), nil
	}
	if base, ok := strings.CutSuffix(queue, RetrySuffix); ok {
		n := 0
		for _, target := range b.timers {
			if target == base {
				n++
			}
		}
		return n, nil
	}
	return 0, nil
}

// Close stops pending timers and rejects further publishes.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]string)
	return nil
}

// DeadLetters returns a copy of the dead letters of name.
func (b *MemoryBroker) DeadLetters(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.dead[name]...)
}

// ScheduledJobs returns every delayed publish seen so far.
func (b *MemoryBroker) ScheduledJobs() []Scheduled {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Scheduled(nil), b.scheduled...)
}

// Idle reports whether no job is ready, in flight or waiting on a delay.
func (b *MemoryBroker) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.timers) > 0 {
		return false
	}
	for _, q := range b.queues {
		if len(q.items) > 0 || q.inflight > 0 {
			return false
		}
	}
	return true
}

type memDelivery struct {
	broker *MemoryBroker
	name   string
	body   []byte
	once   sync.Once
}

func (d *memDelivery) Body() []byte { return d.body }

func (d *memDelivery) Ack(context.Context) error {
	d.settle(false)
	return nil
}

func (d *memDelivery) Nack(_ context.Context, requeue bool) error {
	d.settle(requeue)
	return nil
}

func (d *memDelivery) settle(requeue bool) {
	d.once.Do(func() {
		b := d.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		q := b.queue(d.name)
		q.inflight--
		if requeue {
			b.push(d.name, d.body, true)
		}
	})
}
