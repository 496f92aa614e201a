package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/pkg/logger"
	"github.com/ignite/dispatch-worker/internal/tracing"
)

const settleTimeout = 10 * time.Second

// Job is a payload the dispatcher can validate and re-publish with a new
// attempt number.
type Job[J any] interface {
	Validate() error
	CurrentAttempt() int
	WithAttempt(n int) J
}

// Handler processes one job. The returned error decides the outcome: nil
// acks, *PermanentError dead-letters, *RetryAfterError re-schedules without
// consuming an attempt, anything else is transient.
type Handler[J any] func(ctx context.Context, job J) error

// DeadLetterHook runs before a job is dead-lettered so the owning processor
// can persist the terminal state.
type DeadLetterHook[J any] func(ctx context.Context, job J, reason string) error

// Observer receives job outcomes, labeled by queue and stage.
type Observer interface {
	JobProcessed(queue, stage string)
	JobRetried(queue, stage string)
	JobRateLimited(queue, stage string)
	JobFailedPermanent(queue, stage string)
}

// Archiver keeps a copy of every dead letter outside the broker.
type Archiver interface {
	Archive(ctx context.Context, rec domain.DeadLetterRecord) error
}

// Policy is the retry policy of one dispatcher.
type Policy struct {
	MaxAttempts int
	// BaseDelay is multiplied by the next attempt number.
	BaseDelay   time.Duration
	Concurrency int
	// JobTimeout bounds one handler call; zero means no bound.
	JobTimeout time.Duration
}

// RetryDelay returns the backoff before nextAttempt.
func (p Policy) RetryDelay(nextAttempt int) time.Duration {
	return p.BaseDelay * time.Duration(nextAttempt)
}

// Options carries the optional collaborators of a Dispatcher.
type Options struct {
	Stage    string
	Observer Observer
	Archiver Archiver
	Now      func() time.Time
}

// Dispatcher consumes one queue and applies the retry policy around a
// handler. Every delivery is acked once its outcome has been published; it
// is nacked back to the broker only when that publish fails.
type Dispatcher[J Job[J]] struct {
	broker  Broker
	queue   string
	handler Handler[J]
	policy  Policy
	opts    Options
	onDead  DeadLetterHook[J]
	tracer  trace.Tracer
}

// NewDispatcher creates a dispatcher for queue name.
func NewDispatcher[J Job[J]](broker Broker, name string, handler Handler[J], policy Policy, opts Options) *Dispatcher[J] {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Concurrency < 1 {
		policy.Concurrency = 1
	}
	if opts.Stage == "" {
		opts.Stage = name
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher[J]{
		broker:  broker,
		queue:   name,
		handler: handler,
		policy:  policy,
		opts:    opts,
		tracer:  otel.Tracer("github.com/ignite/dispatch-worker/internal/queue"),
	}
}

// OnDeadLetter registers the hook run before dead-lettering.
func (d *Dispatcher[J]) OnDeadLetter(hook DeadLetterHook[J]) {
	d.onDead = hook
}

// Queue returns the consumed queue name.
func (d *Dispatcher[J]) Queue() string { return d.queue }

// Run consumes until ctx is cancelled and in-flight handlers return.
// Cancelling ctx only stops intake: a job already delivered runs to
// completion, bounded by JobTimeout, and settles as usual.
func (d *Dispatcher[J]) Run(ctx context.Context) error {
	deliveries, err := d.broker.Consume(ctx, d.queue, d.policy.Concurrency)
	if err != nil {
		return fmt.Errorf("consume %s: %w", d.queue, err)
	}

	log.Printf("[Dispatcher] %s: consuming (concurrency=%d, max_attempts=%d, base_delay=%s)",
		d.queue, d.policy.Concurrency, d.policy.MaxAttempts, d.policy.BaseDelay)

	work := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < d.policy.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dlv := range deliveries {
				d.Handle(work, dlv)
			}
		}()
	}
	wg.Wait()

	log.Printf("[Dispatcher] %s: stopped", d.queue)
	return nil
}

// Handle processes a single delivery to completion.
func (d *Dispatcher[J]) Handle(ctx context.Context, dlv Delivery) {
	body := dlv.Body()

	var job J
	if err := json.Unmarshal(body, &job); err != nil {
		d.rejectPayload(ctx, dlv, body, err)
		return
	}
	if err := job.Validate(); err != nil {
		d.rejectPayload(ctx, dlv, body, err)
		return
	}

	attempt := job.CurrentAttempt()
	ctx, span := d.tracer.Start(ctx, "queue.process "+d.queue, trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.queue),
			attribute.Int("messaging.attempt", attempt),
		))
	defer span.End()

	err := d.invoke(ctx, job)
	if err != nil {
		tracing.RecordError(span, err, ReasonOf(err))
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	d.settle(sctx, dlv, job, attempt, err)
}

func (d *Dispatcher[J]) invoke(ctx context.Context, job J) (err error) {
	if d.policy.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.policy.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panicked", "queue", d.queue, "panic", r)
			err = fmt.Errorf("%s: %v", ReasonPanic, r)
		}
	}()
	return d.handler(ctx, job)
}

func (d *Dispatcher[J]) settle(ctx context.Context, dlv Delivery, job J, attempt int, err error) {
	if err == nil {
		d.observe(Observer.JobProcessed)
		d.ack(ctx, dlv)
		return
	}

	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		if !d.publish(ctx, dlv, job.WithAttempt(attempt), retryAfter.After) {
			return
		}
		if retryAfter.Reason == ReasonRateLimited {
			d.observe(Observer.JobRateLimited)
		}
		d.observe(Observer.JobRetried)
		logger.Debug("job deferred", "queue", d.queue, "reason", retryAfter.Reason, "attempt", attempt, "delay", retryAfter.After)
		d.ack(ctx, dlv)
		return
	}

	reason := ReasonOf(err)
	if IsPermanent(err) {
		d.deadLetter(ctx, dlv, job, attempt, reason)
		return
	}

	next := attempt + 1
	if next > d.policy.MaxAttempts {
		d.deadLetter(ctx, dlv, job, attempt, reason)
		return
	}

	delay := d.policy.RetryDelay(next)
	if !d.publish(ctx, dlv, job.WithAttempt(next), delay) {
		return
	}
	d.observe(Observer.JobRetried)
	logger.Warn("job failed, retrying", "queue", d.queue, "attempt", attempt, "next_attempt", next, "delay", delay, "error", err)
	d.ack(ctx, dlv)
}

// publish re-enqueues job and nacks the delivery back to the broker when
// that fails.
func (d *Dispatcher[J]) publish(ctx context.Context, dlv Delivery, job J, delay time.Duration) bool {
	body, err := json.Marshal(job)
	if err == nil {
		err = d.broker.Enqueue(ctx, d.queue, body, delay)
	}
	if err != nil {
		logger.Error("re-enqueue failed, returning delivery to broker", "queue", d.queue, "error", err)
		d.nack(ctx, dlv)
		return false
	}
	return true
}

// deadLetter persists the terminal state through the hook, then publishes
// the dead letter. A failing hook leaves the job out of the DLQ: it is
// re-scheduled at the same attempt so the terminal state is written on a
// later pass.
func (d *Dispatcher[J]) deadLetter(ctx context.Context, dlv Delivery, job J, attempt int, reason string) {
	if d.onDead != nil {
		if err := d.onDead(ctx, job, reason); err != nil {
			delay := d.policy.RetryDelay(attempt)
			logger.Error("dead-letter hook failed, re-scheduling job", "queue", d.queue, "reason", reason,
				"attempt", attempt, "delay", delay, "error", err)
			if !d.publish(ctx, dlv, job.WithAttempt(attempt), delay) {
				return
			}
			d.observe(Observer.JobRetried)
			d.ack(ctx, dlv)
			return
		}
	}

	original, err := json.Marshal(job)
	if err != nil {
		original = dlv.Body()
	}
	if !d.sendDeadLetter(ctx, dlv, original, attempt, reason) {
		return
	}
	d.ack(ctx, dlv)
}

// rejectPayload dead-letters a delivery that is not a valid job. Its raw
// body is kept as-is.
func (d *Dispatcher[J]) rejectPayload(ctx context.Context, dlv Delivery, body []byte, cause error) {
	logger.Warn("invalid job payload", "queue", d.queue, "error", cause)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		body = quoted
	}
	if !d.sendDeadLetter(ctx, dlv, body, 0, ReasonInvalidPayload) {
		return
	}
	d.ack(ctx, dlv)
}

func (d *Dispatcher[J]) sendDeadLetter(ctx context.Context, dlv Delivery, original []byte, attempt int, reason string) bool {
	rec := domain.DeadLetterRecord{
		Queue:       d.queue,
		OriginalJob: json.RawMessage(original),
		Reason:      reason,
		Attempt:     attempt,
		FailedAt:    d.opts.Now().UTC(),
	}
	body, err := json.Marshal(rec)
	if err == nil {
		err = d.broker.DeadLetter(ctx, d.queue, body)
	}
	if err != nil {
		logger.Error("dead-letter publish failed, returning delivery to broker", "queue", d.queue, "error", err)
		d.nack(ctx, dlv)
		return false
	}

	d.observe(Observer.JobFailedPermanent)
	log.Printf("[Dispatcher] %s: job dead-lettered after attempt %d (reason=%s)", d.queue, attempt, reason)

	if d.opts.Archiver != nil {
		if err := d.opts.Archiver.Archive(ctx, rec); err != nil {
			logger.Warn("dead-letter archive failed", "queue", d.queue, "error", err)
		}
	}
	return true
}

func (d *Dispatcher[J]) observe(fn func(Observer, string, string)) {
	if d.opts.Observer != nil {
		fn(d.opts.Observer, d.queue, d.opts.Stage)
	}
}

func (d *Dispatcher[J]) ack(ctx context.Context, dlv Delivery) {
	if err := dlv.Ack(ctx); err != nil {
		logger.Error("ack failed", "queue", d.queue, "error", err)
	}
}

func (d *Dispatcher[J]) nack(ctx context.Context, dlv Delivery) {
	if err := dlv.Nack(ctx, true); err != nil {
		logger.Error("nack failed", "queue", d.queue, "error", err)
	}
}
