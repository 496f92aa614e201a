package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-worker/internal/domain"
)

type testJob struct {
	ID      string `json:"id"`
	Attempt int    `json:"attempt,omitempty"`
}

func (j testJob) Validate() error {
	if j.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

func (j testJob) CurrentAttempt() int {
	if j.Attempt < 1 {
		return 1
	}
	return j.Attempt
}

func (j testJob) WithAttempt(n int) testJob {
	j.Attempt = n
	return j
}

type countingObserver struct {
	mu                                          sync.Mutex
	processed, retried, rateLimited, permanents int
}

func (o *countingObserver) JobProcessed(string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed++
}

func (o *countingObserver) JobRetried(string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retried++
}

func (o *countingObserver) JobRateLimited(string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateLimited++
}

func (o *countingObserver) JobFailedPermanent(string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.permanents++
}

type fakeDelivery struct {
	body     []byte
	acks     int
	nacks    int
	requeued bool
}

func (f *fakeDelivery) Body() []byte { return f.body }

func (f *fakeDelivery) Ack(context.Context) error {
	f.acks++
	return nil
}

func (f *fakeDelivery) Nack(_ context.Context, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

var testPolicy = Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Concurrency: 2}

// runUntil runs d until cond holds, then stops it.
func runUntil(t *testing.T, d *Dispatcher[testJob], cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func publish(t *testing.T, b Broker, job testJob) {
	t.Helper()
	require.NoError(t, PublishJSON(context.Background(), b, "jobs", job, 0))
}

func decodeDeadLetter(t *testing.T, raw []byte) domain.DeadLetterRecord {
	t.Helper()
	var rec domain.DeadLetterRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	return rec
}

func TestDispatcher_Success(t *testing.T) {
	b := NewMemoryBroker()
	obs := &countingObserver{}
	var calls int32
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, testPolicy, Options{Observer: obs})

	publish(t, b, testJob{ID: "a"})
	publish(t, b, testJob{ID: "b"})
	runUntil(t, d, func() bool { return atomic.LoadInt32(&calls) == 2 && b.Idle() })

	assert.Equal(t, 2, obs.processed)
	assert.Empty(t, b.DeadLetters("jobs"))
}

func TestDispatcher_BoundedRetryThenDeadLetter(t *testing.T) {
	b := NewMemoryBroker(WithoutDelays())
	obs := &countingObserver{}
	var calls int32
	var hookReasons []string
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("meta_request_failed")
	}, testPolicy, Options{Observer: obs})
	d.OnDeadLetter(func(ctx context.Context, job testJob, reason string) error {
		hookReasons = append(hookReasons, reason)
		return nil
	})

	publish(t, b, testJob{ID: "a"})
	runUntil(t, d, func() bool { return len(b.DeadLetters("jobs")) == 1 && b.Idle() })

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, 2, obs.retried)
	assert.Equal(t, 1, obs.permanents)
	assert.Equal(t, []string{"meta_request_failed"}, hookReasons)

	scheduled := b.ScheduledJobs()
	require.Len(t, scheduled, 2)
	assert.Equal(t, 20*time.Millisecond, scheduled[0].Delay)
	assert.Equal(t, 30*time.Millisecond, scheduled[1].Delay)

	rec := decodeDeadLetter(t, b.DeadLetters("jobs")[0])
	assert.Equal(t, "jobs", rec.Queue)
	assert.Equal(t, "meta_request_failed", rec.Reason)
	assert.Equal(t, 3, rec.Attempt)
	assert.False(t, rec.FailedAt.IsZero())
	var original testJob
	require.NoError(t, json.Unmarshal(rec.OriginalJob, &original))
	assert.Equal(t, "a", original.ID)
}

func TestDispatcher_RateLimitedKeepsAttempt(t *testing.T) {
	b := NewMemoryBroker(WithoutDelays())
	obs := &countingObserver{}
	var calls int32
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return RateLimited(15*time.Second, errors.New("window full"))
		}
		return nil
	}, testPolicy, Options{Observer: obs})

	publish(t, b, testJob{ID: "a", Attempt: 2})
	runUntil(t, d, func() bool { return atomic.LoadInt32(&calls) == 2 && b.Idle() })

	scheduled := b.ScheduledJobs()
	require.Len(t, scheduled, 1)
	assert.Equal(t, 15*time.Second, scheduled[0].Delay)
	var requeued testJob
	require.NoError(t, json.Unmarshal(scheduled[0].Body, &requeued))
	assert.Equal(t, 2, requeued.Attempt)

	assert.Equal(t, 1, obs.rateLimited)
	assert.Equal(t, 1, obs.retried)
	assert.Equal(t, 1, obs.processed)
	assert.Empty(t, b.DeadLetters("jobs"))
}

func TestDispatcher_PermanentSkipsRetry(t *testing.T) {
	b := NewMemoryBroker(WithoutDelays())
	var calls int32
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		atomic.AddInt32(&calls, 1)
		return Permanent("quota_monthly_limit_exceeded", errors.New("limit reached"))
	}, testPolicy, Options{})

	publish(t, b, testJob{ID: "a"})
	runUntil(t, d, func() bool { return len(b.DeadLetters("jobs")) == 1 && b.Idle() })

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Empty(t, b.ScheduledJobs())
	rec := decodeDeadLetter(t, b.DeadLetters("jobs")[0])
	assert.Equal(t, "quota_monthly_limit_exceeded", rec.Reason)
	assert.Equal(t, 1, rec.Attempt)
}

func TestDispatcher_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"fails validation", `{"attempt":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryBroker()
			called := false
			d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
				called = true
				return nil
			}, testPolicy, Options{})

			dlv := &fakeDelivery{body: []byte(tt.body)}
			d.Handle(context.Background(), dlv)

			assert.False(t, called)
			assert.Equal(t, 1, dlv.acks)
			dead := b.DeadLetters("jobs")
			require.Len(t, dead, 1)
			rec := decodeDeadLetter(t, dead[0])
			assert.Equal(t, ReasonInvalidPayload, rec.Reason)
			assert.True(t, json.Valid(rec.OriginalJob))
		})
	}
}

func TestDispatcher_PanicIsTransient(t *testing.T) {
	b := NewMemoryBroker(WithoutDelays())
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		panic("nil map")
	}, testPolicy, Options{})

	dlv := &fakeDelivery{body: []byte(`{"id":"a"}`)}
	d.Handle(context.Background(), dlv)

	assert.Equal(t, 1, dlv.acks)
	scheduled := b.ScheduledJobs()
	require.Len(t, scheduled, 1)
	assert.Contains(t, string(scheduled[0].Body), `"attempt":2`)
}

func TestDispatcher_JobTimeout(t *testing.T) {
	b := NewMemoryBroker(WithoutDelays())
	policy := testPolicy
	policy.JobTimeout = 20 * time.Millisecond
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		<-ctx.Done()
		return ctx.Err()
	}, policy, Options{})

	dlv := &fakeDelivery{body: []byte(`{"id":"a"}`)}
	d.Handle(context.Background(), dlv)

	require.Len(t, b.ScheduledJobs(), 1)
	assert.Equal(t, 1, dlv.acks)
}

type failingBroker struct {
	*MemoryBroker
	failEnqueue, failDeadLetter bool
}

func (f *failingBroker) Enqueue(ctx context.Context, name string, body []byte, delay time.Duration) error {
	if f.failEnqueue {
		return errors.New("broker down")
	}
	return f.MemoryBroker.Enqueue(ctx, name, body, delay)
}

func (f *failingBroker) DeadLetter(ctx context.Context, name string, body []byte) error {
	if f.failDeadLetter {
		return errors.New("broker down")
	}
	return f.MemoryBroker.DeadLetter(ctx, name, body)
}

func TestDispatcher_NacksWhenRepublishFails(t *testing.T) {
	b := &failingBroker{MemoryBroker: NewMemoryBroker(), failEnqueue: true}
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		return errors.New("transient")
	}, testPolicy, Options{})

	dlv := &fakeDelivery{body: []byte(`{"id":"a"}`)}
	d.Handle(context.Background(), dlv)

	assert.Equal(t, 0, dlv.acks)
	assert.Equal(t, 1, dlv.nacks)
	assert.True(t, dlv.requeued)
}

func TestDispatcher_NacksWhenDeadLetterFails(t *testing.T) {
	b := &failingBroker{MemoryBroker: NewMemoryBroker(), failDeadLetter: true}
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		return Permanent("campaign_not_found", nil)
	}, testPolicy, Options{})

	dlv := &fakeDelivery{body: []byte(`{"id":"a"}`)}
	d.Handle(context.Background(), dlv)

	assert.Equal(t, 0, dlv.acks)
	assert.True(t, dlv.requeued)
}

type recordingArchiver struct {
	records []domain.DeadLetterRecord
}

func (r *recordingArchiver) Archive(_ context.Context, rec domain.DeadLetterRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func TestDispatcher_ArchivesDeadLetters(t *testing.T) {
	b := NewMemoryBroker()
	arch := &recordingArchiver{}
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		return Permanent("message_target_not_found", nil)
	}, testPolicy, Options{Archiver: arch, Now: func() time.Time { return fixed }})

	d.Handle(context.Background(), &fakeDelivery{body: []byte(`{"id":"a"}`)})

	require.Len(t, arch.records, 1)
	assert.Equal(t, "message_target_not_found", arch.records[0].Reason)
	assert.Equal(t, fixed, arch.records[0].FailedAt)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, "", ReasonOf(nil))
	assert.Equal(t, "campaign_not_found", ReasonOf(Permanent("campaign_not_found", errors.New("no rows"))))
	assert.Equal(t, ReasonRateLimited, ReasonOf(RateLimited(time.Second, nil)))
	assert.Equal(t, "launch_in_progress", ReasonOf(Defer(time.Second, "launch_in_progress", nil)))
	assert.Equal(t, "boom", ReasonOf(errors.New("boom")))

	wrapped := errors.Join(errors.New("context"), Permanent("quota_tenant_blocked", nil))
	assert.True(t, IsPermanent(wrapped))
	assert.Equal(t, "quota_tenant_blocked", ReasonOf(wrapped))
	assert.True(t, strings.HasPrefix(Permanent("x", errors.New("y")).Error(), "x: "))
}

func TestTopology(t *testing.T) {
	assert.Equal(t,
		[]string{"campaign.launch", "campaign.launch.retry", "campaign.launch.dlq", "message.send", "message.send.retry", "message.send.dlq"},
		Topology("campaign.launch", "message.send"))
}

func TestDispatcher_FailingDeadLetterHookReschedules(t *testing.T) {
	b := NewMemoryBroker(WithoutDelays())
	var hookCalls int32
	d := NewDispatcher[testJob](b, "jobs", func(ctx context.Context, job testJob) error {
		return Permanent("campaign_not_found", nil)
	}, testPolicy, Options{})
	d.OnDeadLetter(func(ctx context.Context, job testJob, reason string) error {
		if atomic.AddInt32(&hookCalls, 1) == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})

	dlv := &fakeDelivery{body: []byte(`{"id":"a","attempt":3}`)}
	d.Handle(context.Background(), dlv)

	assert.Equal(t, 1, dlv.acks)
	assert.Empty(t, b.DeadLetters("jobs"), "job must not reach the DLQ before its terminal state is stored")
	scheduled := b.ScheduledJobs()
	require.Len(t, scheduled, 1)
	var requeued testJob
	require.NoError(t, json.Unmarshal(scheduled[0].Body, &requeued))
	assert.Equal(t, 3, requeued.Attempt)
	assert.Equal(t, 30*time.Millisecond, scheduled[0].Delay)

	runUntil(t, d, func() bool { return len(b.DeadLetters("jobs")) == 1 && b.Idle() })
	assert.EqualValues(t, 2, atomic.LoadInt32(&hookCalls))
	rec := decodeDeadLetter(t, b.DeadLetters("jobs")[0])
	assert.Equal(t, "campaign_not_found", rec.Reason)
	assert.Equal(t, 3, rec.Attempt)
}
