package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/provider"
	"github.com/ignite/dispatch-worker/internal/queue"
)

// runUntilIdle runs the dispatchers until the broker has nothing ready, in
// flight or scheduled.
func runUntilIdle(t *testing.T, broker *queue.MemoryBroker, runners ...func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range runners {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			_ = run(ctx)
		}(run)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !broker.Idle() {
		if time.Now().After(deadline) {
			cancel()
			wg.Wait()
			t.Fatal("queues did not drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
}

type pipeline struct {
	broker *queue.MemoryBroker
	launch *queue.Dispatcher[domain.CampaignLaunchJob]
	send   *queue.Dispatcher[domain.MessageSendJob]
}

func newPipeline(store *memStore, sender provider.Sender) *pipeline {
	policy := queue.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Concurrency: 4}
	return newPipelineWithPolicies(store, sender, policy, policy)
}

func newPipelineWithPolicies(store *memStore, sender provider.Sender, launchPolicy, sendPolicy queue.Policy) *pipeline {
	broker := queue.NewMemoryBroker(queue.WithoutDelays())

	launch := NewLaunchProcessor(store, broker, nil, nil, LaunchConfig{SendQueue: "message.send"})
	send := NewSendProcessor(store, nil, nil, sender, time.Second)

	p := &pipeline{
		broker: broker,
		launch: queue.NewDispatcher[domain.CampaignLaunchJob](broker, "campaign.launch", launch.Process, launchPolicy, queue.Options{Stage: "fanout"}),
		send:   queue.NewDispatcher[domain.MessageSendJob](broker, "message.send", send.Process, sendPolicy, queue.Options{Stage: "send"}),
	}
	p.send.OnDeadLetter(send.OnDeadLetter)
	return p
}

func (p *pipeline) run(t *testing.T, job domain.CampaignLaunchJob) {
	t.Helper()
	if err := queue.PublishJSON(context.Background(), p.broker, "campaign.launch", job, 0); err != nil {
		t.Fatalf("publish launch: %v", err)
	}
	runUntilIdle(t, p.broker, p.launch.Run, p.send.Run)
}

func TestScenario_ThreeContactsAllAccepted(t *testing.T) {
	store := newMemStore()
	job := seedCampaign(store, threeContacts()...)
	p := newPipeline(store, provider.NewCloudClient(provider.Config{AllowMock: true}))

	p.run(t, job)

	ids := store.messageIDs()
	if len(ids) != 3 {
		t.Fatalf("messages = %d, want 3", len(ids))
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		m := store.message(id)
		if m.status != domain.MessageAcceptedMeta {
			t.Errorf("%s status = %s, want accepted_meta", id, m.status)
		}
		if m.providerID == "" || seen[m.providerID] {
			t.Errorf("%s provider id %q is empty or repeated", id, m.providerID)
		}
		seen[m.providerID] = true
	}
	if dead := p.broker.DeadLetters("message.send"); len(dead) != 0 {
		t.Errorf("unexpected dead letters: %d", len(dead))
	}
}

func TestScenario_RelaunchSendsNothingTwice(t *testing.T) {
	store := newMemStore()
	job := seedCampaign(store, threeContacts()...)
	sender := &fakeSender{}
	p := newPipeline(store, sender)

	p.run(t, job)
	p.run(t, job)

	if n := len(store.messageIDs()); n != 3 {
		t.Errorf("messages = %d, want 3", n)
	}
	if sender.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", sender.calls())
	}
}

func TestScenario_ProviderDownExhaustsRetries(t *testing.T) {
	store := newMemStore()
	job := seedCampaign(store, optedIn("k1", "+5511999990001"))
	sender := &fakeSender{err: &provider.Error{Code: provider.CodeRequestFailed, Status: 502}}
	p := newPipeline(store, sender)

	p.run(t, job)

	if sender.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", sender.calls())
	}
	m := store.message(store.messageIDs()[0])
	if m.status != domain.MessageFailedPermanent || m.attempts != 3 {
		t.Errorf("message = %+v, want failed_permanent after 3 attempts", m)
	}

	dead := p.broker.DeadLetters("message.send")
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	var rec domain.DeadLetterRecord
	if err := json.Unmarshal(dead[0], &rec); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if rec.Reason != provider.CodeRequestFailed || rec.Attempt != 3 {
		t.Errorf("dead letter = %+v", rec)
	}
}

func TestScenario_FanOutOutlivesSendTimeout(t *testing.T) {
	store := newMemStore()
	store.upsertDelay = 40 * time.Millisecond
	job := seedCampaign(store, threeContacts()...)
	sender := &fakeSender{}

	sendPolicy := queue.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Concurrency: 4, JobTimeout: 50 * time.Millisecond}
	launchPolicy := sendPolicy
	launchPolicy.JobTimeout = 0
	p := newPipelineWithPolicies(store, sender, launchPolicy, sendPolicy)

	p.run(t, job)

	if n := len(store.messageIDs()); n != 3 {
		t.Fatalf("messages = %d, want 3", n)
	}
	for _, s := range p.broker.ScheduledJobs() {
		if s.Queue == "campaign.launch" {
			t.Errorf("launch was re-scheduled: %s", s.Body)
		}
	}
	if dead := p.broker.DeadLetters("campaign.launch"); len(dead) != 0 {
		t.Errorf("launch dead-lettered: %s", dead[0])
	}
	if sender.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", sender.calls())
	}
}
