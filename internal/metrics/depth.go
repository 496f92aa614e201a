package metrics

import (
	"context"
	"log"
	"time"

	"github.com/ignite/dispatch-worker/internal/pkg/logger"
)

// DepthReader reports how many jobs sit on a queue.
type DepthReader interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// WatchedQueue is one physical queue and the pipeline stage it feeds.
type WatchedQueue struct {
	Name  string
	Stage string
}

// StageQueues tags every name with stage. Pass queue.Topology(...) to cover
// the retry and dead-letter queues of a stage too.
func StageQueues(stage string, names ...string) []WatchedQueue {
	out := make([]WatchedQueue, 0, len(names))
	for _, n := range names {
		out = append(out, WatchedQueue{Name: n, Stage: stage})
	}
	return out
}

// DepthPoller refreshes worker_queue_depth on an interval.
type DepthPoller struct {
	reader   DepthReader
	sink     *Collector
	queues   []WatchedQueue
	interval time.Duration
}

// NewDepthPoller polls queues every interval.
func NewDepthPoller(reader DepthReader, sink *Collector, queues []WatchedQueue, interval time.Duration) *DepthPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DepthPoller{reader: reader, sink: sink, queues: queues, interval: interval}
}

// Run polls until ctx is cancelled.
func (p *DepthPoller) Run(ctx context.Context) {
	log.Printf("[DepthPoller] Polling %d queues every %v", len(p.queues), p.interval)

	p.Poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll reads every queue once. A queue the broker cannot report on is set
// to zero.
func (p *DepthPoller) Poll(ctx context.Context) {
	for _, q := range p.queues {
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		depth, err := p.reader.Depth(qctx, q.Name)
		cancel()
		if err != nil {
			logger.Debug("queue depth unavailable", "queue", q.Name, "stage", q.Stage, "error", err)
			depth = 0
		}
		p.sink.SetQueueDepth(q.Name, q.Stage, depth)
	}
}
