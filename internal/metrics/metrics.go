// Package metrics exposes the worker's Prometheus counters and queue-depth
// gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/dispatch-worker/internal/queue"
)

// Collector holds the worker metrics. It implements queue.Observer.
type Collector struct {
	registry *prometheus.Registry

	processed       *prometheus.CounterVec
	retried         *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	failedPermanent *prometheus.CounterVec
	failOpen        *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

var _ queue.Observer = (*Collector)(nil)

// New creates a Collector on its own registry, with the Go runtime and
// process collectors attached.
func New() *Collector {
	labels := []string{"queue", "stage"}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_processed_total",
			Help: "Jobs handled successfully.",
		}, labels),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_retried_total",
			Help: "Jobs re-published to their retry queue.",
		}, labels),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_rate_limited_total",
			Help: "Jobs deferred by the tenant rate limiter.",
		}, labels),
		failedPermanent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_failed_permanent_total",
			Help: "Jobs moved to the dead-letter queue.",
		}, labels),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_rate_limiter_fail_open_total",
			Help: "Sends allowed because the rate limiter could not reach Redis.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Jobs waiting per queue, including retry and dead-letter queues.",
		}, []string{"queue", "stage"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.processed, c.retried, c.rateLimited, c.failedPermanent, c.failOpen, c.queueDepth,
	)
	return c
}

func (c *Collector) JobProcessed(queue, stage string) {
	c.processed.WithLabelValues(queue, stage).Inc()
}

func (c *Collector) JobRetried(queue, stage string) {
	c.retried.WithLabelValues(queue, stage).Inc()
}

func (c *Collector) JobRateLimited(queue, stage string) {
	c.rateLimited.WithLabelValues(queue, stage).Inc()
}

func (c *Collector) JobFailedPermanent(queue, stage string) {
	c.failedPermanent.WithLabelValues(queue, stage).Inc()
}

// RateLimiterFailOpen counts one fail-open decision. It matches the
// ratelimit fail-open hook.
func (c *Collector) RateLimiterFailOpen(reason string) {
	c.failOpen.WithLabelValues(reason).Inc()
}

// SetQueueDepth records the depth of one queue of a pipeline stage.
func (c *Collector) SetQueueDepth(queue, stage string, depth int) {
	c.queueDepth.WithLabelValues(queue, stage).Set(float64(depth))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
