package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/dispatch-worker/internal/pkg/httputil"
)

// Check probes one dependency. A nil error means the dependency is up.
type Check func(ctx context.Context) error

// ComponentCheck is the result of one Check.
type ComponentCheck struct {
	Status  string `json:"status"` // "up" or "down"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker serves the liveness and readiness probes of the worker.
type HealthChecker struct {
	checks    map[string]Check
	timeout   time.Duration
	startTime time.Time
}

// NewHealthChecker creates a checker over the named dependency checks.
func NewHealthChecker(checks map[string]Check) *HealthChecker {
	return &HealthChecker{
		checks:    checks,
		timeout:   3 * time.Second,
		startTime: time.Now(),
	}
}

// HandleLiveness always returns 200 while the process runs.
//
//	GET /healthz
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(hc.startTime).Truncate(time.Second).String(),
	})
}

// HandleReadiness returns 200 only when every dependency answers.
//
//	GET /readyz
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())

	failed := make(map[string]string)
	for name, c := range checks {
		if c.Status != "up" {
			failed[name] = c.Message
		}
	}
	if len(failed) > 0 {
		httputil.Unavailable(w, failed)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"ready":  true,
		"checks": checks,
	})
}

// runAllChecks runs the checks concurrently.
func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = make(map[string]ComponentCheck, len(hc.checks))
	)
	for name, check := range hc.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			c := hc.run(ctx, check)
			mu.Lock()
			result[name] = c
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return result
}

func (hc *HealthChecker) run(ctx context.Context, check Check) ComponentCheck {
	cctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := check(cctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String()}
}
