// Package ratelimit gates sends per tenant with a fixed one-minute window
// counted in Redis. The limiter fails open: without Redis, or when Redis
// errors, every call is allowed.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-worker/internal/pkg/logger"
)

// LimitExceededError is returned when a tenant used up its window.
type LimitExceededError struct {
	TenantID   string
	PlanCode   string
	Limit      int
	Count      int64
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate_limited: tenant %s plan %s used %d of %d per minute", e.TenantID, e.PlanCode, e.Count, e.Limit)
}

// LimitSource resolves the per-minute limit of a plan.
type LimitSource interface {
	Limit(ctx context.Context, planCode string) int
}

// INCR the window counter and set its expiry on the first hit, atomically.
const windowIncrLuaScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`

// PlanLimiter is the per-tenant fixed-window limiter.
type PlanLimiter struct {
	client redis.Cmdable
	limits LimitSource
	script *redis.Script

	retryAfter time.Duration
	windowTTL  time.Duration
	now        func() time.Time
	onFailOpen func(reason string)
}

// Option configures a PlanLimiter.
type Option func(*PlanLimiter)

// WithClock injects the time source used to pick the window.
func WithClock(now func() time.Time) Option {
	return func(l *PlanLimiter) { l.now = now }
}

// WithRetryAfter sets the deferral suggested to limited callers.
func WithRetryAfter(d time.Duration) Option {
	return func(l *PlanLimiter) {
		if d > 0 {
			l.retryAfter = d
		}
	}
}

// WithWindowTTL sets the expiry of a fresh window key.
func WithWindowTTL(d time.Duration) Option {
	return func(l *PlanLimiter) {
		if d > 0 {
			l.windowTTL = d
		}
	}
}

// WithFailOpenHook is called whenever a call is allowed because Redis
// could not be consulted.
func WithFailOpenHook(fn func(reason string)) Option {
	return func(l *PlanLimiter) { l.onFailOpen = fn }
}

// NewPlanLimiter creates a limiter. client may be nil, which disables
// enforcement.
func NewPlanLimiter(client redis.Cmdable, limits LimitSource, opts ...Option) *PlanLimiter {
	l := &PlanLimiter{
		client:     client,
		limits:     limits,
		script:     redis.NewScript(windowIncrLuaScript),
		retryAfter: 15 * time.Second,
		windowTTL:  70 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.limits == nil {
		l.limits = StaticLimits(DefaultPlanLimits())
	}
	return l
}

// Window returns the minute bucket containing t.
func Window(t time.Time) int64 {
	return t.Unix() / 60
}

// WindowKey is the Redis key of a tenant's counter for a window.
func WindowKey(tenantID string, window int64) string {
	return fmt.Sprintf("rate:%s:%d", tenantID, window)
}

// AssertAllowed counts one send for the tenant and returns
// *LimitExceededError once the plan limit for the current minute is passed.
func (l *PlanLimiter) AssertAllowed(ctx context.Context, tenantID, planCode string) error {
	if l.client == nil {
		l.failOpen("redis_disabled")
		return nil
	}

	limit := l.limits.Limit(ctx, planCode)
	key := WindowKey(tenantID, Window(l.now()))

	count, err := l.script.Run(ctx, l.client, []string{key}, int(l.windowTTL.Seconds())).Int64()
	if err != nil {
		logger.Warn("rate limiter unavailable, allowing send", "tenant_id", tenantID, "error", err)
		l.failOpen("redis_error")
		return nil
	}

	if count > int64(limit) {
		return &LimitExceededError{
			TenantID:   tenantID,
			PlanCode:   planCode,
			Limit:      limit,
			Count:      count,
			RetryAfter: l.retryAfter,
		}
	}
	return nil
}

func (l *PlanLimiter) failOpen(reason string) {
	if l.onFailOpen != nil {
		l.onFailOpen(reason)
	}
}
