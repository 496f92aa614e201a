package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-worker/internal/pkg/logger"
)

// DefaultPlanKey names the limit applied to unknown plans.
const DefaultPlanKey = "default"

const fallbackLimit = 60

// DefaultPlanLimits returns the built-in per-minute limits.
func DefaultPlanLimits() map[string]int {
	return map[string]int{
		"starter":      30,
		"pro":          120,
		"enterprise":   600,
		DefaultPlanKey: 60,
	}
}

// ParsePlanLimits overlays a "plan:limit,plan:limit" string on the
// defaults. Malformed or non-positive entries are ignored.
func ParsePlanLimits(raw string) map[string]int {
	limits := DefaultPlanLimits()
	for _, item := range strings.Split(raw, ",") {
		plan, value, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		plan = strings.TrimSpace(plan)
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if plan == "" || err != nil || n <= 0 {
			continue
		}
		limits[plan] = n
	}
	return limits
}

// StaticLimits is a fixed plan table.
type StaticLimits map[string]int

// Limit returns the plan limit, then the default entry, then 60.
func (s StaticLimits) Limit(_ context.Context, planCode string) int {
	if n, ok := s[planCode]; ok {
		return n
	}
	if n, ok := s[DefaultPlanKey]; ok {
		return n
	}
	return fallbackLimit
}

// PlanLimitLoader reads per-plan limits from the plan catalogue.
type PlanLimitLoader interface {
	PlanRateLimits(ctx context.Context) (map[string]int, error)
}

// PlanLimitCache serves plan limits from the catalogue, refreshed at most
// once per TTL. Plans missing from the catalogue use the fallback table.
type PlanLimitCache struct {
	loader   PlanLimitLoader
	fallback StaticLimits
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limits   map[string]int
	loadedAt time.Time
}

// NewPlanLimitCache creates a cache. A nil loader serves the fallback only.
func NewPlanLimitCache(loader PlanLimitLoader, fallback map[string]int, ttl time.Duration) *PlanLimitCache {
	if fallback == nil {
		fallback = DefaultPlanLimits()
	}
	return &PlanLimitCache{
		loader:   loader,
		fallback: StaticLimits(fallback),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Limit returns the per-minute limit for planCode.
func (c *PlanLimitCache) Limit(ctx context.Context, planCode string) int {
	if c.loader == nil {
		return c.fallback.Limit(ctx, planCode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limits == nil || c.now().Sub(c.loadedAt) >= c.ttl {
		loaded, err := c.loader.PlanRateLimits(ctx)
		if err != nil {
			logger.Warn("plan limit refresh failed, serving previous limits", "error", err)
		} else {
			c.limits = loaded
		}
		// failed refreshes also wait a full TTL before retrying
		c.loadedAt = c.now()
	}

	if n, ok := c.limits[planCode]; ok && n > 0 {
		return n
	}
	return c.fallback.Limit(ctx, planCode)
}

// Invalidate drops the cached table so the next Limit call reloads it.
func (c *PlanLimitCache) Invalidate() {
	c.mu.Lock()
	c.limits = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// ListenInvalidations calls Invalidate for every message published on
// channel until ctx is done. Billing publishes there after a plan change.
func (c *PlanLimitCache) ListenInvalidations(ctx context.Context, client *redis.Client, channel string) {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			c.Invalidate()
			logger.Info("plan limit cache invalidated", "channel", channel)
		}
	}
}
