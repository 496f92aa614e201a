// Package quota asks billing whether a tenant may dispatch more messages.
package quota

import (
	"context"
	"fmt"
)

// Denial reasons. The send processor persists them as quota_<reason>.
const (
	ReasonTenantBlocked        = "tenant_blocked"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonMonthlyLimitExceeded = "monthly_limit_exceeded"
)

// DeniedError is returned when billing refuses the dispatch.
type DeniedError struct {
	TenantID string
	Reason   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota denied for tenant %s: %s", e.TenantID, e.Reason)
}

// ErrorCode returns the persisted code, quota_<reason>.
func (e *DeniedError) ErrorCode() string {
	return "quota_" + e.Reason
}

// Checker answers whether tenantID may dispatch count more messages. A
// *DeniedError means no; any other error means the answer is unknown.
type Checker interface {
	AssertCanDispatch(ctx context.Context, tenantID string, count int) error
}

// Allow is the Checker used when quota enforcement is disabled.
type Allow struct{}

// AssertCanDispatch always allows.
func (Allow) AssertCanDispatch(context.Context, string, int) error { return nil }

// Status is the billing state of a tenant.
type Status struct {
	TenantStatus       string
	PlanCode           string
	SubscriptionStatus string
	// MessageLimitMonthly is nil for unlimited plans.
	MessageLimitMonthly *int64
	UsedThisMonth       int64
}

// Evaluate applies the dispatch rules to s for count more messages and
// returns the denial reason, or "" when allowed.
func (s Status) Evaluate(count int) string {
	if s.TenantStatus != "active" {
		return ReasonTenantBlocked
	}
	if s.SubscriptionStatus != "active" && s.SubscriptionStatus != "trialing" {
		return ReasonSubscriptionInactive
	}
	if count < 1 {
		count = 1
	}
	if s.MessageLimitMonthly != nil && s.UsedThisMonth+int64(count) > *s.MessageLimitMonthly {
		return ReasonMonthlyLimitExceeded
	}
	return ""
}
