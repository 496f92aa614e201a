package quota

import (
	"context"
	"fmt"
)

// StatusLoader reads a tenant's billing state from the store.
type StatusLoader interface {
	DispatchStatus(ctx context.Context, tenantID string) (Status, error)
}

// StatusChecker applies Status.Evaluate to the state read by a loader.
type StatusChecker struct {
	loader StatusLoader
}

// NewStatusChecker creates a checker over loader.
func NewStatusChecker(loader StatusLoader) *StatusChecker {
	return &StatusChecker{loader: loader}
}

// AssertCanDispatch implements Checker.
func (c *StatusChecker) AssertCanDispatch(ctx context.Context, tenantID string, count int) error {
	st, err := c.loader.DispatchStatus(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load dispatch status: %w", err)
	}
	if reason := st.Evaluate(count); reason != "" {
		return &DeniedError{TenantID: tenantID, Reason: reason}
	}
	return nil
}
