package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ignite/dispatch-worker/internal/quota"
)

const dispatchStatusQuery = `
	SELECT t.status, t.plan_code, COALESCE(s.status, ''), p.message_limit_monthly,
	       COALESCE((SELECT SUM(uc.billable_count)
	                 FROM usage_counters uc
	                 WHERE uc.tenant_id = t.id
	                   AND date_trunc('month', uc.period_day::timestamp) = date_trunc('month', NOW())), 0)
	FROM tenants t
	LEFT JOIN subscriptions s ON s.tenant_id = t.id
	     AND s.status IN ('trialing', 'active', 'past_due', 'paused')
	     AND s.deleted_at IS NULL
	LEFT JOIN plans p ON p.id = s.plan_id
	WHERE t.id = $1
	ORDER BY s.created_at DESC NULLS LAST
	LIMIT 1`

var _ quota.StatusLoader = (*Store)(nil)

// DispatchStatus reads the tenant's billing state. A missing tenant comes
// back with status "missing", which the quota rules treat as blocked.
func (s *Store) DispatchStatus(ctx context.Context, tenantID string) (quota.Status, error) {
	var (
		st    quota.Status
		limit sql.NullInt64
	)
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, dispatchStatusQuery, tenantID).Scan(
			&st.TenantStatus, &st.PlanCode, &st.SubscriptionStatus, &limit, &st.UsedThisMonth,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Status{TenantStatus: "missing"}, nil
	}
	if err != nil {
		return quota.Status{}, err
	}
	if limit.Valid {
		st.MessageLimitMonthly = &limit.Int64
	}
	return st, nil
}
