package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// PlanLimits loads per-plan send limits from the plans table. It satisfies
// ratelimit.PlanLimitLoader.
type PlanLimits struct{ db *sql.DB }

// NewPlanLimits creates a loader on db.
func NewPlanLimits(db *sql.DB) *PlanLimits { return &PlanLimits{db: db} }

// PlanRateLimits returns rate_limit_per_minute keyed by plan code. Plans
// without a limit are omitted.
func (p *PlanLimits) PlanRateLimits(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT code, rate_limit_per_minute
		FROM plans
		WHERE rate_limit_per_minute IS NOT NULL AND rate_limit_per_minute > 0
		  AND deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load plan limits: %w", err)
	}
	defer rows.Close()

	limits := make(map[string]int)
	for rows.Next() {
		var (
			code  string
			limit int
		)
		if err := rows.Scan(&code, &limit); err != nil {
			return nil, fmt.Errorf("scan plan limit: %w", err)
		}
		limits[code] = limit
	}
	return limits, rows.Err()
}

// Ping reports whether the database answers.
func Ping(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}
