package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
)

// PlanFor returns the stored plan for callerID. found is false when the
// caller has no row, which callers treat as the free plan.
func (db *DB) PlanFor(ctx context.Context, callerID string) (ports.Plan, bool, error) {
	var (
		p       ports.Plan
		allowed []string
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT plan_name, audits_per_month, pages_limit, allowed_categories
		FROM caller_plans WHERE caller_id = $1
	`, callerID).Scan(&p.Name, &p.AuditsPerMonth, &p.PagesLimit, &allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if allowed != nil {
		p.AllowedCategories = make([]domain.Category, 0, len(allowed))
		for _, a := range allowed {
			if c := domain.Category(a); c.Valid() {
				p.AllowedCategories = append(p.AllowedCategories, c)
			}
		}
	}
	return p, true, nil
}
