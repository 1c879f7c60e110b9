// Package usage derives caller entitlements from plans and monthly counters.
package usage

import (
	"context"
	"fmt"

	"siteaudit/internal/config"
	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
)

// Unlimited as Plan.AuditsPerMonth disables the monthly cap.
const Unlimited = -1

const limitReason = "Monthly audit limit reached"

type Service struct {
	plans   ports.PlanRepository
	counter ports.UsageCounter
	cfg     config.UsageConfig
}

var _ ports.UsageService = (*Service)(nil)

func New(plans ports.PlanRepository, counter ports.UsageCounter, cfg config.UsageConfig) *Service {
	return &Service{plans: plans, counter: counter, cfg: cfg}
}

// FreePlan applies to authenticated callers without a stored plan.
func (s *Service) FreePlan() ports.Plan {
	return ports.Plan{Name: "free", AuditsPerMonth: s.cfg.FreeAudits, PagesLimit: s.cfg.AnonymousPages}
}

// CheckUsage returns the caller's entitlement. Anonymous callers may always
// run single-page audits and are never counted.
func (s *Service) CheckUsage(ctx context.Context, callerID string) (domain.Entitlement, error) {
	if callerID == "" {
		return domain.Entitlement{
			Allowed:    true,
			PagesLimit: s.cfg.AnonymousPages,
			UpgradeURL: s.cfg.UpgradeURL,
		}, nil
	}

	plan := s.FreePlan()
	if s.plans != nil {
		p, found, err := s.plans.PlanFor(ctx, callerID)
		if err != nil {
			return domain.Entitlement{}, fmt.Errorf("load plan: %w", err)
		}
		if found {
			plan = p
		}
	}

	ent := domain.Entitlement{
		Allowed:           true,
		AuditsLimit:       plan.AuditsPerMonth,
		AuditsRemaining:   Unlimited,
		PagesLimit:        plan.PagesLimit,
		AllowedCategories: plan.AllowedCategories,
		UpgradeURL:        s.cfg.UpgradeURL,
	}
	if plan.AuditsPerMonth == Unlimited {
		return ent, nil
	}

	used, err := s.counter.Used(ctx, callerID)
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("read usage: %w", err)
	}
	ent.AuditsRemaining = max(0, plan.AuditsPerMonth-used)
	if ent.AuditsRemaining == 0 {
		ent.Allowed = false
		ent.Reason = limitReason
	}
	return ent, nil
}

// IncrementUsage counts one completed audit against callerID.
func (s *Service) IncrementUsage(ctx context.Context, callerID string) error {
	if callerID == "" {
		return nil
	}
	if _, err := s.counter.Increment(ctx, callerID); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}
