package ports

import (
	"context"
	"errors"

	"siteaudit/internal/domain"
)

// AuditJob is a queued audit waiting for a worker.
type AuditJob struct {
	ID       string
	AuditID  string
	Request  domain.AuditRequest
	Attempts int
}

// JobRepository supports claiming and updating queued audit jobs. Enqueue
// creates the queued audit record and its job together.
type JobRepository interface {
	Enqueue(ctx context.Context, rec NewAuditRecord, req domain.AuditRequest) (auditID string, err error)
	ClaimNext(ctx context.Context) (job AuditJob, found bool, err error)
	StartJobForAudit(ctx context.Context, auditID string) (job AuditJob, err error)
	UpdateProgress(ctx context.Context, auditID string, progress float64) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, reason string) error
}

// AuditReader reads persisted audits back for status and profile endpoints.
type AuditReader interface {
	Status(ctx context.Context, auditID string) (status string, progress float64, err error)
	LatestCompletedByDomain(ctx context.Context, registrable string) (domain.AuditRecord, error)
}

// PlanRepository returns the plan limits for an authenticated caller.
type PlanRepository interface {
	PlanFor(ctx context.Context, callerID string) (Plan, bool, error)
}

// Plan is a caller's subscription limits.
type Plan struct {
	Name              string
	AuditsPerMonth    int
	PagesLimit        int
	AllowedCategories []domain.Category
}

// UsageCounter counts audits per caller per period.
type UsageCounter interface {
	Used(ctx context.Context, callerID string) (int, error)
	Increment(ctx context.Context, callerID string) (int, error)
}

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")
