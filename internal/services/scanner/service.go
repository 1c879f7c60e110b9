// Package scanner queues audits for background workers.
package scanner

import (
	"context"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
	"siteaudit/internal/services/orchestrator"
)

// Preparer validates a request and resolves entitlement without running it.
type Preparer interface {
	Prepare(ctx context.Context, req domain.AuditRequest) (*orchestrator.Run, error)
}

type Service struct {
	prepare Preparer
	jobs    ports.JobRepository
	audits  ports.AuditReader
}

func New(prepare Preparer, jobs ports.JobRepository, audits ports.AuditReader) *Service {
	return &Service{prepare: prepare, jobs: jobs, audits: audits}
}

// Enqueue applies the same validation and entitlement rules as a streamed
// run, then stores a queued audit with its resolved request.
func (s *Service) Enqueue(ctx context.Context, req domain.AuditRequest) (string, error) {
	run, err := s.prepare.Prepare(ctx, req)
	if err != nil {
		return "", err
	}
	resolved := run.Request()
	return s.jobs.Enqueue(ctx, ports.NewAuditRecord{
		URL:       resolved.URL,
		SourceIP:  resolved.SourceIP,
		UserAgent: resolved.UserAgent,
		CallerID:  resolved.CallerID,
		IsAdmin:   resolved.Admin,
	}, resolved)
}

func (s *Service) Status(ctx context.Context, auditID string) (string, float64, error) {
	return s.audits.Status(ctx, auditID)
}
