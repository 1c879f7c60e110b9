// Package profiles serves the latest completed audit per domain.
package profiles

import (
	"context"
	"errors"
	"strings"
	"time"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
)

var ErrNotFound = errors.New("profile not found")

// Profile is the public view of a domain's latest audit.
type Profile struct {
	Domain       string                 `json:"domain"`
	AuditID      string                 `json:"auditId"`
	URL          string                 `json:"url"`
	OverallScore int                    `json:"overallScore"`
	Categories   []domain.CategoryScore `json:"categories"`
	Summary      string                 `json:"summary"`
	AuditedAt    *time.Time             `json:"auditedAt,omitempty"`
}

type Service struct {
	audits ports.AuditReader
}

func New(audits ports.AuditReader) *Service { return &Service{audits: audits} }

// GetLatest accepts a host or URL and looks up its registrable domain.
func (s *Service) GetLatest(ctx context.Context, host string) (Profile, error) {
	host = strings.TrimSpace(host)
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	registrable := domain.RegistrableDomain(host)
	if registrable == "" {
		return Profile{}, ErrNotFound
	}
	rec, err := s.audits.LatestCompletedByDomain(ctx, registrable)
	if errors.Is(err, ports.ErrNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	prof := Profile{
		Domain:    registrable,
		AuditID:   rec.ID,
		URL:       rec.URL,
		AuditedAt: rec.FinishedAt,
	}
	if rec.Score != nil {
		prof.OverallScore = *rec.Score
	}
	if rec.Result != nil {
		prof.OverallScore = rec.Result.OverallScore
		prof.Categories = rec.Result.Categories
		prof.Summary = rec.Result.Summary
	}
	return prof, nil
}
