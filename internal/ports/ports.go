package ports

import (
	"context"

	"siteaudit/internal/domain"
)

// SiteCollector gathers the full ScrapedData bundle for one URL.
type SiteCollector interface {
	Collect(ctx context.Context, url string, pages int) (*domain.ScrapedData, error)
}

// Prober runs the fast reachability/SSL check.
type Prober interface {
	Probe(ctx context.Context, url string) domain.ProbeResult
}

// PerformanceFetcher fetches lab performance metrics for both strategies.
type PerformanceFetcher interface {
	FetchMetrics(ctx context.Context, url string) (domain.PerformanceMetrics, error)
}

// GenerateRequest is one prompt for the external model.
type GenerateRequest struct {
	Prompt          string
	MaxOutputTokens int64
	Temperature     float64
}

// Generation is the model's answer plus usage.
type Generation struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// TextGenerator is the external scoring model. Rate-limited failures must be
// recognisable by retry.IsRateLimited.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generation, error)
}

// UsageService looks up and counts entitlements. An empty caller id is the
// anonymous caller.
type UsageService interface {
	CheckUsage(ctx context.Context, callerID string) (domain.Entitlement, error)
	IncrementUsage(ctx context.Context, callerID string) error
}

// AuditCompletion is what gets written when a run completes.
type AuditCompletion struct {
	Score          int
	CategoryScores []domain.CategoryScore
	Summary        string
	Brief          domain.WebsiteBrief
	TokenUsage     domain.TokenUsage
	Result         *domain.AuditResult
}

// NewAuditRecord describes the record created at the start of a run.
type NewAuditRecord struct {
	URL       string
	SourceIP  string
	UserAgent string
	CallerID  string
	IsAdmin   bool
}

// AuditRepository receives lifecycle events for a run.
type AuditRepository interface {
	CreateRecord(ctx context.Context, rec NewAuditRecord) (recordID string, err error)
	CompleteRecord(ctx context.Context, recordID string, c AuditCompletion) error
	FailRecord(ctx context.Context, recordID string, errMsg string) error
}
