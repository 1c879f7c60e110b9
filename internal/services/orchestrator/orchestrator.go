// Package orchestrator drives one audit end to end: entitlement, collection,
// performance metrics, brief, batched category analysis, summary and
// persistence. A run produces a finite stream of events.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"siteaudit/internal/config"
	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/metrics"
	"siteaudit/internal/ports"
	"siteaudit/internal/services/analysis"
	"siteaudit/internal/tokens"
)

// Analyzer is the model-backed part of a run.
type Analyzer interface {
	Analyze(ctx context.Context, info domain.CategoryInfo, in analysis.Input, tracker *tokens.Tracker) domain.CategoryScore
	Brief(ctx context.Context, d *domain.ScrapedData, tracker *tokens.Tracker) domain.WebsiteBrief
	Summary(ctx context.Context, d *domain.ScrapedData, scores []domain.CategoryScore, tracker *tokens.Tracker) string
}

// Dependencies are the collaborators of every run. Prober, Performance and
// Audits are optional.
type Dependencies struct {
	Collector   ports.SiteCollector
	Prober      ports.Prober
	Performance ports.PerformanceFetcher
	Analyzer    Analyzer
	Usage       ports.UsageService
	Audits      ports.AuditRepository
}

type Config struct {
	ScrapeTimeout time.Duration
	ProbeTimeout  time.Duration
	BatchSize     int
	BatchDelay    time.Duration
	MaxPages      int
	// FailOpen lets audits run unenforced when the usage service errors.
	FailOpen bool
}

// ConfigFrom extracts the orchestrator settings from the service config.
func ConfigFrom(c config.Config) Config {
	return Config{
		ScrapeTimeout: c.Audit.ScrapeTimeout,
		ProbeTimeout:  c.Collector.ProbeTimeout,
		BatchSize:     c.Audit.BatchSize,
		BatchDelay:    c.Audit.BatchDelay,
		MaxPages:      c.Audit.MaxPages,
		FailOpen:      c.Usage.FailOpen,
	}
}

type Service struct {
	deps    Dependencies
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Recorder
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSleep replaces the inter-batch wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

func New(deps Dependencies, cfg Config, opts ...Option) *Service {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 3
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	s := &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare validates the request and resolves the caller's entitlement. No
// collection work happens here; a nil error means the audit may start.
func (s *Service) Prepare(ctx context.Context, req domain.AuditRequest) (*Run, error) {
	target, err := NormalizeURL(req.URL)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, c := range req.Categories {
		if !c.Valid() {
			unknown = append(unknown, string(c))
		}
	}
	if len(unknown) > 0 {
		return nil, &domain.UnknownCategoryError{Names: unknown}
	}

	ent, err := s.entitlement(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ent.Allowed {
		return nil, &UsageLimitError{Entitlement: ent}
	}

	selected := domain.SelectCategories(req.Categories, ent.AllowedCategories)
	if len(selected) == 0 {
		if ent.AllowedCategories != nil {
			ent.Reason = "the requested categories are not included in your plan"
			return nil, &UsageLimitError{Entitlement: ent}
		}
		return nil, ErrNoCategories
	}

	req.URL = target
	return &Run{
		svc:         s,
		req:         req,
		categories:  selected,
		pages:       s.clampPages(req.Pages, ent.PagesLimit),
		entitlement: ent,
	}, nil
}

func (s *Service) entitlement(ctx context.Context, req domain.AuditRequest) (domain.Entitlement, error) {
	if req.Admin {
		return domain.Entitlement{Allowed: true, PagesLimit: s.cfg.MaxPages}, nil
	}
	if s.deps.Usage == nil {
		return domain.Entitlement{Allowed: true, PagesLimit: s.cfg.MaxPages}, nil
	}

	ent, err := s.deps.Usage.CheckUsage(ctx, req.CallerID)
	if err == nil {
		return ent, nil
	}
	if !s.cfg.FailOpen {
		return domain.Entitlement{}, fmt.Errorf("%w: %w", ErrUsageUnavailable, err)
	}
	s.logger.Warn("Usage check failed, continuing without enforcement",
		logger.String("caller_id", req.CallerID),
		logger.Error(err),
	)
	return domain.Entitlement{Allowed: true, PagesLimit: s.cfg.MaxPages}, nil
}

func (s *Service) clampPages(requested, limit int) int {
	if limit <= 0 || limit > s.cfg.MaxPages {
		limit = s.cfg.MaxPages
	}
	return max(1, min(requested, limit))
}

// NormalizeURL trims raw, defaults the scheme to https and accepts only
// http and https URLs with a host and no credentials.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" || u.User != nil {
		return "", ErrInvalidURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment, u.RawFragment = "", ""
	return u.String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
