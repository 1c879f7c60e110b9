// Package collector gathers the raw signals of a live site: the primary page,
// crawl and sitemap hints, a multi-page crawl and optional screenshots.
package collector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"siteaudit/internal/config"
	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/metrics"
)

const (
	defaultMaxIdleConns        = 50
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	maxRedirects               = 10
)

// Screenshotter renders a page in a real browser.
type Screenshotter interface {
	Capture(ctx context.Context, pageURL string) (*domain.Screenshots, error)
}

// Set runs every collector for one URL. The primary page fetch is critical;
// the rest degrade to missing data.
type Set struct {
	cfg         config.CollectorConfig
	client      *http.Client
	screenshots Screenshotter
	logger      logger.Logger
	metrics     *metrics.Recorder
}

// Option customizes a Set.
type Option func(*Set)

// WithScreenshotter enables screenshots.
func WithScreenshotter(s Screenshotter) Option {
	return func(c *Set) { c.screenshots = s }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Set) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Set) { c.metrics = m }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Set) { c.client = hc }
}

func New(cfg config.CollectorConfig, opts ...Option) *Set {
	s := &Set{
		cfg:    cfg,
		client: newHTTPClient(cfg.FetchTimeout),
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConns:        defaultMaxIdleConns,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
			TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Collect fetches the primary page and then runs the secondary collectors
// concurrently. pages is the total number of pages to snapshot, including
// the primary one.
func (s *Set) Collect(ctx context.Context, rawURL string, pages int) (*domain.ScrapedData, error) {
	page, err := s.fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch primary page: %w", err)
	}
	if page.status >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch primary page: unexpected status code %d", page.status)
	}

	data := extractPage(page)
	data.URL = rawURL
	data.Design = extractDesign(page.doc)
	data.CollectedAt = time.Now().UTC()

	var (
		traffic *domain.TrafficSignals
		crawled []domain.PageSnapshot
		shots   *domain.Screenshots
	)

	// Goroutines never return errors: secondary failures are absorbed here so
	// one of them cannot cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := s.traffic(gctx, page)
		if err != nil {
			s.degraded("traffic", rawURL, err)
		}
		traffic = t
		return nil
	})
	if pages > 1 {
		g.Go(func() error {
			snaps, err := s.crawl(gctx, page, candidateLinks(page), pages-1)
			if err != nil {
				s.degraded("crawl", rawURL, err)
			}
			crawled = snaps
			return nil
		})
	}
	if s.screenshots != nil {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, s.cfg.BrowserTimeout)
			defer cancel()
			sh, err := s.screenshots.Capture(sctx, page.finalURL.String())
			if err != nil {
				s.degraded("screenshots", rawURL, err)
				return nil
			}
			shots = sh
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data.Traffic = traffic
	data.Pages = crawled
	data.Screenshots = shots
	data.BodyText = bodyText(page.doc)
	return data, nil
}

func (s *Set) degraded(collector, rawURL string, err error) {
	s.metrics.CollectorFailed(collector)
	s.logger.Warn("Collector failed, continuing without it",
		logger.String("collector", collector),
		logger.String("url", rawURL),
		logger.Error(err),
	)
}

// origin returns scheme://host of u.
func origin(u *url.URL) string {
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
}
