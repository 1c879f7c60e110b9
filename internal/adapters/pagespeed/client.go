// Package pagespeed fetches lab performance metrics from the PageSpeed
// Insights API.
package pagespeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"siteaudit/internal/config"
	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
)

const (
	StrategyMobile  = "mobile"
	StrategyDesktop = "desktop"

	maxErrorBody = 1 << 10
)

// ErrNoData is returned when neither strategy produced metrics.
var ErrNoData = errors.New("pagespeed: no metrics available")

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   logger.Logger
}

func New(cfg config.PageSpeedConfig, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   log,
	}
}

// FetchMetrics runs both strategies concurrently. A failed strategy is left
// nil; ErrNoData is returned only when both fail.
func (c *Client) FetchMetrics(ctx context.Context, pageURL string) (domain.PerformanceMetrics, error) {
	var out domain.PerformanceMetrics
	g, gctx := errgroup.WithContext(ctx)
	for _, strategy := range []string{StrategyMobile, StrategyDesktop} {
		g.Go(func() error {
			snap, err := c.run(gctx, pageURL, strategy)
			if err != nil {
				c.logger.Warn("PageSpeed strategy failed",
					logger.String("url", pageURL),
					logger.String("strategy", strategy),
					logger.Error(err),
				)
				return nil
			}
			if strategy == StrategyMobile {
				out.Mobile = snap
			} else {
				out.Desktop = snap
			}
			return nil
		})
	}
	_ = g.Wait()

	if out.Mobile == nil && out.Desktop == nil {
		return out, ErrNoData
	}
	return out, nil
}

type runResponse struct {
	LighthouseResult struct {
		Categories struct {
			Performance struct {
				Score *float64 `json:"score"`
			} `json:"performance"`
		} `json:"categories"`
		Audits map[string]struct {
			NumericValue float64 `json:"numericValue"`
		} `json:"audits"`
	} `json:"lighthouseResult"`
}

func (c *Client) run(ctx context.Context, pageURL, strategy string) (*domain.PerformanceSnapshot, error) {
	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("strategy", strategy)
	q.Set("category", "performance")
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var rr runResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	lh := rr.LighthouseResult
	if lh.Categories.Performance.Score == nil {
		return nil, errors.New("response has no performance score")
	}

	audit := func(id string) float64 { return lh.Audits[id].NumericValue }
	return &domain.PerformanceSnapshot{
		Score:                  int(math.Round(*lh.Categories.Performance.Score * 100)),
		FirstContentfulPaintMs: audit("first-contentful-paint"),
		LargestContentfulPaint: audit("largest-contentful-paint"),
		TotalBlockingTimeMs:    audit("total-blocking-time"),
		CumulativeLayoutShift:  audit("cumulative-layout-shift"),
		SpeedIndexMs:           audit("speed-index"),
	}, nil
}
