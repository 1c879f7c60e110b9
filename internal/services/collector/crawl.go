package collector

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
)

const (
	ctxKeyIndex   = "index"
	ctxKeyStarted = "started"
)

var skippedExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".svg": true,
	".webp": true, ".zip": true, ".mp4": true, ".mp3": true, ".css": true, ".js": true,
	".xml": true, ".ico": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
}

// candidateLinks returns same-host page links of the primary page in
// document order, excluding the page itself.
func candidateLinks(page *fetchedPage) []string {
	self := strings.TrimSuffix(page.finalURL.String(), "/")
	host := strings.ToLower(page.finalURL.Hostname())
	seen := map[string]bool{self: true}

	var out []string
	page.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := resolve(page.finalURL, href)
		if abs == "" {
			return
		}
		u, err := page.finalURL.Parse(abs)
		if err != nil || strings.ToLower(u.Hostname()) != host {
			return
		}
		if skippedExtensions[strings.ToLower(path.Ext(u.Path))] {
			return
		}
		key := strings.TrimSuffix(abs, "/")
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, abs)
	})
	return out
}

// crawl snapshots up to limit of links concurrently. Pages that fail to
// load are skipped; the result keeps link order.
func (s *Set) crawl(ctx context.Context, page *fetchedPage, links []string, limit int) ([]domain.PageSnapshot, error) {
	if len(links) > limit {
		links = links[:limit]
	}
	if len(links) == 0 {
		return nil, nil
	}

	c := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.Async(true),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(s.cfg.UserAgent),
		colly.MaxBodySize(maxBodyBytes),
		colly.AllowedDomains(page.finalURL.Hostname()),
	)
	if s.client.Transport != nil {
		c.WithTransport(s.client.Transport)
	}
	c.SetRequestTimeout(s.cfg.FetchTimeout)
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: max(s.cfg.CrawlWorkers, 1)}); err != nil {
		return nil, fmt.Errorf("set crawl limit: %w", err)
	}

	var (
		mu     sync.Mutex
		slots  = make([]*domain.PageSnapshot, len(links))
		failed int
	)

	c.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxKeyStarted, time.Now())
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		idx, ok := e.Request.Ctx.GetAny(ctxKeyIndex).(int)
		if !ok {
			return
		}
		snap := snapshot(e.DOM, links[idx], e.Response.StatusCode)
		if started, ok := e.Request.Ctx.GetAny(ctxKeyStarted).(time.Time); ok {
			snap.LoadTimeMs = time.Since(started).Milliseconds()
		}
		mu.Lock()
		slots[idx] = &snap
		mu.Unlock()
	})
	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		failed++
		mu.Unlock()
		s.logger.Debug("Crawl request failed",
			logger.String("url", r.Request.URL.String()),
			logger.Int("status", r.StatusCode),
			logger.Error(err),
		)
	})

	for i, link := range links {
		cctx := colly.NewContext()
		cctx.Put(ctxKeyIndex, i)
		if err := c.Request("GET", link, nil, cctx, nil); err != nil {
			s.logger.Debug("Crawl request not started", logger.String("url", link), logger.Error(err))
		}
	}
	c.Wait()

	out := make([]domain.PageSnapshot, 0, len(links))
	for _, snap := range slots {
		if snap != nil {
			out = append(out, *snap)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("all %d crawled pages failed", len(links))
	}
	if failed > 0 {
		s.logger.Debug("Crawl finished with failures", logger.Int("failed", failed), logger.Int("ok", len(out)))
	}
	return out, nil
}

func snapshot(root *goquery.Selection, pageURL string, status int) domain.PageSnapshot {
	meta, _ := root.Find("meta[name='description']").First().Attr("content")
	body := root.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return domain.PageSnapshot{
		URL:             pageURL,
		Title:           clean(root.Find("title").First().Text()),
		MetaDescription: clean(meta),
		H1:              clean(root.Find("h1").First().Text()),
		StatusCode:      status,
		HasViewport:     root.Find("meta[name='viewport']").Length() > 0,
		WordCount:       len(strings.Fields(visibleText(body))),
	}
}
