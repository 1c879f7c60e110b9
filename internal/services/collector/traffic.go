package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"siteaudit/internal/domain"
)

const maxRobotsBytes = 512 << 10

// traffic gathers crawlability and SEO hints: robots.txt, the sitemap's URL
// count, canonical and hreflang links and structured data types.
func (s *Set) traffic(ctx context.Context, page *fetchedPage) (*domain.TrafficSignals, error) {
	t := &domain.TrafficSignals{
		Canonical:      attr(page.doc.Find("link[rel='canonical']"), "href"),
		Hreflangs:      hreflangs(page.doc),
		StructuredData: structuredDataTypes(page.doc),
	}

	base := origin(page.finalURL)
	sitemaps, found, err := s.robots(ctx, base+"/robots.txt")
	if err != nil {
		return t, fmt.Errorf("robots.txt: %w", err)
	}
	t.HasRobotsTxt = found
	if len(sitemaps) == 0 {
		sitemaps = []string{base + "/sitemap.xml"}
	}

	for _, sm := range sitemaps {
		n, err := s.sitemapCount(ctx, sm)
		if err != nil {
			continue
		}
		t.SitemapURL = sm
		t.SitemapURLCount = n
		break
	}
	return t, nil
}

// robots returns the Sitemap directives of robots.txt and whether it exists.
func (s *Set) robots(ctx context.Context, robotsURL string) ([]string, bool, error) {
	resp, err := s.get(ctx, robotsURL)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, nil
	}

	var sitemaps []string
	sc := bufio.NewScanner(io.LimitReader(resp.Body, maxRobotsBytes))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), "sitemap") {
			if v := strings.TrimSpace(value); v != "" {
				sitemaps = append(sitemaps, v)
			}
		}
	}
	return sitemaps, true, sc.Err()
}

// sitemapCount returns the number of <loc> entries in a sitemap or sitemap
// index document.
func (s *Set) sitemapCount(ctx context.Context, sitemapURL string) (int, error) {
	resp, err := s.get(ctx, sitemapURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("parse sitemap: %w", err)
	}
	n := doc.Find("loc").Length()
	if n == 0 {
		return 0, fmt.Errorf("sitemap has no entries")
	}
	return n, nil
}

func (s *Set) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	return s.client.Do(req)
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.First().Attr(name)
	return strings.TrimSpace(v)
}

func hreflangs(doc *goquery.Document) []string {
	var out []string
	doc.Find("link[rel='alternate'][hreflang]").Each(func(_ int, s *goquery.Selection) {
		if v, _ := s.Attr("hreflang"); v != "" {
			out = append(out, v)
		}
	})
	return out
}

// structuredDataTypes returns the distinct @type values of JSON-LD blocks.
func structuredDataTypes(doc *goquery.Document) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case []any:
			for _, item := range node {
				walk(item)
			}
		case map[string]any:
			switch t := node["@type"].(type) {
			case string:
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			case []any:
				for _, item := range t {
					if s, ok := item.(string); ok && !seen[s] {
						seen[s] = true
						out = append(out, s)
					}
				}
			}
			if graph, ok := node["@graph"]; ok {
				walk(graph)
			}
		}
	}
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var v any
		if json.Unmarshal([]byte(s.Text()), &v) == nil {
			walk(v)
		}
	})
	return out
}
