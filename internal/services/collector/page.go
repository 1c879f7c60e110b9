package collector

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"siteaudit/internal/domain"
)

const (
	maxBodyBytes    = 5 << 20
	maxBodyRunes    = 5000
	maxCTAs         = 20
	maxNavLinks     = 30
	maxHeadingsEach = 20
)

// fetchedPage is a parsed HTTP response.
type fetchedPage struct {
	doc      *goquery.Document
	status   int
	finalURL *url.URL
	loadTime time.Duration
	tls      *tls.ConnectionState
}

func (s *Set) fetch(ctx context.Context, rawURL string) (*fetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}
	return &fetchedPage{
		doc:      doc,
		status:   resp.StatusCode,
		finalURL: resp.Request.URL,
		loadTime: time.Since(start),
		tls:      resp.TLS,
	}, nil
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	spaceRun     = regexp.MustCompile(`\s+`)

	socialHosts = []string{
		"facebook.com", "twitter.com", "x.com", "instagram.com", "linkedin.com",
		"youtube.com", "tiktok.com", "pinterest.com", "github.com",
	}
	analyticsMarkers = []string{
		"google-analytics.com", "googletagmanager.com", "gtag(", "plausible.io",
		"segment.com/analytics", "static.hotjar.com", "matomo", "clarity.ms",
		"connect.facebook.net",
	}
	ctaWords = []string{
		"get started", "sign up", "signup", "contact", "book", "buy", "shop",
		"subscribe", "try", "request", "quote", "demo", "download", "join",
	}
)

// extractPage builds the primary-page fields of ScrapedData.
func extractPage(p *fetchedPage) *domain.ScrapedData {
	doc := p.doc
	return &domain.ScrapedData{
		FinalURL:        p.finalURL.String(),
		LoadTimeMs:      p.loadTime.Milliseconds(),
		StatusCode:      p.status,
		SSL:             sslInfo(p.finalURL, p.tls),
		Title:           clean(doc.Find("title").First().Text()),
		MetaDescription: metaContent(doc, "description"),
		Headings: domain.Headings{
			H1: texts(doc.Find("h1"), maxHeadingsEach),
			H2: texts(doc.Find("h2"), maxHeadingsEach),
			H3: texts(doc.Find("h3"), maxHeadingsEach),
		},
		CTAs:        ctas(doc),
		NavLinks:    navLinks(doc, p.finalURL),
		SocialLinks: socialLinks(doc),
		Emails:      emails(doc),
		Technical: domain.TechnicalFlags{
			HasAnalytics: hasAnalytics(doc),
			HasForms:     doc.Find("form").Length() > 0,
			HasViewport:  doc.Find("meta[name='viewport']").Length() > 0,
		},
	}
}

func sslInfo(u *url.URL, state *tls.ConnectionState) domain.SSLInfo {
	info := domain.SSLInfo{Enabled: u.Scheme == "https"}
	if state == nil || len(state.PeerCertificates) == 0 {
		return info
	}
	cert := state.PeerCertificates[0]
	info.Valid = time.Now().Before(cert.NotAfter)
	info.Issuer = firstNonEmpty(strings.Join(cert.Issuer.Organization, ", "), cert.Issuer.CommonName)
	expires := cert.NotAfter.UTC()
	info.ExpiresAt = &expires
	return info
}

func clean(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

func metaContent(doc *goquery.Document, name string) string {
	v, _ := doc.Find(fmt.Sprintf("meta[name='%s']", name)).First().Attr("content")
	return clean(v)
}

func texts(sel *goquery.Selection, limit int) []string {
	out := []string{}
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := clean(s.Text()); t != "" {
			out = append(out, t)
		}
		return len(out) < limit
	})
	return out
}

func ctas(doc *goquery.Document) []string {
	seen := map[string]bool{}
	out := []string{}
	doc.Find("button, a, input[type='submit']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := clean(s.Text())
		if text == "" {
			text, _ = s.Attr("value")
			text = clean(text)
		}
		if text == "" || len(text) > 60 || seen[strings.ToLower(text)] {
			return true
		}
		class, _ := s.Attr("class")
		role, _ := s.Attr("role")
		if goquery.NodeName(s) == "a" && !strings.Contains(class, "btn") && !strings.Contains(class, "button") && role != "button" && !hasCTAWord(text) {
			return true
		}
		seen[strings.ToLower(text)] = true
		out = append(out, text)
		return len(out) < maxCTAs
	})
	return out
}

func hasCTAWord(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range ctaWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func navLinks(doc *goquery.Document, base *url.URL) []domain.Link {
	out := []domain.Link{}
	seen := map[string]bool{}
	doc.Find("nav a[href], header a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		abs := resolve(base, href)
		text := clean(s.Text())
		if abs == "" || text == "" || seen[abs] {
			return true
		}
		seen[abs] = true
		out = append(out, domain.Link{Text: text, Href: abs})
		return len(out) < maxNavLinks
	})
	return out
}

func socialLinks(doc *goquery.Document) []string {
	out := []string{}
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(href)
		if err != nil || seen[href] {
			return
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		for _, h := range socialHosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				seen[href] = true
				out = append(out, href)
				return
			}
		}
	})
	return out
}

func emails(doc *goquery.Document) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(e string) {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	doc.Find("a[href^='mailto:']").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		addr, _, _ := strings.Cut(strings.TrimPrefix(href, "mailto:"), "?")
		add(addr)
	})
	for _, m := range emailPattern.FindAllString(doc.Find("body").Text(), -1) {
		add(m)
	}
	return out
}

func hasAnalytics(doc *goquery.Document) bool {
	found := false
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		blob := strings.ToLower(src + " " + s.Text())
		for _, m := range analyticsMarkers {
			if strings.Contains(blob, m) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// bodyText returns the visible text excerpt. It removes script and style
// nodes from doc, so it must run after every other extractor.
func bodyText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template").Remove()
	text := visibleText(doc.Find("body"))
	if r := []rune(text); len(r) > maxBodyRunes {
		return string(r[:maxBodyRunes])
	}
	return text
}

// visibleText joins the text nodes under sel with single spaces, so words in
// adjacent elements stay apart.
func visibleText(sel *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return clean(strings.Join(parts, " "))
}

// resolve returns href as an absolute http(s) URL without fragment, or "".
func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := base.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
