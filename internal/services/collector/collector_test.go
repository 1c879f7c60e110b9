package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteaudit/internal/config"
	"siteaudit/internal/domain"
	"siteaudit/internal/metrics"
)

const homePage = `<!doctype html>
<html><head>
<title>Acme Widgets | Home</title>
<meta name="description" content="Industrial   widgets since 1962.">
<meta name="viewport" content="width=device-width">
<link rel="canonical" href="https://acme.example/">
<link rel="alternate" hreflang="de" href="/de/">
<link rel="icon" href="/favicon.ico">
<script type="application/ld+json">{"@context": "https://schema.org", "@graph": [{"@type": "Organization"}, {"@type": ["WebSite", "Organization"]}]}</script>
<script async src="https://www.googletagmanager.com/gtag/js?id=G-1"></script>
<style>body { font-family: "Inter", sans-serif; color: #333333; } h1 { color: rgb(10, 20, 30); }</style>
</head><body>
<nav><a href="/about">About us</a><a href="/contact#form">Contact</a></nav>
<h1>Widgets that work</h1>
<h2>Why Acme</h2>
<p style="color: #fff">Write to sales@acme.example today.</p>
<a class="btn btn-primary" href="/quote">Request a quote</a>
<a href="/brochure.pdf">Brochure</a>
<a href="https://other.example/page">Partner</a>
<a href="https://www.linkedin.com/company/acme">LinkedIn</a>
<a href="mailto:Info@acme.example?subject=hi">Mail us</a>
<img src="a.png" alt="Widget"><img src="b.png">
<form><input type="submit" value="Subscribe"></form>
<script>var hidden = "not body text";</script>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<html><head><title>Not found</title></head><body>Missing</body></html>`))
			return
		}
		_, _ = w.Write([]byte(homePage))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>About</title></head><body><h1>About Acme</h1><p>one two three</p></body></html>`))
	})
	mux.HandleFunc("/quote", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Quote</title><meta name="viewport" content="x"></head><body>Get a quote</body></html>`))
	})
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nDisallow:\nSitemap: %s/sitemap.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>https://acme.example/</loc></url>
<url><loc>https://acme.example/about</loc></url>
<url><loc>https://acme.example/quote</loc></url>
</urlset>`))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() config.CollectorConfig {
	return config.CollectorConfig{
		UserAgent:      "siteaudit-test",
		FetchTimeout:   5 * time.Second,
		CrawlWorkers:   2,
		BrowserTimeout: time.Second,
	}
}

func TestCollect_PrimaryPage(t *testing.T) {
	srv := newSite(t)
	set := New(testConfig())

	data, err := set.Collect(context.Background(), srv.URL, 1)
	require.NoError(t, err)

	assert.Equal(t, srv.URL, data.URL)
	assert.Equal(t, http.StatusOK, data.StatusCode)
	assert.Equal(t, "Acme Widgets | Home", data.Title)
	assert.Equal(t, "Industrial widgets since 1962.", data.MetaDescription)
	assert.Equal(t, []string{"Widgets that work"}, data.Headings.H1)
	assert.Equal(t, []string{"Why Acme"}, data.Headings.H2)
	assert.False(t, data.SSL.Enabled)

	assert.True(t, data.Technical.HasAnalytics)
	assert.True(t, data.Technical.HasForms)
	assert.True(t, data.Technical.HasViewport)

	assert.Contains(t, data.CTAs, "Request a quote")
	assert.Contains(t, data.CTAs, "Subscribe")
	assert.NotContains(t, data.CTAs, "Partner")
	assert.Equal(t, []domain.Link{
		{Text: "About us", Href: srv.URL + "/about"},
		{Text: "Contact", Href: srv.URL + "/contact"},
	}, data.NavLinks)
	assert.Equal(t, []string{"https://www.linkedin.com/company/acme"}, data.SocialLinks)
	assert.ElementsMatch(t, []string{"info@acme.example", "sales@acme.example"}, data.Emails)

	assert.Contains(t, data.BodyText, "Widgets that work")
	assert.NotContains(t, data.BodyText, "not body text")
	assert.True(t, strings.HasPrefix(data.BodyText, "About us Contact Widgets that work"), data.BodyText)
	assert.Nil(t, data.Pages)
	assert.Nil(t, data.Screenshots)
}

func TestCollect_DesignAndTraffic(t *testing.T) {
	srv := newSite(t)
	data, err := New(testConfig()).Collect(context.Background(), srv.URL, 1)
	require.NoError(t, err)

	require.NotNil(t, data.Design)
	assert.Equal(t, 2, data.Design.ImageCount)
	assert.Equal(t, 1, data.Design.ImagesMissingAlt)
	assert.Equal(t, 1, data.Design.InlineStyleCount)
	assert.Equal(t, []string{"inter"}, data.Design.FontFamilies)
	assert.Equal(t, 3, data.Design.ColorCount)
	assert.Equal(t, 1, data.Design.ButtonCount)
	assert.True(t, data.Design.HasFavicon)

	require.NotNil(t, data.Traffic)
	assert.True(t, data.Traffic.HasRobotsTxt)
	assert.Equal(t, srv.URL+"/sitemap.xml", data.Traffic.SitemapURL)
	assert.Equal(t, 3, data.Traffic.SitemapURLCount)
	assert.Equal(t, "https://acme.example/", data.Traffic.Canonical)
	assert.Equal(t, []string{"de"}, data.Traffic.Hreflangs)
	assert.Equal(t, []string{"Organization", "WebSite"}, data.Traffic.StructuredData)
}

func TestCollect_CrawlKeepsLinkOrder(t *testing.T) {
	srv := newSite(t)
	data, err := New(testConfig()).Collect(context.Background(), srv.URL, 3)
	require.NoError(t, err)

	// Candidates in document order: /about, /contact (404), /quote.
	require.Len(t, data.Pages, 2)
	assert.Equal(t, srv.URL+"/about", data.Pages[0].URL)
	assert.Equal(t, "About", data.Pages[0].Title)
	assert.Equal(t, "About Acme", data.Pages[0].H1)
	assert.Equal(t, 5, data.Pages[0].WordCount)
	assert.Equal(t, srv.URL+"/contact", data.Pages[1].URL)
	assert.Equal(t, http.StatusNotFound, data.Pages[1].StatusCode)
}

func TestVisibleText_SeparatesAdjacentElements(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><body><h1>About Acme</h1><p>one two<b>three</b></p><ul><li>a</li><li>b</li></ul></body></html>`))
	require.NoError(t, err)

	text := visibleText(doc.Find("body"))
	assert.Equal(t, "About Acme one two three a b", text)
	assert.Len(t, strings.Fields(text), 7)
	assert.Equal(t, 7, snapshot(doc.Selection, "https://acme.example/", http.StatusOK).WordCount)
}

func TestCandidateLinks(t *testing.T) {
	srv := newSite(t)
	page, err := New(testConfig()).fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	assert.Equal(t, []string{
		srv.URL + "/about",
		srv.URL + "/contact",
		srv.URL + "/quote",
	}, candidateLinks(page))
}

func TestCollect_PrimaryFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(testConfig()).Collect(context.Background(), srv.URL, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

type failingScreenshotter struct{}

func (failingScreenshotter) Capture(context.Context, string) (*domain.Screenshots, error) {
	return nil, errors.New("no browser")
}

func TestCollect_SecondaryFailuresDegrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title>Bare</title></head><body><a href="/missing">x</a></body></html>`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	set := New(testConfig(), WithScreenshotter(failingScreenshotter{}), WithMetrics(rec))

	data, err := set.Collect(context.Background(), srv.URL, 2)
	require.NoError(t, err)
	assert.Nil(t, data.Screenshots)
	require.NotNil(t, data.Traffic)
	assert.False(t, data.Traffic.HasRobotsTxt)
	assert.Zero(t, data.Traffic.SitemapURLCount)

	expected := `
# HELP siteaudit_collector_failures_total Non-fatal collector failures by collector.
# TYPE siteaudit_collector_failures_total counter
siteaudit_collector_failures_total{collector="crawl"} 1
siteaudit_collector_failures_total{collector="screenshots"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "siteaudit_collector_failures_total"))
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res := NewProbe(time.Second, "test").Probe(context.Background(), srv.URL)
	assert.True(t, res.Reachable)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Empty(t, res.Error)

	tlsSrv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer tlsSrv.Close()

	res = NewProbe(time.Second, "test").Probe(context.Background(), tlsSrv.URL)
	assert.True(t, res.Reachable)
	assert.True(t, res.SSL.Enabled)
	assert.False(t, res.SSL.Valid)
	assert.Equal(t, "invalid SSL certificate", res.Error)

	res = NewProbe(time.Second, "test").Probe(context.Background(), "http://127.0.0.1:1")
	assert.False(t, res.Reachable)
	assert.Equal(t, "site is unreachable", res.Error)
}
