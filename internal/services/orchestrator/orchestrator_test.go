package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
	"siteaudit/internal/services/analysis"
	"siteaudit/internal/tokens"
)

// --- fakes ---

type fakeCollector struct {
	calls   atomic.Int32
	data    *domain.ScrapedData
	err     error
	release chan struct{} // when set, Collect blocks until closed and ignores ctx
}

func (f *fakeCollector) Collect(_ context.Context, url string, pages int) (*domain.ScrapedData, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	d := *f.data
	d.URL = url
	return &d, nil
}

type fakePerformance struct {
	metrics domain.PerformanceMetrics
	err     error
}

func (f *fakePerformance) FetchMetrics(context.Context, string) (domain.PerformanceMetrics, error) {
	return f.metrics, f.err
}

type fakeAnalyzer struct {
	scores      map[domain.Category]int
	briefPanics bool
	onAnalyze   func(ctx context.Context)

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, info domain.CategoryInfo, _ analysis.Input, tr *tokens.Tracker) domain.CategoryScore {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.onAnalyze != nil {
		f.onAnalyze(ctx)
	}
	time.Sleep(time.Millisecond)
	tr.Add(100, 50)
	score, ok := f.scores[info.ID]
	if !ok {
		score = 70
	}
	return domain.CategoryScore{
		Category: info.ID, Name: info.Name, Score: score, Weight: info.Weight,
		Issues: []domain.Issue{}, Passing: []domain.PassingItem{}, Recommendations: []string{},
	}
}

func (f *fakeAnalyzer) Brief(_ context.Context, d *domain.ScrapedData, tr *tokens.Tracker) domain.WebsiteBrief {
	if f.briefPanics {
		panic("brief exploded")
	}
	tr.Add(100, 50)
	return analysis.HeuristicBrief(d)
}

func (f *fakeAnalyzer) Summary(_ context.Context, _ *domain.ScrapedData, scores []domain.CategoryScore, tr *tokens.Tracker) string {
	tr.Add(100, 50)
	return analysis.GenericSummary(scores)
}

type fakeUsage struct {
	ent        domain.Entitlement
	err        error
	mu         sync.Mutex
	increments []string
}

func (f *fakeUsage) CheckUsage(context.Context, string) (domain.Entitlement, error) {
	return f.ent, f.err
}

func (f *fakeUsage) IncrementUsage(_ context.Context, callerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, callerID)
	return nil
}

type fakeAudits struct {
	createErr  error
	createGate chan struct{} // when set, CreateRecord blocks until closed
	mu         sync.Mutex
	created    []ports.NewAuditRecord
	completed  map[string]ports.AuditCompletion
	failed     map[string]string
}

func newFakeAudits() *fakeAudits {
	return &fakeAudits{completed: map[string]ports.AuditCompletion{}, failed: map[string]string{}}
}

func (f *fakeAudits) CreateRecord(_ context.Context, rec ports.NewAuditRecord) (string, error) {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, rec)
	return "rec-1", nil
}

func (f *fakeAudits) CompleteRecord(_ context.Context, id string, c ports.AuditCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = c
	return nil
}

func (f *fakeAudits) FailRecord(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	return nil
}

// --- harness ---

type harness struct {
	collector *fakeCollector
	perf      *fakePerformance
	analyzer  *fakeAnalyzer
	usage     *fakeUsage
	audits    *fakeAudits
	sleeps    []time.Duration
	cfg       Config
}

func newHarness() *harness {
	return &harness{
		collector: &fakeCollector{data: &domain.ScrapedData{
			FinalURL:        "https://acme.example/",
			StatusCode:      200,
			Title:           "Acme | Home",
			MetaDescription: "Widgets",
			Headings:        domain.Headings{H1: []string{"Widgets"}},
			Technical:       domain.TechnicalFlags{HasViewport: true},
			LoadTimeMs:      400,
		}},
		perf: &fakePerformance{metrics: domain.PerformanceMetrics{
			Mobile:  &domain.PerformanceSnapshot{Score: 60},
			Desktop: &domain.PerformanceSnapshot{Score: 90},
		}},
		analyzer: &fakeAnalyzer{},
		usage: &fakeUsage{ent: domain.Entitlement{
			Allowed: true, AuditsRemaining: 2, AuditsLimit: 3, PagesLimit: 5,
		}},
		audits: newFakeAudits(),
		cfg: Config{
			ScrapeTimeout: time.Second,
			BatchSize:     3,
			BatchDelay:    300 * time.Millisecond,
			MaxPages:      10,
		},
	}
}

func (h *harness) service() *Service {
	return New(Dependencies{
		Collector:   h.collector,
		Performance: h.perf,
		Analyzer:    h.analyzer,
		Usage:       h.usage,
		Audits:      h.audits,
	}, h.cfg, WithSleep(func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}))
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
			return out
		}
	}
}

func names(events []Event) string {
	n := make([]string, len(events))
	for i, ev := range events {
		n[i] = ev.Type
	}
	return strings.Join(n, ",")
}

func mustRun(t *testing.T, s *Service, req domain.AuditRequest) []Event {
	t.Helper()
	run, err := s.Prepare(context.Background(), req)
	require.NoError(t, err)
	return drain(t, run.Start(context.Background()))
}

func last(events []Event) Event { return events[len(events)-1] }

// --- tests ---

func TestRun_StreamingOrder(t *testing.T) {
	h := newHarness()
	events := mustRun(t, h.service(), domain.AuditRequest{URL: "acme.example", CallerID: "user-1"})

	pattern := regexp.MustCompile(`^(status,)+scraped,(status,)*pagespeed,(status,)*brief,(status,)*(category,){10}(status,)*pages,complete$`)
	assert.Regexp(t, pattern, names(events))

	result, ok := last(events).Data.(*domain.AuditResult)
	require.True(t, ok)
	assert.Equal(t, "rec-1", result.ID)
	assert.Equal(t, "https://acme.example", result.URL)
	assert.Len(t, result.Categories, 10)
	assert.Equal(t, int64(150*12), result.TokenUsage.TotalTokens)

	first := events[0].Data.(StatusData)
	assert.Equal(t, PhaseScraping, first.Phase)
}

func TestRun_BatchesAndDelay(t *testing.T) {
	h := newHarness()
	mustRun(t, h.service(), domain.AuditRequest{URL: "https://acme.example", Admin: true})

	assert.LessOrEqual(t, h.analyzer.maxInFlight, 3)
	// 10 categories in batches of 3: four batches, three waits.
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, h.sleeps)
}

func TestRun_CategorySubsetFidelity(t *testing.T) {
	h := newHarness()
	h.analyzer.scores = map[domain.Category]int{
		domain.CategorySEO:      80,
		domain.CategorySecurity: 40,
		domain.CategoryTrust:    90,
	}
	events := mustRun(t, h.service(), domain.AuditRequest{
		URL:        "https://acme.example",
		Categories: []domain.Category{domain.CategoryTrust, domain.CategorySEO, domain.CategorySecurity},
	})

	result := last(events).Data.(*domain.AuditResult)
	got := make([]domain.Category, len(result.Categories))
	for i, c := range result.Categories {
		got[i] = c.Category
	}
	assert.Equal(t, []domain.Category{domain.CategorySecurity, domain.CategorySEO, domain.CategoryTrust}, got)
	// (40·10 + 80·15 + 90·5) / 30 = 68.33
	assert.Equal(t, 68, result.OverallScore)
	assert.Equal(t, 68, h.audits.completed["rec-1"].Score)
}

func TestRun_RunningScoreTracksCompletedCategories(t *testing.T) {
	h := newHarness()
	h.analyzer.scores = map[domain.Category]int{
		domain.CategoryTechnical: 10, domain.CategorySecurity: 95, domain.CategorySEO: 33,
		domain.CategoryPerformance: 61, domain.CategoryContent: 72, domain.CategoryBrand: 88,
	}
	events := mustRun(t, h.service(), domain.AuditRequest{URL: "https://acme.example", Admin: true})

	var seen []domain.CategoryScore
	for _, ev := range events {
		if ev.Type != EventCategory {
			continue
		}
		data := ev.Data.(CategoryData)
		seen = append(seen, data.Category)
		assert.Equal(t, domain.OverallScore(seen), data.RunningScore)
		assert.Equal(t, len(seen), data.Completed)
		assert.Equal(t, 10, data.Total)
	}
	assert.Equal(t, domain.OverallScore(seen), last(events).Data.(*domain.AuditResult).OverallScore)
}

func TestPrepare_EntitlementExhausted(t *testing.T) {
	h := newHarness()
	h.usage.ent = domain.Entitlement{
		Allowed: false, Reason: "monthly limit reached", AuditsRemaining: 0, AuditsLimit: 3, UpgradeURL: "/pricing",
	}

	run, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "https://acme.example", CallerID: "user-1"})
	require.Error(t, err)
	assert.Nil(t, run)

	var limitErr *UsageLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 0, limitErr.Entitlement.AuditsRemaining)
	assert.Equal(t, "/pricing", limitErr.Entitlement.UpgradeURL)
	assert.Zero(t, h.collector.calls.Load())
	assert.Empty(t, h.audits.created)
}

func TestPrepare_AdminBypassesEntitlement(t *testing.T) {
	h := newHarness()
	h.usage.ent = domain.Entitlement{Allowed: false}
	h.usage.err = errors.New("must not be called")

	run, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "https://acme.example", Admin: true, Pages: 50})
	require.NoError(t, err)
	assert.Equal(t, 10, run.Pages())
	assert.Len(t, run.Categories(), 10)
}

func TestPrepare_UsageServiceFailure(t *testing.T) {
	h := newHarness()
	h.usage.err = errors.New("connection refused")

	_, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "https://acme.example", CallerID: "u"})
	assert.ErrorIs(t, err, ErrUsageUnavailable)

	h.cfg.FailOpen = true
	run, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "https://acme.example", CallerID: "u"})
	require.NoError(t, err)
	assert.Len(t, run.Categories(), 10)
}

func TestPrepare_Validation(t *testing.T) {
	s := newHarness().service()

	_, err := s.Prepare(context.Background(), domain.AuditRequest{URL: "  "})
	assert.ErrorIs(t, err, ErrMissingURL)

	_, err = s.Prepare(context.Background(), domain.AuditRequest{URL: "ftp://acme.example"})
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = s.Prepare(context.Background(), domain.AuditRequest{URL: "acme.example", Categories: []domain.Category{"seo", "vibes"}})
	var unknown *domain.UnknownCategoryError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"vibes"}, unknown.Names)
}

func TestPrepare_PlanCategoriesAndPages(t *testing.T) {
	h := newHarness()
	h.usage.ent.AllowedCategories = []domain.Category{domain.CategorySEO, domain.CategoryTechnical}

	run, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "acme.example", Pages: 50})
	require.NoError(t, err)
	assert.Equal(t, 5, run.Pages())
	assert.Equal(t, []domain.CategoryInfo{domain.Catalog[0], domain.Catalog[2]}, run.Categories())
	resolved := run.Request()
	assert.Equal(t, "https://acme.example", resolved.URL)
	assert.Equal(t, 5, resolved.Pages)
	assert.Equal(t, []domain.Category{domain.CategoryTechnical, domain.CategorySEO}, resolved.Categories)

	_, err = h.service().Prepare(context.Background(), domain.AuditRequest{
		URL: "acme.example", Categories: []domain.Category{domain.CategoryBrand},
	})
	var limitErr *UsageLimitError
	assert.ErrorAs(t, err, &limitErr)
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"acme.example":                "https://acme.example",
		"HTTP://Acme.Example/a#frag":  "http://acme.example/a",
		" https://acme.example/x?y=1": "https://acme.example/x?y=1",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"mailto:a@b.c", "https://", "javascript://x"} {
		_, err := NormalizeURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestRun_PerformanceFailureYieldsNulls(t *testing.T) {
	h := newHarness()
	h.perf.err = errors.New("pagespeed down")
	h.perf.metrics = domain.PerformanceMetrics{}
	events := mustRun(t, h.service(), domain.AuditRequest{URL: "https://acme.example"})

	assert.Equal(t, EventComplete, last(events).Type)
	for _, ev := range events {
		if ev.Type == EventPageSpeed {
			raw, err := json.Marshal(ev.Data)
			require.NoError(t, err)
			assert.JSONEq(t, `{"mobile": null, "desktop": null}`, string(raw))
			return
		}
	}
	t.Fatal("no pagespeed event")
}

func TestRun_ScrapeTimeout(t *testing.T) {
	h := newHarness()
	h.cfg.ScrapeTimeout = 50 * time.Millisecond
	h.collector.release = make(chan struct{})
	defer close(h.collector.release)

	events := mustRun(t, h.service(), domain.AuditRequest{URL: "https://acme.example"})

	assert.Equal(t, "status,error", names(events))
	msg := last(events).Data.(ErrorData).Message
	assert.Contains(t, msg, "timeout")
	assert.Contains(t, h.audits.failed["rec-1"], ErrScrapeTimeout.Error())
	assert.Empty(t, h.audits.completed)
}

func TestRun_CollectionFailure(t *testing.T) {
	h := newHarness()
	h.collector.err = errors.New("connection refused")

	events := mustRun(t, h.service(), domain.AuditRequest{URL: "https://acme.example"})
	assert.Equal(t, EventError, last(events).Type)
	assert.NotContains(t, last(events).Data.(ErrorData).Message, "connection refused")
	assert.Contains(t, h.audits.failed["rec-1"], "connection refused")
}

func TestRun_UsageIncrement(t *testing.T) {
	cases := []struct {
		name string
		req  domain.AuditRequest
		want []string
	}{
		{"authenticated", domain.AuditRequest{URL: "acme.example", CallerID: "user-1"}, []string{"user-1"}},
		{"anonymous", domain.AuditRequest{URL: "acme.example"}, nil},
		{"admin", domain.AuditRequest{URL: "acme.example", CallerID: "user-1", Admin: true}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			events := mustRun(t, h.service(), tc.req)
			require.Equal(t, EventComplete, last(events).Type)
			assert.Equal(t, tc.want, h.usage.increments)
		})
	}
}

func TestRun_RecordCreationFailureUsesLocalID(t *testing.T) {
	h := newHarness()
	h.audits.createErr = errors.New("db down")
	events := mustRun(t, h.service(), domain.AuditRequest{URL: "acme.example"})

	result := last(events).Data.(*domain.AuditResult)
	assert.NotEmpty(t, result.ID)
	assert.NotEqual(t, "rec-1", result.ID)
}

func TestRun_StartTwice(t *testing.T) {
	run, err := newHarness().service().Prepare(context.Background(), domain.AuditRequest{URL: "acme.example"})
	require.NoError(t, err)

	first := run.Start(context.Background())
	second := run.Start(context.Background())
	_, open := <-second
	assert.False(t, open)
	assert.Equal(t, EventComplete, last(drain(t, first)).Type)
}

func TestRun_CancelledMidAnalysis(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.analyzer.onAnalyze = func(context.Context) { cancel() }

	run, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "acme.example", CallerID: "u"})
	require.NoError(t, err)
	events := drain(t, run.Start(ctx))

	for _, ev := range events {
		assert.NotEqual(t, EventComplete, ev.Type)
	}
	assert.Equal(t, "audit cancelled: context canceled", h.audits.failed["rec-1"])
	assert.Empty(t, h.usage.increments)
}

func TestRun_TimeoutIsRecordedAsTimeout(t *testing.T) {
	h := newHarness()
	h.collector.release = make(chan struct{})
	defer close(h.collector.release)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	run, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "acme.example"})
	require.NoError(t, err)
	events := drain(t, run.Start(ctx))

	assert.Equal(t, EventStatus, events[0].Type)
	failed := h.audits.failed["rec-1"]
	assert.Contains(t, failed, ErrCancelled.Error())
	assert.Contains(t, failed, context.DeadlineExceeded.Error())
	assert.Empty(t, h.audits.completed)
}

func TestUserMessage_TimeoutAndCancel(t *testing.T) {
	timedOut := fmt.Errorf("%w: %w", ErrCancelled, context.DeadlineExceeded)
	assert.Equal(t, "The audit took too long and was stopped.", userMessage(timedOut))
	cancelled := fmt.Errorf("%w: %w", ErrCancelled, context.Canceled)
	assert.Equal(t, "The audit was cancelled.", userMessage(cancelled))
	assert.Equal(t, "The audit was cancelled.", userMessage(ErrCancelled))
}

func TestRun_FirstStatusPrecedesRecordCreation(t *testing.T) {
	h := newHarness()
	h.audits.createGate = make(chan struct{})

	run, err := h.service().Prepare(context.Background(), domain.AuditRequest{URL: "acme.example"})
	require.NoError(t, err)
	ch := run.Start(context.Background())

	select {
	case ev := <-ch:
		require.Equal(t, EventStatus, ev.Type)
		assert.Equal(t, PhaseScraping, ev.Data.(StatusData).Phase)
		assert.Equal(t, 2, ev.Data.(StatusData).Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("no status event while the audit record was being created")
	}
	h.audits.mu.Lock()
	assert.Empty(t, h.audits.created)
	h.audits.mu.Unlock()

	close(h.audits.createGate)
	events := drain(t, ch)
	require.Equal(t, EventComplete, last(events).Type)
	assert.Equal(t, "rec-1", last(events).Data.(*domain.AuditResult).ID)
	for _, ev := range events {
		if sd, ok := ev.Data.(StatusData); ok {
			assert.NotEqual(t, 2, sd.Progress, "initial status emitted twice")
		}
	}
}

func TestRun_PanicBecomesErrorEvent(t *testing.T) {
	h := newHarness()
	h.analyzer.briefPanics = true
	events := mustRun(t, h.service(), domain.AuditRequest{URL: "acme.example"})

	assert.Equal(t, EventError, last(events).Type)
	assert.Equal(t, "An unexpected error occurred while running the audit.", last(events).Data.(ErrorData).Message)
	assert.Contains(t, h.audits.failed["rec-1"], "brief exploded")
}

func TestScorePages(t *testing.T) {
	d := &domain.ScrapedData{
		FinalURL:        "https://acme.example/",
		StatusCode:      200,
		Title:           "Home",
		MetaDescription: "desc",
		Headings:        domain.Headings{H1: []string{"Hi"}},
		Technical:       domain.TechnicalFlags{HasViewport: true},
		LoadTimeMs:      200,
		Pages: []domain.PageSnapshot{
			{URL: "https://acme.example/a", StatusCode: 404, LoadTimeMs: 4000},
			{URL: "https://acme.example/b", Title: "B", MetaDescription: "m", H1: "h", HasViewport: true, StatusCode: 200, LoadTimeMs: 2000},
			{URL: "https://acme.example/c", Title: "C", MetaDescription: "m", H1: "h", HasViewport: true, StatusCode: 200},
		},
	}
	got := ScorePages(d)

	scores := make([]int, len(got.All))
	for i, p := range got.All {
		scores[i] = p.Score
	}
	// /a: 100 - 25 - 15 - 10 - 10 - 10 - 10 = 20
	assert.Equal(t, []int{100, 20, 95, 100}, scores)
	assert.Equal(t, "https://acme.example/", got.Best.URL)
	assert.Equal(t, "https://acme.example/a", got.Worst.URL)
	assert.Len(t, got.All[1].Notes, 6)
}
