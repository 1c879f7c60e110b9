package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/ports"
	"siteaudit/internal/services/analysis"
	"siteaudit/internal/tokens"
)

const eventBuffer = 16

// Run is a prepared audit. Start may be called once.
type Run struct {
	svc         *Service
	req         domain.AuditRequest
	categories  []domain.CategoryInfo
	pages       int
	entitlement domain.Entitlement
	started     atomic.Bool
}

// URL is the normalised target.
func (r *Run) URL() string { return r.req.URL }

// Categories are the categories this run will score, in catalog order.
func (r *Run) Categories() []domain.CategoryInfo { return r.categories }

// Pages is the number of pages that will be collected.
func (r *Run) Pages() int { return r.pages }

func (r *Run) Entitlement() domain.Entitlement { return r.entitlement }

// Request is the request as it will run: normalised URL, clamped pages and
// the resolved category set.
func (r *Run) Request() domain.AuditRequest {
	req := r.req
	req.Pages = r.pages
	req.Categories = make([]domain.Category, len(r.categories))
	for i, c := range r.categories {
		req.Categories[i] = c.ID
	}
	return req
}

// Start launches the run and returns its event stream. The channel is closed
// after the terminal complete or error event. Cancelling ctx aborts the run.
// Calling Start again returns an already-closed channel.
func (r *Run) Start(ctx context.Context) <-chan Event {
	ch := make(chan Event, eventBuffer)
	if !r.started.CompareAndSwap(false, true) {
		close(ch)
		return ch
	}
	go r.execute(ctx, ch)
	return ch
}

// execution is the per-run mutable state.
type execution struct {
	*Run
	ctx      context.Context
	ch       chan<- Event
	log      logger.Logger
	recordID string
	tracker  *tokens.Tracker
	created  time.Time
}

func (r *Run) execute(ctx context.Context, ch chan Event) {
	defer close(ch)

	x := &execution{
		Run:     r,
		ctx:     ctx,
		ch:      ch,
		tracker: tokens.NewTracker(),
		created: time.Now().UTC(),
	}
	// The first status frame goes out before the record is persisted.
	started := x.emit(statusEvent(PhaseScraping, "Checking the site", 2))
	x.recordID = x.createRecord()
	x.log = r.svc.logger.With(logger.String("audit_id", x.recordID), logger.String("url", r.req.URL))

	defer func() {
		if p := recover(); p != nil {
			x.log.Error("Audit panicked", logger.String("panic", fmt.Sprint(p)))
			x.fail(panicError(p))
		}
	}()

	x.log.Info("Audit started",
		logger.Int("pages", r.pages),
		logger.Int("categories", len(r.categories)),
		logger.Bool("admin", r.req.Admin),
	)
	if !started {
		x.fail(x.cancelled())
		return
	}
	if err := x.pipeline(); err != nil {
		x.fail(err)
		return
	}
	r.svc.metrics.AuditFinished("completed", time.Since(x.created))
}

// emit delivers ev unless the run has been cancelled.
func (x *execution) emit(ev Event) bool {
	select {
	case x.ch <- ev:
		return true
	case <-x.ctx.Done():
		return false
	}
}

func (x *execution) createRecord() string {
	if x.req.RecordID != "" {
		return x.req.RecordID
	}
	audits := x.svc.deps.Audits
	if audits == nil {
		return uuid.NewString()
	}
	id, err := audits.CreateRecord(context.WithoutCancel(x.ctx), ports.NewAuditRecord{
		URL:       x.req.URL,
		SourceIP:  x.req.SourceIP,
		UserAgent: x.req.UserAgent,
		CallerID:  x.req.CallerID,
		IsAdmin:   x.req.Admin,
	})
	if err != nil {
		id = uuid.NewString()
		x.svc.logger.Warn("Audit record not created, using local id",
			logger.String("audit_id", id),
			logger.Error(err),
		)
	}
	return id
}

// cancelled wraps the context error so a run timeout and a client disconnect
// stay distinguishable in the failed record.
func (x *execution) cancelled() error {
	cause := context.Cause(x.ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func (x *execution) pipeline() error {
	perf := x.startPerformance()
	data, err := x.collect()
	if err != nil {
		return err
	}
	if !x.emit(Event{Type: EventScraped, Data: ScrapedData{
		URL:        data.URL,
		FinalURL:   data.FinalURL,
		Title:      data.Title,
		StatusCode: data.StatusCode,
		SSL:        data.SSL,
		LoadTimeMs: data.LoadTimeMs,
	}}) {
		return x.cancelled()
	}

	if !x.emit(statusEvent(PhasePageSpeed, "Measuring performance", 30)) {
		return x.cancelled()
	}
	var metrics domain.PerformanceMetrics
	select {
	case metrics = <-perf:
	case <-x.ctx.Done():
		return x.cancelled()
	}
	if !x.emit(Event{Type: EventPageSpeed, Data: metrics}) {
		return x.cancelled()
	}

	if !x.emit(statusEvent(PhaseBrief, "Understanding the business", 40)) {
		return x.cancelled()
	}
	brief := x.svc.deps.Analyzer.Brief(x.ctx, data, x.tracker)
	if !x.emit(Event{Type: EventBrief, Data: brief}) {
		return x.cancelled()
	}

	msg := fmt.Sprintf("Analyzing %d categories", len(x.categories))
	if !x.emit(statusEvent(PhaseAnalyzing, msg, 45)) {
		return x.cancelled()
	}
	scores, err := x.analyze(data, metrics)
	if err != nil {
		return err
	}

	if !x.emit(statusEvent(PhaseSummary, "Writing the summary", 92)) {
		return x.cancelled()
	}
	summary := x.svc.deps.Analyzer.Summary(x.ctx, data, scores, x.tracker)
	if err := x.ctx.Err(); err != nil {
		return x.cancelled()
	}

	pages := ScorePages(data)
	result := &domain.AuditResult{
		ID:           x.recordID,
		URL:          x.req.URL,
		OverallScore: domain.OverallScore(scores),
		Categories:   scores,
		Summary:      summary,
		Pages:        pages,
		Brief:        brief,
		TokenUsage:   x.tracker.Usage(),
		Performance:  metrics,
		CreatedAt:    x.created,
		CompletedAt:  time.Now().UTC(),
	}
	x.complete(result)

	if !x.emit(Event{Type: EventPages, Data: PagesData{Pages: pages.All, Best: pages.Best, Worst: pages.Worst}}) {
		return nil
	}
	x.emit(Event{Type: EventComplete, Data: result})
	return nil
}

// startPerformance fetches performance metrics in the background. The
// returned channel always yields exactly one value; failures yield nulls.
func (x *execution) startPerformance() <-chan domain.PerformanceMetrics {
	out := make(chan domain.PerformanceMetrics, 1)
	fetcher := x.svc.deps.Performance
	if fetcher == nil {
		out <- domain.PerformanceMetrics{}
		return out
	}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				x.log.Error("Performance fetch panicked", logger.String("panic", fmt.Sprint(p)))
				out <- domain.PerformanceMetrics{}
			}
		}()
		m, err := fetcher.FetchMetrics(x.ctx, x.req.URL)
		if err != nil {
			x.svc.metrics.CollectorFailed("pagespeed")
			x.log.Warn("Performance metrics unavailable", logger.Error(err))
			m = domain.PerformanceMetrics{}
		}
		out <- m
	}()
	return out
}

type collectResult struct {
	data *domain.ScrapedData
	err  error
}

// collect runs the probe and the collector set concurrently and races the
// collection against the scrape deadline. A collector that ignores
// cancellation is abandoned when the deadline fires.
func (x *execution) collect() (*domain.ScrapedData, error) {
	cctx, cancel := context.WithCancel(x.ctx)
	defer cancel()

	probed := make(chan domain.ProbeResult, 1)
	if p := x.svc.deps.Prober; p != nil {
		go func() {
			defer func() {
				if p := recover(); p != nil {
					probed <- domain.ProbeResult{Error: "site check failed"}
				}
			}()
			pctx, pcancel := context.WithTimeout(cctx, x.svc.cfg.ProbeTimeout)
			defer pcancel()
			probed <- p.Probe(pctx, x.req.URL)
		}()
	}

	collected := make(chan collectResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				collected <- collectResult{err: panicError(p)}
			}
		}()
		d, err := x.svc.deps.Collector.Collect(cctx, x.req.URL, x.pages)
		collected <- collectResult{data: d, err: err}
	}()

	deadline := time.NewTimer(x.svc.cfg.ScrapeTimeout)
	defer deadline.Stop()

	for {
		select {
		case res := <-probed:
			if !x.emit(statusEvent(PhaseScraping, probeMessage(res), 10)) {
				return nil, x.cancelled()
			}
		case res := <-collected:
			if res.err != nil {
				if x.ctx.Err() != nil {
					return nil, x.cancelled()
				}
				return nil, fmt.Errorf("%w: %w", ErrCollectionFailed, res.err)
			}
			if res.data == nil {
				return nil, ErrCollectionFailed
			}
			return res.data, nil
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", ErrScrapeTimeout, x.svc.cfg.ScrapeTimeout)
		case <-x.ctx.Done():
			return nil, x.cancelled()
		}
	}
}

func probeMessage(res domain.ProbeResult) string {
	switch {
	case !res.Reachable:
		return "Site check failed: " + res.Error
	case res.SSL.Enabled && !res.SSL.Valid:
		return "Site reachable, but its SSL certificate is not valid. Collecting data"
	case res.SSL.Enabled:
		return "Site reachable over HTTPS. Collecting data"
	default:
		return "Site reachable. Collecting data"
	}
}

// analyze scores the selected categories in sequential batches. Within a
// batch every category runs concurrently and each result is folded into the
// running score and emitted as soon as it lands.
func (x *execution) analyze(data *domain.ScrapedData, metrics domain.PerformanceMetrics) ([]domain.CategoryScore, error) {
	in := analysis.Input{Data: data, Performance: metrics}
	total := len(x.categories)
	size := x.svc.cfg.BatchSize

	var (
		running domain.RunningScore
		scores  = make([]domain.CategoryScore, 0, total)
	)
	for start := 0; start < total; start += size {
		if start > 0 {
			if err := x.svc.sleep(x.ctx, x.svc.cfg.BatchDelay); err != nil {
				return nil, x.cancelled()
			}
		}
		batch := x.categories[start:min(start+size, total)]

		results := make(chan domain.CategoryScore, len(batch))
		var g errgroup.Group
		for _, info := range batch {
			g.Go(func() error {
				defer func() {
					if p := recover(); p != nil {
						x.log.Error("Category analysis panicked",
							logger.String("category", string(info.ID)),
							logger.String("panic", fmt.Sprint(p)),
						)
						results <- analysis.FallbackScore(info)
					}
				}()
				results <- x.svc.deps.Analyzer.Analyze(x.ctx, info, in, x.tracker)
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(results)
		}()

		for score := range results {
			running.Add(score.Score, score.Weight)
			scores = append(scores, score)
			if !x.emit(Event{Type: EventCategory, Data: CategoryData{
				Category:     score,
				RunningScore: running.Value(),
				Completed:    running.Count(),
				Total:        total,
			}}) {
				return nil, x.cancelled()
			}
		}
		if x.ctx.Err() != nil {
			return nil, x.cancelled()
		}
	}

	order := make(map[domain.Category]int, total)
	for i, info := range x.categories {
		order[info.ID] = i
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return order[scores[i].Category] < order[scores[j].Category]
	})
	return scores, nil
}

// complete persists the result and counts the audit against the caller.
// Both writes survive cancellation of the run context.
func (x *execution) complete(result *domain.AuditResult) {
	ctx := context.WithoutCancel(x.ctx)
	if audits := x.svc.deps.Audits; audits != nil {
		err := audits.CompleteRecord(ctx, x.recordID, ports.AuditCompletion{
			Score:          result.OverallScore,
			CategoryScores: result.Categories,
			Summary:        result.Summary,
			Brief:          result.Brief,
			TokenUsage:     result.TokenUsage,
			Result:         result,
		})
		if err != nil {
			x.log.Error("Failed to persist completed audit", logger.Error(err))
		}
	}
	x.log.Info("Audit completed",
		logger.Int("score", result.OverallScore),
		logger.Int64("total_tokens", result.TokenUsage.TotalTokens),
		logger.Float64("estimated_cost", result.TokenUsage.EstimatedCost),
	)
	if x.req.Admin || x.req.CallerID == "" || x.svc.deps.Usage == nil {
		return
	}
	if err := x.svc.deps.Usage.IncrementUsage(ctx, x.req.CallerID); err != nil {
		x.log.Error("Failed to increment usage", logger.String("caller_id", x.req.CallerID), logger.Error(err))
	}
}

// fail records err and emits the terminal error event.
func (x *execution) fail(err error) {
	outcome := "failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	}
	x.svc.metrics.AuditFinished(outcome, time.Since(x.created))
	x.log.Warn("Audit failed", logger.String("outcome", outcome), logger.Error(err))

	if audits := x.svc.deps.Audits; audits != nil {
		if ferr := audits.FailRecord(context.WithoutCancel(x.ctx), x.recordID, err.Error()); ferr != nil {
			x.log.Error("Failed to persist failed audit", logger.Error(ferr))
		}
	}
	x.emit(Event{Type: EventError, Data: ErrorData{Message: userMessage(err)}})
}
