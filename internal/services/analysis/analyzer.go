// Package analysis turns collected site data into scored categories, a
// business brief and an executive summary using the external model.
package analysis

import (
	"context"
	"time"

	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/metrics"
	"siteaudit/internal/ports"
	"siteaudit/internal/retry"
	"siteaudit/internal/tokens"
)

// Output budgets per call site. Temperature is always zero so repeated
// audits of unchanged content score the same.
const (
	categoryMaxTokens = 1500
	briefMaxTokens    = 500
	summaryMaxTokens  = 400
)

// Analyzer runs every model-backed step of an audit.
type Analyzer struct {
	model   ports.TextGenerator
	retry   retry.Config
	logger  logger.Logger
	metrics *metrics.Recorder
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithRetry overrides the default backoff settings.
func WithRetry(cfg retry.Config) Option {
	return func(a *Analyzer) { a.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Analyzer) { a.metrics = m }
}

func New(model ports.TextGenerator, opts ...Option) *Analyzer {
	a := &Analyzer{
		model:  model,
		retry:  retry.DefaultConfig(),
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// generate calls the model through the retry wrapper and records usage.
func (a *Analyzer) generate(ctx context.Context, site, prompt string, maxTokens int64, tracker *tokens.Tracker) (string, error) {
	cfg := a.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		a.metrics.ModelRetry()
		a.logger.Warn("Model rate limited, backing off",
			logger.String("site", site),
			logger.Int("attempt", attempt+1),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
	}

	req := ports.GenerateRequest{Prompt: prompt, MaxOutputTokens: maxTokens, Temperature: 0}
	gen, err := retry.Do(ctx, cfg, func(ctx context.Context) (ports.Generation, error) {
		return a.model.Generate(ctx, req)
	})
	if err != nil {
		a.metrics.ModelCall(site, "error")
		return "", err
	}
	tracker.Add(gen.InputTokens, gen.OutputTokens)
	a.metrics.ModelCall(site, "ok")
	return gen.Text, nil
}

// Analyze scores one category. It never fails: model errors and unusable
// output both yield FallbackScore.
func (a *Analyzer) Analyze(ctx context.Context, info domain.CategoryInfo, in Input, tracker *tokens.Tracker) domain.CategoryScore {
	log := a.logger.With(logger.String("category", string(info.ID)))

	prompt, err := CategoryPrompt(info.ID, in)
	if err != nil {
		log.Error("Category prompt missing", logger.Error(err))
		return FallbackScore(info)
	}

	text, err := a.generate(ctx, "category", prompt, categoryMaxTokens, tracker)
	if err != nil {
		log.Warn("Category analysis failed, using fallback", logger.Error(err))
		return FallbackScore(info)
	}

	score, err := parseCategoryResult(text, info)
	if err != nil {
		log.Warn("Unparseable category output, using fallback", logger.Error(err))
		return FallbackScore(info)
	}
	a.metrics.CategoryScored(string(info.ID), score.Score)
	return score
}
