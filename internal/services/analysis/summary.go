package analysis

import (
	"context"
	"fmt"
	"strings"

	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/tokens"
)

// Summary writes the executive summary. It follows the same retry discipline
// as the other call sites and falls back to GenericSummary on failure.
func (a *Analyzer) Summary(ctx context.Context, d *domain.ScrapedData, scores []domain.CategoryScore, tracker *tokens.Tracker) string {
	text, err := a.generate(ctx, "summary", summaryPrompt(d, scores), summaryMaxTokens, tracker)
	if err != nil {
		a.logger.Warn("Summary generation failed, using generic summary", logger.Error(err))
		return GenericSummary(scores)
	}
	text = strings.TrimSpace(stripFences(text))
	if text == "" {
		return GenericSummary(scores)
	}
	return text
}

// GenericSummary names the overall score and the strongest and weakest
// categories.
func GenericSummary(scores []domain.CategoryScore) string {
	if len(scores) == 0 {
		return "The audit completed, but no categories were scored."
	}
	best, worst := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score {
			best = s
		}
		if s.Score < worst.Score {
			worst = s
		}
	}
	return fmt.Sprintf(
		"The site scored %d/100 overall across %d categories. Its strongest area is %s (%d/100) and the area most in need of attention is %s (%d/100).",
		domain.OverallScore(scores), len(scores), best.Name, best.Score, worst.Name, worst.Score,
	)
}
