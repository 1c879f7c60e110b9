package analysis

import (
	"context"
	"net/url"
	"strings"

	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/tokens"
)

// Placeholders used whenever real brief data is unavailable.
const (
	placeholderDescription = "No description available"
	placeholderAudience    = "General audience"
	placeholderIndustry    = "Unknown"
	placeholderSiteType    = "Website"
)

type rawBrief struct {
	BusinessName        string `json:"businessName"`
	BusinessDescription string `json:"businessDescription"`
	TargetAudience      string `json:"targetAudience"`
	Industry            string `json:"industry"`
	SiteType            string `json:"siteType"`
	WebsiteType         string `json:"websiteType"`
	SiteStructure       string `json:"siteStructure"`
}

// Brief derives the business profile. Any model or parse failure falls back
// to HeuristicBrief; the result always has every required field set.
func (a *Analyzer) Brief(ctx context.Context, d *domain.ScrapedData, tracker *tokens.Tracker) domain.WebsiteBrief {
	fallback := HeuristicBrief(d)

	text, err := a.generate(ctx, "brief", briefPrompt(d), briefMaxTokens, tracker)
	if err != nil {
		a.logger.Warn("Brief generation failed, using heuristic", logger.Error(err))
		return fallback
	}
	var raw rawBrief
	if err := extractObject(text, &raw); err != nil {
		a.logger.Warn("Unparseable brief output, using heuristic", logger.Error(err))
		return fallback
	}

	return domain.WebsiteBrief{
		BusinessName:        firstNonEmpty(raw.BusinessName, fallback.BusinessName),
		BusinessDescription: firstNonEmpty(raw.BusinessDescription, fallback.BusinessDescription),
		TargetAudience:      firstNonEmpty(raw.TargetAudience, fallback.TargetAudience),
		Industry:            firstNonEmpty(raw.Industry, fallback.Industry),
		SiteType:            firstNonEmpty(raw.SiteType, fallback.SiteType),
		TotalPages:          fallback.TotalPages,
		WebsiteType:         strings.TrimSpace(raw.WebsiteType),
		SiteStructure:       strings.TrimSpace(raw.SiteStructure),
	}
}

// HeuristicBrief builds a brief from page text alone.
func HeuristicBrief(d *domain.ScrapedData) domain.WebsiteBrief {
	return domain.WebsiteBrief{
		BusinessName:        businessNameFromTitle(d),
		BusinessDescription: firstNonEmpty(d.MetaDescription, placeholderDescription),
		TargetAudience:      placeholderAudience,
		Industry:            placeholderIndustry,
		SiteType:            placeholderSiteType,
		TotalPages:          totalPages(d),
	}
}

var titleSeparators = []string{"|", "–", "-"}

func businessNameFromTitle(d *domain.ScrapedData) string {
	name := d.Title
	for _, sep := range titleSeparators {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if u, err := url.Parse(firstNonEmpty(d.FinalURL, d.URL)); err == nil && u.Hostname() != "" {
		return strings.TrimPrefix(u.Hostname(), "www.")
	}
	return "Unknown business"
}

func totalPages(d *domain.ScrapedData) int {
	if d.Traffic != nil && d.Traffic.SitemapURLCount > 0 {
		return d.Traffic.SitemapURLCount
	}
	return 1 + len(d.Pages)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
