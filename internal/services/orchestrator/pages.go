package orchestrator

import (
	"net/http"

	"siteaudit/internal/domain"
)

const (
	slowLoadMs     = 3000
	sluggishLoadMs = 1500
)

// ScorePages gives every collected page (the primary page first, then the
// crawl in order) a deterministic on-page score. Ties for best and worst
// go to the earlier page.
func ScorePages(d *domain.ScrapedData) domain.PageScores {
	primary := domain.PageSnapshot{
		URL:             firstNonEmpty(d.FinalURL, d.URL),
		Title:           d.Title,
		MetaDescription: d.MetaDescription,
		StatusCode:      d.StatusCode,
		LoadTimeMs:      d.LoadTimeMs,
		HasViewport:     d.Technical.HasViewport,
	}
	if len(d.Headings.H1) > 0 {
		primary.H1 = d.Headings.H1[0]
	}

	snaps := append([]domain.PageSnapshot{primary}, d.Pages...)
	out := domain.PageScores{All: make([]domain.PageScore, 0, len(snaps))}
	for _, p := range snaps {
		out.All = append(out.All, scorePage(p))
	}

	best, worst := 0, 0
	for i, p := range out.All {
		if p.Score > out.All[best].Score {
			best = i
		}
		if p.Score < out.All[worst].Score {
			worst = i
		}
	}
	out.Best = &out.All[best]
	out.Worst = &out.All[worst]
	return out
}

func scorePage(p domain.PageSnapshot) domain.PageScore {
	score := 100
	notes := []string{}
	deduct := func(points int, note string) {
		score -= points
		notes = append(notes, note)
	}

	if p.StatusCode < http.StatusOK || p.StatusCode >= http.StatusMultipleChoices {
		deduct(25, "Page returned a non-success status")
	}
	if p.Title == "" {
		deduct(15, "Missing title")
	}
	if p.MetaDescription == "" {
		deduct(10, "Missing meta description")
	}
	if p.H1 == "" {
		deduct(10, "Missing H1 heading")
	}
	if !p.HasViewport {
		deduct(10, "No mobile viewport")
	}
	switch {
	case p.LoadTimeMs > slowLoadMs:
		deduct(10, "Slow load time")
	case p.LoadTimeMs > sluggishLoadMs:
		deduct(5, "Load time could be faster")
	}

	return domain.PageScore{
		URL:        p.URL,
		Title:      p.Title,
		StatusCode: p.StatusCode,
		Score:      max(0, min(100, score)),
		Notes:      notes,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
