package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"siteaudit/internal/domain"
)

// Input is everything a prompt may draw on.
type Input struct {
	Data        *domain.ScrapedData
	Performance domain.PerformanceMetrics
}

type promptBuilder func(in Input) string

// categoryPrompts must have an entry for every catalog category; the
// package tests enforce it.
var categoryPrompts = map[domain.Category]promptBuilder{
	domain.CategoryTechnical: func(in Input) string {
		d := in.Data
		return focus("technical foundation",
			"HTTP status, redirects, load time, viewport/mobile readiness, analytics, forms and crawlability.",
			kv("Status code", d.StatusCode),
			kv("Final URL", d.FinalURL),
			kv("Load time (ms)", d.LoadTimeMs),
			kv("Technical flags", d.Technical),
			kv("Traffic signals", d.Traffic),
		)
	},
	domain.CategorySecurity: func(in Input) string {
		d := in.Data
		return focus("security",
			"HTTPS usage, certificate validity and expiry, exposed email addresses, form handling over TLS.",
			kv("SSL", d.SSL),
			kv("Final URL", d.FinalURL),
			kv("Has forms", d.Technical.HasForms),
			kv("Exposed emails", d.Emails),
		)
	},
	domain.CategorySEO: func(in Input) string {
		d := in.Data
		return focus("search engine optimisation",
			"Title and meta description quality and length, heading hierarchy, canonical, sitemap, robots.txt, structured data.",
			kv("Title", d.Title),
			kv("Meta description", d.MetaDescription),
			kv("Headings", d.Headings),
			kv("Traffic signals", d.Traffic),
			kv("Sub-pages", d.Pages),
		)
	},
	domain.CategoryPerformance: func(in Input) string {
		return focus("performance",
			"Core Web Vitals and lab metrics. Missing lab data means score from load time alone and say so.",
			kv("Load time (ms)", in.Data.LoadTimeMs),
			kv("Mobile lab metrics", in.Performance.Mobile),
			kv("Desktop lab metrics", in.Performance.Desktop),
		)
	},
	domain.CategoryContent: func(in Input) string {
		d := in.Data
		return focus("content quality",
			"Clarity, depth, readability, scannability and whether the copy answers visitor questions.",
			kv("Headings", d.Headings),
			kv("Body text excerpt", excerpt(d.BodyText, 3000)),
		)
	},
	domain.CategoryBrand: func(in Input) string {
		d := in.Data
		return focus("brand messaging",
			"Value proposition clarity above the fold, consistency of voice, differentiation, memorable positioning.",
			kv("Title", d.Title),
			kv("H1", d.Headings.H1),
			kv("Meta description", d.MetaDescription),
			kv("Body text excerpt", excerpt(d.BodyText, 2000)),
		)
	},
	domain.CategoryConversion: func(in Input) string {
		d := in.Data
		return focus("conversion",
			"Calls to action, their wording and placement, forms, contact paths and friction in the visitor journey.",
			kv("Calls to action", d.CTAs),
			kv("Has forms", d.Technical.HasForms),
			kv("Navigation", d.NavLinks),
			kv("Contact emails", d.Emails),
		)
	},
	domain.CategoryDesign: func(in Input) string {
		d := in.Data
		return focus("design and user experience",
			"Visual consistency, typography, colour discipline, navigation structure and mobile layout.",
			kv("Design heuristics", d.Design),
			kv("Navigation", d.NavLinks),
			kv("Has viewport meta", d.Technical.HasViewport),
			kv("Screenshots captured", d.Screenshots != nil),
		)
	},
	domain.CategoryAccessibility: func(in Input) string {
		d := in.Data
		return focus("accessibility",
			"Image alternative text, heading order, link text quality, form labelling and viewport scaling.",
			kv("Design heuristics", d.Design),
			kv("Headings", d.Headings),
			kv("Navigation link texts", d.NavLinks),
		)
	},
	domain.CategoryTrust: func(in Input) string {
		d := in.Data
		return focus("trust signals",
			"Contact details, social proof, social profiles, HTTPS, legal pages and company identity.",
			kv("Social links", d.SocialLinks),
			kv("Emails", d.Emails),
			kv("SSL", d.SSL),
			kv("Navigation", d.NavLinks),
		)
	},
}

const categoryResponseFormat = `Respond with ONLY a JSON object, no prose:
{
  "score": <integer 0-100>,
  "issues": [{"severity": "critical|warning|info", "title": "", "description": "", "impact": ""}],
  "passing": [{"title": "", "description": "", "value": ""}],
  "recommendations": ["..."]
}`

// CategoryPrompt renders the prompt for c.
func CategoryPrompt(c domain.Category, in Input) (string, error) {
	build, ok := categoryPrompts[c]
	if !ok {
		return "", fmt.Errorf("no prompt for category %q", c)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are auditing the website %s.\n\n", in.Data.URL)
	b.WriteString(build(in))
	b.WriteString("\n\n")
	b.WriteString(categoryResponseFormat)
	return b.String(), nil
}

func focus(area, criteria string, facts ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate the site's %s.\nCriteria: %s\n\nCollected data:\n", area, criteria)
	for _, f := range facts {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.String()
}

func kv(label string, v any) string {
	switch val := v.(type) {
	case string:
		if val == "" {
			val = "(none)"
		}
		return fmt.Sprintf("- %s: %s", label, val)
	case int, int64, bool:
		return fmt.Sprintf("- %s: %v", label, val)
	}
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return fmt.Sprintf("- %s: (no data)", label)
	}
	return fmt.Sprintf("- %s: %s", label, raw)
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func briefPrompt(d *domain.ScrapedData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Derive a short business profile for the website %s.\n\n", d.URL)
	b.WriteString(kv("Title", d.Title) + "\n")
	b.WriteString(kv("Meta description", d.MetaDescription) + "\n")
	b.WriteString(kv("H1", d.Headings.H1) + "\n")
	b.WriteString(kv("Navigation", d.NavLinks) + "\n")
	b.WriteString(kv("Body text excerpt", excerpt(d.BodyText, 1500)) + "\n\n")
	b.WriteString(`Respond with ONLY a JSON object:
{"businessName": "", "businessDescription": "", "targetAudience": "", "industry": "", "siteType": "", "websiteType": "", "siteStructure": ""}`)
	return b.String()
}

func summaryPrompt(d *domain.ScrapedData, scores []domain.CategoryScore) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a three to four sentence executive summary of the audit of %s (%s).\n", d.URL, d.Title)
	b.WriteString("Lead with the overall picture, name the biggest strength and the most urgent fix. Plain text only.\n\nCategory results:\n")
	for _, s := range scores {
		fmt.Fprintf(&b, "- %s: %d/100 (%d issues)", s.Name, s.Score, len(s.Issues))
		if len(s.Issues) > 0 {
			fmt.Fprintf(&b, "; top issue: %s", s.Issues[0].Title)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
