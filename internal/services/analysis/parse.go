package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"siteaudit/internal/domain"
)

var (
	errNoJSON   = errors.New("no JSON object in model output")
	errNoScore  = errors.New("model output has no numeric score")
	fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")
)

// stripFences returns the body of the first fenced code block, or text
// unchanged when there is none.
func stripFences(text string) string {
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// firstJSONObject returns the first balanced {...} substring, honouring
// string literals and escapes.
func firstJSONObject(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(text); i++ {
			c := text[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// extractObject strips fences, locates the first object and decodes it into v.
func extractObject(text string, v any) error {
	obj, ok := firstJSONObject(stripFences(text))
	if !ok {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}

type rawCategoryResult struct {
	Score           json.RawMessage `json:"score"`
	Issues          json.RawMessage `json:"issues"`
	Passing         json.RawMessage `json:"passing"`
	Recommendations json.RawMessage `json:"recommendations"`
}

type rawIssue struct {
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
}

type rawPassing struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Value       any    `json:"value"`
}

// parseCategoryResult turns raw model text into a scored result for info.
func parseCategoryResult(text string, info domain.CategoryInfo) (domain.CategoryScore, error) {
	var raw rawCategoryResult
	if err := extractObject(text, &raw); err != nil {
		return domain.CategoryScore{}, err
	}
	score, ok := parseScore(raw.Score)
	if !ok {
		return domain.CategoryScore{}, errNoScore
	}

	return domain.CategoryScore{
		Category:        info.ID,
		Name:            info.Name,
		Score:           clampScore(score),
		Weight:          info.Weight,
		Issues:          parseIssues(raw.Issues),
		Passing:         parsePassing(raw.Passing),
		Recommendations: parseStrings(raw.Recommendations),
	}, nil
}

func parseScore(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func clampScore(f float64) int {
	if math.IsNaN(f) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, f))))
}

func parseIssues(raw json.RawMessage) []domain.Issue {
	var items []rawIssue
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return []domain.Issue{}
	}
	out := make([]domain.Issue, 0, len(items))
	for _, it := range items {
		out = append(out, domain.Issue{
			Severity:    normalizeSeverity(it.Severity),
			Title:       it.Title,
			Description: it.Description,
			Impact:      it.Impact,
		})
	}
	return out
}

func normalizeSeverity(s string) domain.Severity {
	switch domain.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case domain.SeverityCritical:
		return domain.SeverityCritical
	case domain.SeverityWarning:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

func parsePassing(raw json.RawMessage) []domain.PassingItem {
	var items []rawPassing
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return []domain.PassingItem{}
	}
	out := make([]domain.PassingItem, 0, len(items))
	for _, it := range items {
		p := domain.PassingItem{Title: it.Title, Description: it.Description}
		if it.Value != nil {
			v := fmt.Sprint(it.Value)
			p.Value = &v
		}
		out = append(out, p)
	}
	return out
}

func parseStrings(raw json.RawMessage) []string {
	var items []any
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// FallbackScore is returned whenever a category's model output is unusable.
func FallbackScore(info domain.CategoryInfo) domain.CategoryScore {
	return domain.CategoryScore{
		Category: info.ID,
		Name:     info.Name,
		Score:    50,
		Weight:   info.Weight,
		Issues: []domain.Issue{{
			Severity:    domain.SeverityInfo,
			Title:       "Analysis incomplete",
			Description: "Automated analysis for this category could not be completed.",
			Impact:      "The score shown is a neutral estimate.",
		}},
		Passing:         []domain.PassingItem{},
		Recommendations: []string{"Manual review recommended"},
	}
}
