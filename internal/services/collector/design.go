package collector

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"siteaudit/internal/domain"
)

var (
	fontFamilyDecl = regexp.MustCompile(`(?i)font-family\s*:\s*([^;}{]+)`)
	colorValue     = regexp.MustCompile(`(?i)#[0-9a-f]{6}\b|#[0-9a-f]{3}\b|rgba?\([^)]*\)|hsla?\([^)]*\)`)
)

// extractDesign computes cheap visual-quality heuristics from inline markup
// and embedded stylesheets. External stylesheets are not fetched.
func extractDesign(doc *goquery.Document) *domain.DesignSignals {
	d := &domain.DesignSignals{}

	imgs := doc.Find("img")
	d.ImageCount = imgs.Length()
	imgs.Each(func(_ int, s *goquery.Selection) {
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			d.ImagesMissingAlt++
		}
	})

	var css strings.Builder
	inline := doc.Find("[style]")
	d.InlineStyleCount = inline.Length()
	inline.Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("style")
		css.WriteString(v)
		css.WriteByte(';')
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css.WriteString(s.Text())
	})

	fonts := map[string]bool{}
	for _, m := range fontFamilyDecl.FindAllStringSubmatch(css.String(), -1) {
		primary, _, _ := strings.Cut(m[1], ",")
		primary = strings.Trim(strings.TrimSpace(primary), `'"`)
		if primary != "" && !strings.HasPrefix(primary, "var(") && !strings.EqualFold(primary, "inherit") {
			fonts[strings.ToLower(primary)] = true
		}
	}
	for f := range fonts {
		d.FontFamilies = append(d.FontFamilies, f)
	}
	sort.Strings(d.FontFamilies)

	colors := map[string]bool{}
	for _, c := range colorValue.FindAllString(css.String(), -1) {
		colors[strings.ToLower(strings.ReplaceAll(c, " ", ""))] = true
	}
	d.ColorCount = len(colors)

	d.ButtonCount = doc.Find("button, input[type='submit'], input[type='button'], [role='button']").Length()
	d.HasFavicon = doc.Find("link[rel~='icon']").Length() > 0
	return d
}
