package domain

import (
	"fmt"
	"strings"
)

// Category identifies one independently scored audit dimension.
type Category string

const (
	CategoryTechnical     Category = "technical"
	CategorySecurity      Category = "security"
	CategorySEO           Category = "seo"
	CategoryPerformance   Category = "performance"
	CategoryContent       Category = "content"
	CategoryBrand         Category = "brand"
	CategoryConversion    Category = "conversion"
	CategoryDesign        Category = "design"
	CategoryAccessibility Category = "accessibility"
	CategoryTrust         Category = "trust"
)

// CategoryInfo carries the fixed display name and aggregation weight.
type CategoryInfo struct {
	ID     Category
	Name   string
	Weight int
}

// Catalog is the full ordered set of categories. Order is the order they are
// analysed and reported in.
var Catalog = []CategoryInfo{
	{CategoryTechnical, "Technical Foundation", 15},
	{CategorySecurity, "Security", 10},
	{CategorySEO, "SEO", 15},
	{CategoryPerformance, "Performance", 10},
	{CategoryContent, "Content Quality", 10},
	{CategoryBrand, "Brand Messaging", 10},
	{CategoryConversion, "Conversion", 10},
	{CategoryDesign, "Design & UX", 10},
	{CategoryAccessibility, "Accessibility", 5},
	{CategoryTrust, "Trust Signals", 5},
}

// AllCategories returns every category ID in catalog order.
func AllCategories() []Category {
	out := make([]Category, len(Catalog))
	for i, c := range Catalog {
		out[i] = c.ID
	}
	return out
}

// Info returns the catalog entry for c.
func (c Category) Info() (CategoryInfo, bool) {
	for _, info := range Catalog {
		if info.ID == c {
			return info, true
		}
	}
	return CategoryInfo{}, false
}

// Valid reports whether c is a catalog member.
func (c Category) Valid() bool {
	_, ok := c.Info()
	return ok
}

// UnknownCategoryError lists identifiers that are not in the catalog.
type UnknownCategoryError struct {
	Names []string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown categories: %s", strings.Join(e.Names, ", "))
}

// ParseCategories validates raw identifiers against the catalog. Empty
// entries are skipped and duplicates collapsed.
func ParseCategories(raw []string) ([]Category, error) {
	var (
		out     []Category
		unknown []string
		seen    = map[Category]bool{}
	)
	for _, r := range raw {
		name := strings.ToLower(strings.TrimSpace(r))
		if name == "" {
			continue
		}
		c := Category(name)
		if !c.Valid() {
			unknown = append(unknown, name)
			continue
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if len(unknown) > 0 {
		return nil, &UnknownCategoryError{Names: unknown}
	}
	return out, nil
}

// SelectCategories returns requested ∩ allowed ∩ catalog in catalog order.
// A nil requested or allowed slice means "everything".
func SelectCategories(requested, allowed []Category) []CategoryInfo {
	in := func(set []Category, c Category) bool {
		if set == nil {
			return true
		}
		for _, s := range set {
			if s == c {
				return true
			}
		}
		return false
	}
	var out []CategoryInfo
	for _, info := range Catalog {
		if in(requested, info.ID) && in(allowed, info.ID) {
			out = append(out, info)
		}
	}
	return out
}
