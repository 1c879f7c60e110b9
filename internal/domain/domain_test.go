package domain

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategories(t *testing.T) {
	got, err := ParseCategories([]string{" SEO", "security", "", "seo"})
	require.NoError(t, err)
	assert.Equal(t, []Category{CategorySEO, CategorySecurity}, got)

	_, err = ParseCategories([]string{"seo", "secruity"})
	var unknown *UnknownCategoryError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"secruity"}, unknown.Names)
}

func TestSelectCategories_Intersection(t *testing.T) {
	requested := []Category{CategoryDesign, CategorySEO, CategoryTechnical}
	allowed := []Category{CategoryTechnical, CategorySEO, CategorySecurity}

	got := SelectCategories(requested, allowed)
	require.Len(t, got, 2)
	assert.Equal(t, CategoryTechnical, got[0].ID)
	assert.Equal(t, CategorySEO, got[1].ID)

	assert.Len(t, SelectCategories(nil, nil), len(Catalog))
	assert.Empty(t, SelectCategories([]Category{}, nil))
}

func TestRunningScore_MatchesBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for range 50 {
		var scores []CategoryScore
		var running RunningScore
		for _, info := range Catalog {
			if rng.Intn(2) == 0 {
				continue
			}
			s := CategoryScore{Category: info.ID, Score: rng.Intn(101), Weight: info.Weight}
			scores = append(scores, s)
			running.Add(s.Score, s.Weight)
		}
		assert.Equal(t, OverallScore(scores), running.Value())
		assert.Equal(t, len(scores), running.Count())
	}
}

func TestOverallScore_WeightedMean(t *testing.T) {
	scores := []CategoryScore{
		{Score: 80, Weight: 15},
		{Score: 40, Weight: 10},
		{Score: 61, Weight: 5},
	}
	// (1200 + 400 + 305) / 30 = 63.5 -> 64
	assert.Equal(t, 64, OverallScore(scores))
	assert.Equal(t, 0, OverallScore(nil))
}

func TestRegistrableDomain(t *testing.T) {
	cases := map[string]string{
		"https://www.Example.co.uk/path": "example.co.uk",
		"https://shop.acme.example.com":  "example.com",
		"http://localhost:8080/":         "localhost",
		"http://127.0.0.1/":              "127.0.0.1",
		"::not a url":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, RegistrableDomain(in), in)
	}
}
