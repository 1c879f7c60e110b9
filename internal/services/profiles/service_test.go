package profiles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
)

type fakeReader struct {
	ports.AuditReader
	records map[string]domain.AuditRecord
	asked   string
}

func (f *fakeReader) LatestCompletedByDomain(_ context.Context, registrable string) (domain.AuditRecord, error) {
	f.asked = registrable
	rec, ok := f.records[registrable]
	if !ok {
		return rec, ports.ErrNotFound
	}
	return rec, nil
}

func TestGetLatest(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	score := 40
	reader := &fakeReader{records: map[string]domain.AuditRecord{
		"acme.co.uk": {
			ID: "a-1", URL: "https://shop.acme.co.uk/", Score: &score, FinishedAt: &finished,
			Result: &domain.AuditResult{
				OverallScore: 82,
				Summary:      "Solid.",
				Categories:   []domain.CategoryScore{{Category: domain.CategorySEO, Score: 82}},
			},
		},
	}}
	svc := New(reader)

	prof, err := svc.GetLatest(context.Background(), "WWW.Acme.co.uk")
	require.NoError(t, err)
	assert.Equal(t, "acme.co.uk", reader.asked)
	assert.Equal(t, "acme.co.uk", prof.Domain)
	assert.Equal(t, 82, prof.OverallScore)
	assert.Equal(t, "Solid.", prof.Summary)
	assert.Len(t, prof.Categories, 1)
	assert.Equal(t, &finished, prof.AuditedAt)
}

func TestGetLatestNotFound(t *testing.T) {
	svc := New(&fakeReader{})
	_, err := svc.GetLatest(context.Background(), "unknown.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}
