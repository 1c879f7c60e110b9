package auditrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
	"siteaudit/internal/services/analysis"
	"siteaudit/internal/services/orchestrator"
	"siteaudit/internal/tokens"
)

type memJobs struct {
	mu        sync.Mutex
	queued    []ports.AuditJob
	completed []string
	failed    map[string]string
	progress  map[string][]float64
}

func newMemJobs(jobs ...ports.AuditJob) *memJobs {
	return &memJobs{queued: jobs, failed: map[string]string{}, progress: map[string][]float64{}}
}

func (m *memJobs) Enqueue(context.Context, ports.NewAuditRecord, domain.AuditRequest) (string, error) {
	return "", errors.New("not used")
}

func (m *memJobs) ClaimNext(context.Context) (ports.AuditJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queued) == 0 {
		return ports.AuditJob{}, false, nil
	}
	job := m.queued[0]
	m.queued = m.queued[1:]
	job.Attempts++
	return job, true, nil
}

func (m *memJobs) StartJobForAudit(_ context.Context, auditID string) (ports.AuditJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, job := range m.queued {
		if job.AuditID == auditID {
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			return job, nil
		}
	}
	return ports.AuditJob{}, ports.ErrNotFound
}

func (m *memJobs) UpdateProgress(_ context.Context, auditID string, p float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[auditID] = append(m.progress[auditID], p)
	return nil
}

func (m *memJobs) MarkCompleted(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, jobID)
	return nil
}

func (m *memJobs) MarkFailed(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[jobID] = reason
	return nil
}

func (m *memJobs) done() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed) + len(m.failed)
}

type funcProcessor func(ctx context.Context, job ports.AuditJob) error

func (f funcProcessor) Process(ctx context.Context, job ports.AuditJob) error { return f(ctx, job) }

func TestRunProcessesQueuedJobs(t *testing.T) {
	repo := newMemJobs(
		ports.AuditJob{ID: "j1", AuditID: "a1"},
		ports.AuditJob{ID: "j2", AuditID: "a2"},
		ports.AuditJob{ID: "j3", AuditID: "a3"},
	)
	proc := funcProcessor(func(_ context.Context, job ports.AuditJob) error {
		if job.ID == "j2" {
			return errors.New("site is unreachable")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		Run(ctx, repo, proc, 2, 5*time.Millisecond, nil)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return repo.done() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.ElementsMatch(t, []string{"j1", "j3"}, repo.completed)
	assert.Equal(t, map[string]string{"j2": "site is unreachable"}, repo.failed)
}

func TestProcessInline(t *testing.T) {
	repo := newMemJobs(ports.AuditJob{ID: "j1", AuditID: "a1"})
	var got ports.AuditJob
	proc := funcProcessor(func(_ context.Context, job ports.AuditJob) error {
		got = job
		return nil
	})

	require.NoError(t, ProcessInline(context.Background(), repo, proc, "a1", nil))
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, []string{"j1"}, repo.completed)

	err := ProcessInline(context.Background(), repo, proc, "a1", nil)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

type stubCollector struct{ err error }

func (s stubCollector) Collect(_ context.Context, url string, _ int) (*domain.ScrapedData, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ScrapedData{URL: url, FinalURL: url, StatusCode: 200, Title: "Acme"}, nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, info domain.CategoryInfo, _ analysis.Input, _ *tokens.Tracker) domain.CategoryScore {
	return domain.CategoryScore{Category: info.ID, Name: info.Name, Weight: info.Weight, Score: 75}
}

func (stubAnalyzer) Brief(_ context.Context, d *domain.ScrapedData, _ *tokens.Tracker) domain.WebsiteBrief {
	return analysis.HeuristicBrief(d)
}

func (stubAnalyzer) Summary(_ context.Context, _ *domain.ScrapedData, scores []domain.CategoryScore, _ *tokens.Tracker) string {
	return analysis.GenericSummary(scores)
}

type recordingAudits struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (r *recordingAudits) CreateRecord(context.Context, ports.NewAuditRecord) (string, error) {
	return "", errors.New("queued audits reuse their record")
}

func (r *recordingAudits) CompleteRecord(_ context.Context, id string, _ ports.AuditCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, id)
	return nil
}

func (r *recordingAudits) FailRecord(_ context.Context, id, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, id)
	return nil
}

func newOrchestrator(collector ports.SiteCollector, audits ports.AuditRepository) *orchestrator.Service {
	return orchestrator.New(orchestrator.Dependencies{
		Collector: collector,
		Analyzer:  stubAnalyzer{},
		Audits:    audits,
	}, orchestrator.Config{BatchSize: 5, MaxPages: 3}, orchestrator.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func TestAuditProcessorReportsProgress(t *testing.T) {
	audits := &recordingAudits{}
	repo := newMemJobs()
	proc := NewAuditProcessor(newOrchestrator(stubCollector{}, audits), repo, nil)

	job := ports.AuditJob{ID: "j1", AuditID: "a1", Request: domain.AuditRequest{
		URL:        "https://acme.example",
		Pages:      1,
		Categories: []domain.Category{domain.CategorySEO, domain.CategoryTrust},
	}}
	require.NoError(t, proc.Process(context.Background(), job))

	assert.Equal(t, []string{"a1"}, audits.completed)
	progress := repo.progress["a1"]
	require.NotEmpty(t, progress)
	assert.InDelta(t, 0.92, progress[len(progress)-1], 0.001)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
}

func TestAuditProcessorReturnsRunError(t *testing.T) {
	audits := &recordingAudits{}
	proc := NewAuditProcessor(newOrchestrator(stubCollector{err: errors.New("boom")}, audits), newMemJobs(), nil)

	err := proc.Process(context.Background(), ports.AuditJob{ID: "j1", AuditID: "a1", Request: domain.AuditRequest{URL: "https://acme.example"}})
	require.Error(t, err)
	assert.Equal(t, []string{"a1"}, audits.failed)
}
