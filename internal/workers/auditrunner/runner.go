// Package auditrunner claims queued audits and runs them in the background.
package auditrunner

import (
	"context"
	"errors"
	"sync"
	"time"

	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/ports"
	"siteaudit/internal/services/orchestrator"
)

// Processor performs the audit work for a claimed job.
type Processor interface {
	Process(ctx context.Context, job ports.AuditJob) error
}

// Preparer validates a stored request and re-resolves the caller's entitlement.
type Preparer interface {
	Prepare(ctx context.Context, req domain.AuditRequest) (*orchestrator.Run, error)
}

// ProgressRecorder receives status progress as a 0..1 fraction.
type ProgressRecorder interface {
	UpdateProgress(ctx context.Context, auditID string, progress float64) error
}

// AuditProcessor runs a queued audit through the orchestrator, forwarding
// status progress to the audit row.
type AuditProcessor struct {
	prepare  Preparer
	progress ProgressRecorder
	logger   logger.Logger
}

func NewAuditProcessor(prepare Preparer, progress ProgressRecorder, log logger.Logger) *AuditProcessor {
	if log == nil {
		log = logger.NewNop()
	}
	return &AuditProcessor{prepare: prepare, progress: progress, logger: log}
}

func (p *AuditProcessor) Process(ctx context.Context, job ports.AuditJob) error {
	req := job.Request
	req.RecordID = job.AuditID
	run, err := p.prepare.Prepare(ctx, req)
	if err != nil {
		return err
	}

	var runErr error
	for ev := range run.Start(ctx) {
		switch data := ev.Data.(type) {
		case orchestrator.StatusData:
			if err := p.progress.UpdateProgress(ctx, job.AuditID, float64(data.Progress)/100); err != nil {
				p.logger.Warn("Progress update failed",
					logger.String("audit_id", job.AuditID),
					logger.Error(err),
				)
			}
		case orchestrator.ErrorData:
			runErr = errors.New(data.Message)
		}
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return runErr
}

// Run starts concurrency workers that claim jobs every pollInterval and
// blocks until ctx is cancelled and in-flight jobs have finished.
func Run(ctx context.Context, repo ports.JobRepository, processor Processor, concurrency int, pollInterval time.Duration, log logger.Logger) {
	if concurrency < 1 {
		return
	}
	if log == nil {
		log = logger.NewNop()
	}
	jobsCh := make(chan ports.AuditJob, concurrency)

	go func() {
		defer close(jobsCh)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for {
				job, found, err := repo.ClaimNext(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Error("Job claim failed", logger.Error(err))
					}
					break
				}
				if !found {
					break
				}
				select {
				case jobsCh <- job:
				case <-ctx.Done():
					release(repo, job, log)
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range concurrency {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			wlog := log.With(logger.Int("worker", idx))
			for job := range jobsCh {
				finish(ctx, repo, job, processor.Process(ctx, job), wlog)
			}
		}(i)
	}
	wg.Wait()
}

// ProcessInline starts and processes a specific audit synchronously using the
// same processor as the background workers.
func ProcessInline(ctx context.Context, repo ports.JobRepository, processor Processor, auditID string, log logger.Logger) error {
	if log == nil {
		log = logger.NewNop()
	}
	job, err := repo.StartJobForAudit(ctx, auditID)
	if err != nil {
		return err
	}
	err = processor.Process(ctx, job)
	finish(ctx, repo, job, err, log)
	return err
}

func finish(ctx context.Context, repo ports.JobRepository, job ports.AuditJob, err error, log logger.Logger) {
	ctx = context.WithoutCancel(ctx)
	log = log.With(logger.String("job_id", job.ID), logger.String("audit_id", job.AuditID))
	if err != nil {
		log.Warn("Audit job failed", logger.Int("attempts", job.Attempts), logger.Error(err))
		if merr := repo.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
			log.Error("Mark job failed", logger.Error(merr))
		}
		return
	}
	if merr := repo.MarkCompleted(ctx, job.ID); merr != nil {
		log.Error("Mark job completed", logger.Error(merr))
	}
}

// release fails a job that was claimed but never handed to a worker.
func release(repo ports.JobRepository, job ports.AuditJob, log logger.Logger) {
	if err := repo.MarkFailed(context.Background(), job.ID, "worker shutting down"); err != nil {
		log.Error("Release claimed job", logger.String("job_id", job.ID), logger.Error(err))
	}
}
