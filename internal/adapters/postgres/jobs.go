package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
)

// Enqueue inserts a queued audit and its job in one transaction. The stored
// request carries the new audit id as RecordID.
func (db *DB) Enqueue(ctx context.Context, rec ports.NewAuditRecord, req domain.AuditRequest) (auditID string, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	auditID, err = insertAudit(ctx, tx, rec, "queued")
	if err != nil {
		return "", err
	}
	req.RecordID = auditID
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if _, err = tx.Exec(ctx, `INSERT INTO audit_jobs (audit_id, request) VALUES ($1, $2)`, auditID, payload); err != nil {
		return "", err
	}
	return auditID, nil
}

// ClaimNext selects the next queued job using SKIP LOCKED and marks it running.
func (db *DB) ClaimNext(ctx context.Context) (job ports.AuditJob, found bool, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return job, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var payload []byte
	err = tx.QueryRow(ctx, `
		SELECT id, audit_id, request, attempts FROM audit_jobs
		WHERE status = 'queued'
		ORDER BY queued_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&job.ID, &job.AuditID, &payload, &job.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	if err = startJob(ctx, tx, &job, payload); err != nil {
		return job, false, err
	}
	return job, true, nil
}

// StartJobForAudit claims the queued job belonging to auditID, for callers
// that process an audit inline instead of waiting for a worker.
func (db *DB) StartJobForAudit(ctx context.Context, auditID string) (job ports.AuditJob, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return job, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var payload []byte
	err = tx.QueryRow(ctx, `
		SELECT id, audit_id, request, attempts FROM audit_jobs
		WHERE audit_id = $1 AND status = 'queued'
		FOR UPDATE SKIP LOCKED
	`, auditID).Scan(&job.ID, &job.AuditID, &payload, &job.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return job, ErrNotFound
	}
	if err != nil {
		return job, err
	}
	err = startJob(ctx, tx, &job, payload)
	return job, err
}

func startJob(ctx context.Context, tx pgx.Tx, job *ports.AuditJob, payload []byte) error {
	if err := json.Unmarshal(payload, &job.Request); err != nil {
		return fmt.Errorf("decode job %s request: %w", job.ID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE audit_jobs SET status = 'running', started_at = now(), attempts = attempts + 1 WHERE id = $1
	`, job.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE audits SET status = 'running', started_at = COALESCE(started_at, now()) WHERE id = $1
	`, job.AuditID); err != nil {
		return err
	}
	job.Attempts++
	return nil
}

func (db *DB) UpdateProgress(ctx context.Context, auditID string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	_, err := db.Pool.Exec(ctx, `UPDATE audits SET progress = $2 WHERE id = $1 AND status = 'running'`, auditID, progress)
	return err
}

// MarkCompleted closes the job. The audit row itself is completed by the run.
func (db *DB) MarkCompleted(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := db.Pool.Exec(ctx, `UPDATE audit_jobs SET status = 'completed', finished_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed fails the job and, unless the run already finalised it, its audit.
func (db *DB) MarkFailed(ctx context.Context, jobID string, reason string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var auditID string
	err = tx.QueryRow(ctx, `
		UPDATE audit_jobs SET status = 'failed', last_error = $2, finished_at = now()
		WHERE id = $1
		RETURNING audit_id
	`, jobID, reason).Scan(&auditID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE audits SET status = 'failed', error = $2, finished_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`, auditID, reason)
	return err
}
