package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"siteaudit/internal/domain"
	"siteaudit/internal/ports"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// getOrCreateDomain upserts the registrable domain row and returns its id.
func getOrCreateDomain(ctx context.Context, q querier, rawURL string) (string, error) {
	registrable := domain.RegistrableDomain(rawURL)
	if registrable == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO domains (registrable_domain)
		VALUES ($1)
		ON CONFLICT (registrable_domain) DO UPDATE SET registrable_domain = EXCLUDED.registrable_domain
		RETURNING id
	`, registrable).Scan(&id)
	return id, err
}

func insertAudit(ctx context.Context, q querier, rec ports.NewAuditRecord, status string) (string, error) {
	domainID, err := getOrCreateDomain(ctx, q, rec.URL)
	if err != nil {
		return "", err
	}
	var id string
	err = q.QueryRow(ctx, `
		INSERT INTO audits (domain_id, url, status, source_ip, user_agent, caller_id, is_admin, started_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, CASE WHEN $3 = 'running' THEN now() END)
		RETURNING id
	`, domainID, rec.URL, status, rec.SourceIP, rec.UserAgent, rec.CallerID, rec.IsAdmin).Scan(&id)
	return id, err
}

// CreateRecord inserts a running audit for a streamed run.
func (db *DB) CreateRecord(ctx context.Context, rec ports.NewAuditRecord) (string, error) {
	return insertAudit(ctx, db.Pool, rec, "running")
}

func (db *DB) CompleteRecord(ctx context.Context, recordID string, c ports.AuditCompletion) error {
	scores, err := json.Marshal(c.CategoryScores)
	if err != nil {
		return err
	}
	brief, err := json.Marshal(c.Brief)
	if err != nil {
		return err
	}
	usage, err := json.Marshal(c.TokenUsage)
	if err != nil {
		return err
	}
	result, err := json.Marshal(c.Result)
	if err != nil {
		return err
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE audits
		SET status = 'completed', progress = 1, score = $2, category_scores = $3,
		    summary = $4, brief = $5, token_usage = $6, result = $7, finished_at = now()
		WHERE id = $1
	`, recordID, c.Score, scores, c.Summary, brief, usage, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) FailRecord(ctx context.Context, recordID string, errMsg string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE audits SET status = 'failed', error = $2, finished_at = now() WHERE id = $1
	`, recordID, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) Status(ctx context.Context, auditID string) (string, float64, error) {
	var status string
	var progress float64
	err := db.Pool.QueryRow(ctx, `SELECT status, progress FROM audits WHERE id = $1`, auditID).Scan(&status, &progress)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	return status, progress, err
}

// LatestCompletedByDomain returns the most recent completed audit for a
// registrable domain.
func (db *DB) LatestCompletedByDomain(ctx context.Context, registrable string) (domain.AuditRecord, error) {
	var (
		rec    domain.AuditRecord
		result []byte
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT a.id, a.url, d.registrable_domain, a.status, a.progress, a.score,
		       a.result, COALESCE(a.error, ''), a.created_at, a.finished_at
		FROM audits a
		JOIN domains d ON d.id = a.domain_id
		WHERE d.registrable_domain = $1 AND a.status = 'completed'
		ORDER BY a.finished_at DESC
		LIMIT 1
	`, strings.ToLower(registrable)).Scan(
		&rec.ID, &rec.URL, &rec.Domain, &rec.Status, &rec.Progress, &rec.Score,
		&result, &rec.Error, &rec.CreatedAt, &rec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if len(result) > 0 {
		var r domain.AuditResult
		if err := json.Unmarshal(result, &r); err != nil {
			return rec, fmt.Errorf("decode audit result: %w", err)
		}
		rec.Result = &r
	}
	return rec, nil
}
