package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"outbound-voice/internal/analysis"
)

var _ analysis.Repository = (*Store)(nil)

const jobColumns = `id, kind, payload_json, status, attempt, max_attempts, last_error, run_at, locked_at,
COALESCE(dedupe_key, ''), created_at, updated_at`

func scanJob(row pgx.Row) (analysis.Job, error) {
	var j analysis.Job
	err := row.Scan(&j.ID, &j.Kind, &j.PayloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts, &j.LastError,
		&j.RunAt, &j.LockedAt, &j.DedupeKey, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Job{}, analysis.ErrJobNotFound
	}
	return j, err
}

func (s *Store) EnqueueJob(ctx context.Context, j analysis.Job) error {
	tag, err := s.db.Exec(ctx, `
INSERT INTO analysis_jobs (id, kind, payload_json, status, attempt, max_attempts, last_error, run_at, dedupe_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8, $9, $10)
ON CONFLICT (dedupe_key) DO NOTHING`,
		j.ID, j.Kind, j.PayloadJSON, string(j.Status), j.Attempt, j.MaxAttempts, j.RunAt, nilIfEmpty(j.DedupeKey), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: enqueue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrDuplicateJob
	}
	return nil
}

func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]analysis.Job, error) {
	rows, err := s.db.Query(ctx, `
UPDATE analysis_jobs SET status = 'running', locked_at = $1, updated_at = $1
WHERE id IN (
    SELECT id FROM analysis_jobs
    WHERE status = 'queued' AND run_at <= $1
    ORDER BY run_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim jobs: %w", err)
	}
	defer rows.Close()
	var out []analysis.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) CompleteJob(ctx context.Context, id string, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'done', locked_at = NULL, updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrJobNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id, errMsg string, nextRunAt, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE analysis_jobs SET
    attempt = attempt + 1,
    last_error = $2,
    status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE $3 END,
    locked_at = NULL,
    updated_at = $4
WHERE id = $1`, id, errMsg, nextRunAt, now)
	if err != nil {
		return fmt.Errorf("postgres: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrJobNotFound
	}
	return nil
}

func (s *Store) RequeueStaleJobs(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE analysis_jobs SET status = 'queued', locked_at = NULL, updated_at = $2
WHERE status = 'running' AND locked_at < $1`, staleBefore, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (analysis.Job, error) {
	return scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id))
}
