package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"outbound-voice/internal/analysis"
)

var _ analysis.Repository = (*Store)(nil)

func (s *Store) EnqueueJob(ctx context.Context, j analysis.Job) error {
	row := fromJob(j)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return analysis.ErrDuplicateJob
		}
		return fmt.Errorf("gormstore: enqueue job: %w", err)
	}
	return nil
}

// ClaimDueJobs reads due candidates, then claims each with a conditional
// UPDATE. A candidate taken by another process affects zero rows and is
// skipped, so claimers never share a job without row locks.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]analysis.Job, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 10
	}
	var candidates []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", string(analysis.JobQueued), now).
		Order("run_at").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: find due jobs: %w", err)
	}
	var out []analysis.Job
	for _, r := range candidates {
		res := s.db.WithContext(ctx).Model(&jobRow{}).
			Where("id = ? AND status = ?", r.ID, string(analysis.JobQueued)).
			UpdateColumns(map[string]any{
				"status":     string(analysis.JobRunning),
				"locked_at":  now,
				"updated_at": now,
			})
		if res.Error != nil {
			return out, fmt.Errorf("gormstore: claim job: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			continue
		}
		r.Status = string(analysis.JobRunning)
		r.LockedAt = &now
		r.UpdatedAt = now
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", id).UpdateColumns(map[string]any{
		"status":     string(analysis.JobDone),
		"locked_at":  nil,
		"updated_at": now.UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("gormstore: complete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return analysis.ErrJobNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id, errMsg string, nextRunAt, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if isNotFound(err) {
				return analysis.ErrJobNotFound
			}
			return err
		}
		attempt := row.Attempt + 1
		cols := map[string]any{
			"attempt":    attempt,
			"last_error": errMsg,
			"locked_at":  nil,
			"updated_at": now.UTC(),
		}
		if attempt >= row.MaxAttempts {
			cols["status"] = string(analysis.JobFailed)
		} else {
			cols["status"] = string(analysis.JobQueued)
			cols["run_at"] = nextRunAt.UTC()
		}
		// The attempt guard keeps two failures of one run from counting twice.
		res := tx.Model(&jobRow{}).Where("id = ? AND attempt = ?", id, row.Attempt).UpdateColumns(cols)
		if res.Error != nil {
			return fmt.Errorf("gormstore: fail job: %w", res.Error)
		}
		return nil
	})
}

func (s *Store) RequeueStaleJobs(ctx context.Context, staleBefore, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", string(analysis.JobRunning), staleBefore.UTC()).
		UpdateColumns(map[string]any{
			"status":     string(analysis.JobQueued),
			"locked_at":  nil,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("gormstore: requeue stale jobs: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (analysis.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return analysis.Job{}, analysis.ErrJobNotFound
		}
		return analysis.Job{}, err
	}
	return row.model(), nil
}
