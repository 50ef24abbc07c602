// Package analysis runs post-call work through a durable job queue: completed
// calls enqueue one analysis job, and a polling runner executes it with
// retries and exponential backoff.
package analysis

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateJob = errors.New("analysis: duplicate job")
	ErrJobNotFound  = errors.New("analysis: job not found")
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// KindCallAnalysis is the job kind for summarising a finished call.
const KindCallAnalysis = "call_analysis"

const defaultMaxAttempts = 3

// Job is one durable unit of background work.
type Job struct {
	ID          string     `json:"id" db:"id"`
	Kind        string     `json:"kind" db:"kind"`
	PayloadJSON string     `json:"payload_json" db:"payload_json"`
	Status      JobStatus  `json:"status" db:"status"`
	Attempt     int        `json:"attempt" db:"attempt"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	RunAt       time.Time  `json:"run_at" db:"run_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	// DedupeKey is unique across all jobs regardless of status.
	DedupeKey string    `json:"dedupe_key,omitempty" db:"dedupe_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Repository persists jobs.
type Repository interface {
	// EnqueueJob inserts j, or returns ErrDuplicateJob when a job with the
	// same dedupe key already exists.
	EnqueueJob(ctx context.Context, j Job) error
	// ClaimDueJobs marks up to limit queued jobs with run_at <= now as running.
	// Concurrent claimers never receive the same job.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	// FailJob records errMsg and requeues the job at nextRunAt, or marks it
	// failed once max_attempts is reached.
	FailJob(ctx context.Context, id, errMsg string, nextRunAt, now time.Time) error
	// RequeueStaleJobs puts jobs running since before staleBefore back to queued.
	RequeueStaleJobs(ctx context.Context, staleBefore, now time.Time) (int, error)
	GetJob(ctx context.Context, id string) (Job, error)
}

// DedupeKey is the key that keeps a call to a single analysis job.
func DedupeKey(callID string) string {
	return "analysis:" + callID
}

// Backoff is the retry delay after attempt failures: 30s, 60s, 120s...
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(30*(1<<attempt)) * time.Second
}
