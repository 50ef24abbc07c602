package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"outbound-voice/internal/calls"
	"outbound-voice/pkg/logger"
)

// Handler executes one job's payload.
type Handler func(ctx context.Context, payload string) error

// Runner claims due jobs and dispatches them to handlers by kind.
type Runner struct {
	repo           Repository
	log            *slog.Logger
	clock          func() time.Time
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRunner(repo Repository, pollInterval time.Duration, log *slog.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Runner{
		repo:           repo,
		log:            logger.OrNop(log).With("component", "analysis_runner"),
		clock:          time.Now,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		handlers:       make(map[string]Handler),
	}
}

// WithClock replaces the time source. Intended for tests.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// StaleThreshold is how long a job may stay running before it is requeued.
func (r *Runner) StaleThreshold() time.Duration {
	return r.staleThreshold
}

func (r *Runner) RegisterHandler(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// RecoverStale requeues jobs left running by a crashed process.
func (r *Runner) RecoverStale(ctx context.Context) (int, error) {
	now := r.clock().UTC()
	n, err := r.repo.RequeueStaleJobs(ctx, now.Add(-r.staleThreshold), now)
	if err != nil {
		return 0, fmt.Errorf("analysis: requeue stale jobs: %w", err)
	}
	if n > 0 {
		r.log.Warn("requeued stale jobs", "count", n)
	}
	return n, nil
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("job runner started", "poll_interval", r.pollInterval.String())
	if _, err := r.RecoverStale(ctx); err != nil {
		r.log.Error("recover stale jobs", "err", err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("job runner stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims one batch of due jobs and runs them in order. It returns the
// number of jobs that completed.
func (r *Runner) Poll(ctx context.Context) int {
	now := r.clock().UTC()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		r.log.Error("claim jobs", "err", err)
		return 0
	}

	done := 0
	for _, job := range jobs {
		log := r.log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)

		r.mu.RLock()
		h, ok := r.handlers[job.Kind]
		r.mu.RUnlock()
		if !ok {
			log.Warn("no handler for job kind")
			if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind "+job.Kind, now.Add(time.Minute), now); err != nil {
				log.Error("fail job", "err", err)
			}
			continue
		}

		if err := r.execute(ctx, h, job.PayloadJSON); err != nil {
			next := now.Add(Backoff(job.Attempt))
			log.Error("job failed", "err", err, "next_run_at", next)
			if err := r.repo.FailJob(ctx, job.ID, err.Error(), next, r.clock().UTC()); err != nil {
				log.Error("fail job", "err", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID, r.clock().UTC()); err != nil {
			log.Error("complete job", "err", err)
			continue
		}
		done++
		log.Debug("job completed")
	}
	return done
}

func (r *Runner) execute(ctx context.Context, h Handler, payload string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("analysis: handler panic: %v", rec)
		}
	}()
	return h(ctx, payload)
}

// Payload is the JSON body of a call analysis job.
type Payload struct {
	CallID string `json:"call_id"`
}

// Queue enqueues call analysis jobs.
type Queue struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewQueue(repo Repository, log *slog.Logger) *Queue {
	return &Queue{repo: repo, log: logger.OrNop(log).With("component", "analysis_queue"), clock: time.Now}
}

// Enqueue adds an analysis job for callID. A second enqueue for the same call
// returns ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, callID string) (Job, error) {
	if callID == "" {
		return Job{}, errors.New("analysis: call id required")
	}
	payload, err := json.Marshal(Payload{CallID: callID})
	if err != nil {
		return Job{}, err
	}
	now := q.clock().UTC()
	j := Job{
		ID:          uuid.NewString(),
		Kind:        KindCallAnalysis,
		PayloadJSON: string(payload),
		Status:      JobQueued,
		MaxAttempts: defaultMaxAttempts,
		RunAt:       now,
		DedupeKey:   DedupeKey(callID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.repo.EnqueueJob(ctx, j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// CallEnded enqueues analysis for calls that completed normally. It is
// registered as a session end hook and never fails the caller.
func (q *Queue) CallEnded(ctx context.Context, call calls.Call) {
	if call.Status != calls.CallStatusCompleted {
		return
	}
	j, err := q.Enqueue(ctx, call.ID)
	switch {
	case errors.Is(err, ErrDuplicateJob):
		q.log.Debug("analysis already queued", "call_id", call.ID)
	case err != nil:
		q.log.Error("enqueue analysis", "call_id", call.ID, "err", err)
	default:
		q.log.Info("analysis queued", "call_id", call.ID, "job_id", j.ID)
	}
}
