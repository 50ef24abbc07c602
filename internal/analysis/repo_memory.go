package analysis

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRepo struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{jobs: make(map[string]Job)}
}

func (r *MemoryRepo) EnqueueJob(ctx context.Context, j Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.DedupeKey != "" {
		for _, existing := range r.jobs {
			if existing.DedupeKey == j.DedupeKey {
				return ErrDuplicateJob
			}
		}
	}
	r.jobs[j.ID] = j
	return nil
}

func (r *MemoryRepo) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Job
	for _, j := range r.jobs {
		if j.Status == JobQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = JobRunning
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
		r.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (r *MemoryRepo) CompleteJob(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = JobDone
	j.LockedAt = nil
	j.UpdatedAt = now
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepo) FailJob(ctx context.Context, id, errMsg string, nextRunAt, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = now
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobFailed
	} else {
		j.Status = JobQueued
		j.RunAt = nextRunAt
	}
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepo) RequeueStaleJobs(ctx context.Context, staleBefore, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.Status != JobRunning || j.LockedAt == nil || !j.LockedAt.Before(staleBefore) {
			continue
		}
		j.Status = JobQueued
		j.LockedAt = nil
		j.UpdatedAt = now
		r.jobs[id] = j
		n++
	}
	return n, nil
}

func (r *MemoryRepo) GetJob(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j, nil
}

// Jobs returns every stored job ordered by creation time.
func (r *MemoryRepo) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
