package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"outbound-voice/internal/calls"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newQueue(repo Repository, clk *fixedClock) *Queue {
	q := NewQueue(repo, nil)
	q.clock = clk.Now
	return q
}

func TestQueue_CallEndedEnqueuesOncePerCompletedCall(t *testing.T) {
	repo := NewMemoryRepo()
	q := newQueue(repo, &fixedClock{now: time.Unix(1700000000, 0)})
	ctx := context.Background()

	completed := calls.Call{ID: "call-1", Status: calls.CallStatusCompleted}
	for i := 0; i < 3; i++ {
		q.CallEnded(ctx, completed)
	}
	q.CallEnded(ctx, calls.Call{ID: "call-2", Status: calls.CallStatusNoAnswer})

	jobs := repo.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(jobs))
	}
	if jobs[0].DedupeKey != "analysis:call-1" || jobs[0].Kind != KindCallAnalysis || jobs[0].PayloadJSON != `{"call_id":"call-1"}` {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
	if _, err := q.Enqueue(ctx, "call-1"); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestRunner_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	clk := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	j, err := newQueue(repo, clk).Enqueue(ctx, "call-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := NewRunner(repo, time.Second, nil).WithClock(clk.Now)
	runs := 0
	r.RegisterHandler(KindCallAnalysis, func(ctx context.Context, payload string) error {
		runs++
		return errors.New("model overloaded")
	})

	r.Poll(ctx)
	got, _ := repo.GetJob(ctx, j.ID)
	if got.Status != JobQueued || got.Attempt != 1 || !got.RunAt.Equal(clk.Now().Add(30*time.Second)) {
		t.Fatalf("expected requeue after 30s, got %+v", got)
	}

	clk.Advance(29 * time.Second)
	if r.Poll(ctx); runs != 1 {
		t.Fatalf("job ran before its backoff elapsed")
	}
	clk.Advance(time.Second)
	r.Poll(ctx)
	got, _ = repo.GetJob(ctx, j.ID)
	if got.Attempt != 2 || !got.RunAt.Equal(clk.Now().Add(60*time.Second)) {
		t.Fatalf("expected 60s backoff on second failure, got %+v", got)
	}

	clk.Advance(time.Minute)
	r.Poll(ctx)
	got, _ = repo.GetJob(ctx, j.ID)
	if got.Status != JobFailed || got.LastError != "model overloaded" {
		t.Fatalf("expected permanent failure after max attempts, got %+v", got)
	}
}

func TestRunner_CompletesAndRecoversPanics(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	clk := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	q := newQueue(repo, clk)
	ok, _ := q.Enqueue(ctx, "call-ok")
	bad, _ := q.Enqueue(ctx, "call-panic")

	r := NewRunner(repo, time.Second, nil).WithClock(clk.Now)
	r.RegisterHandler(KindCallAnalysis, func(ctx context.Context, payload string) error {
		if payload == `{"call_id":"call-panic"}` {
			panic("boom")
		}
		return nil
	})

	if done := r.Poll(ctx); done != 1 {
		t.Fatalf("expected one completed job, got %d", done)
	}
	if got, _ := repo.GetJob(ctx, ok.ID); got.Status != JobDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
	if got, _ := repo.GetJob(ctx, bad.ID); got.Status != JobQueued || got.Attempt != 1 {
		t.Fatalf("panicking job should be retried, got %+v", got)
	}
}

func TestRunner_RecoverStale(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	clk := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	j, _ := newQueue(repo, clk).Enqueue(ctx, "call-1")
	if claimed, _ := repo.ClaimDueJobs(ctx, clk.Now(), 10); len(claimed) != 1 {
		t.Fatalf("expected claim")
	}

	r := NewRunner(repo, time.Second, nil).WithClock(clk.Now)
	if n, _ := r.RecoverStale(ctx); n != 0 {
		t.Fatalf("fresh running job must not be requeued")
	}
	clk.Advance(r.StaleThreshold() + time.Second)
	if n, _ := r.RecoverStale(ctx); n != 1 {
		t.Fatalf("expected one stale job requeued, got %d", n)
	}
	if got, _ := repo.GetJob(ctx, j.ID); got.Status != JobQueued || got.LockedAt != nil {
		t.Fatalf("unexpected job after requeue %+v", got)
	}
}

func TestClaimDueJobs_ConcurrentClaimersNeverShare(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	clk := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	q := newQueue(repo, clk)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if _, err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, _ := repo.ClaimDueJobs(ctx, clk.Now(), 2)
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				seen[j.ID]++
			}
		}()
	}
	wg.Wait()
	if len(seen) != 5 {
		t.Fatalf("expected all 5 jobs claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}
