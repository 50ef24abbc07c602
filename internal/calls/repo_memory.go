package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo keeps calls, transcripts, agents and analyses in process memory.
// It backs tests and the single-process "memory" store driver.
type MemoryRepo struct {
	mu       sync.Mutex
	calls    map[string]Call
	turns    map[string][]Turn
	agents   map[string]Agent
	analyses map[string]Analysis
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		calls:    make(map[string]Call),
		turns:    make(map[string][]Turn),
		agents:   make(map[string]Agent),
		analyses: make(map[string]Analysis),
	}
}

// PutAgent inserts or replaces an agent.
func (r *MemoryRepo) PutAgent(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}

func (r *MemoryRepo) SaveAgent(ctx context.Context, a Agent) error {
	if a.ID == "" {
		return ErrInvalidArgument
	}
	r.PutAgent(a)
	return nil
}

func (r *MemoryRepo) GetAgent(ctx context.Context, id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) AgentByNumber(ctx context.Context, phoneNumber string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.PhoneNumber != "" && a.PhoneNumber == phoneNumber {
			return a, nil
		}
	}
	return Agent{}, ErrNotFound
}

func (r *MemoryRepo) CreateCall(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID] = cloneCall(c)
	return nil
}

func (r *MemoryRepo) GetCall(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return cloneCall(c), nil
}

func (r *MemoryRepo) SetStatus(ctx context.Context, id string, from, to CallStatus, p Patch, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	p.Apply(&c)
	c.Status = to
	c.UpdatedAt = now
	r.calls[id] = c
	return true, nil
}

func (r *MemoryRepo) UpdateCall(ctx context.Context, id string, p Patch, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status.Terminal() {
		return false, nil
	}
	p.Apply(&c)
	c.UpdatedAt = now
	r.calls[id] = c
	return true, nil
}

func (r *MemoryRepo) AttachRecording(ctx context.Context, id, url string, durationSeconds int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.RecordingURL = url
	c.RecordingDurationSeconds = durationSeconds
	c.UpdatedAt = now
	r.calls[id] = c
	return nil
}

func (r *MemoryRepo) ListStaleCalls(ctx context.Context, updatedBefore time.Time, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if !c.Status.Terminal() && c.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) AddTurn(ctx context.Context, t Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[t.CallID]; !ok {
		return ErrNotFound
	}
	r.turns[t.CallID] = append(r.turns[t.CallID], t)
	return nil
}

func (r *MemoryRepo) History(ctx context.Context, callID string, limit int) ([]Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns := r.turns[callID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (r *MemoryRepo) Transcript(ctx context.Context, callID string) ([]Turn, error) {
	return r.History(ctx, callID, 0)
}

func (r *MemoryRepo) SaveAnalysis(ctx context.Context, a Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses[a.CallID] = a
	return nil
}

func (r *MemoryRepo) GetAnalysis(ctx context.Context, callID string) (Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[callID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) ListCalls(ctx context.Context, f ListFilter) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if f.Match(c) {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func cloneCall(c Call) Call {
	out := c
	out.Metadata = copyMetadata(c.Metadata)
	if c.StartedAt != nil {
		out.StartedAt = TimePtr(*c.StartedAt)
	}
	if c.EndedAt != nil {
		out.EndedAt = TimePtr(*c.EndedAt)
	}
	return out
}
