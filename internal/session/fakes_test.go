package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/llm"
	"outbound-voice/internal/turn"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", errors.New("script exhausted")
}

func (s *scriptedLLM) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeCarrier struct {
	mu      sync.Mutex
	dialErr error
	dials   []calls.DialRequest
	hangups []string
}

func (f *fakeCarrier) Dial(ctx context.Context, req calls.DialRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, req)
	if f.dialErr != nil {
		return "", f.dialErr
	}
	return "CA" + req.CallID[:8], nil
}

func (f *fakeCarrier) Hangup(ctx context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sid)
	return nil
}

type fakeLocker struct {
	mu      sync.Mutex
	extends map[string]time.Time
}

func (f *fakeLocker) ExtendContactLock(ctx context.Context, contactID, callID string, until time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extends == nil {
		f.extends = map[string]time.Time{}
	}
	f.extends[contactID] = until
	return true, nil
}

type harness struct {
	svc     *Service
	calls   *calls.Service
	repo    *calls.MemoryRepo
	model   *scriptedLLM
	carrier *fakeCarrier
	locker  *fakeLocker
	ended   []calls.Call
	endedMu sync.Mutex
}

func newHarness(t *testing.T, cfg Config, model *scriptedLLM, stt llm.Transcriber, tts llm.Synthesizer) *harness {
	t.Helper()
	repo := calls.NewMemoryRepo()
	repo.PutAgent(calls.Agent{
		ID:          "agent-1",
		Name:        "Ava",
		Persona:     "You are Ava from Bright Smiles Dental. You call patients to book cleanings.",
		Active:      true,
		PhoneNumber: "+15550001111",
	})
	repo.PutAgent(calls.Agent{ID: "agent-off", Name: "Off", Active: false})

	callSvc := calls.NewService(repo, repo)
	h := &harness{
		calls:   callSvc,
		repo:    repo,
		model:   model,
		carrier: &fakeCarrier{},
		locker:  &fakeLocker{},
	}
	h.svc = NewService(Deps{
		Calls:    callSvc,
		Agents:   repo,
		Turns:    turn.NewProcessor(callSvc, nil, model, nil),
		Carrier:  h.carrier,
		Contacts: h.locker,
		STT:      stt,
		TTS:      tts,
	}, cfg)
	h.svc.OnEnd(func(ctx context.Context, c calls.Call) {
		h.endedMu.Lock()
		defer h.endedMu.Unlock()
		h.ended = append(h.ended, c)
	})
	return h
}

func (h *harness) endedCount() int {
	h.endedMu.Lock()
	defer h.endedMu.Unlock()
	return len(h.ended)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
