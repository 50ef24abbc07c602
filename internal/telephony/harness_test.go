package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"outbound-voice/internal/analysis"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/llm"
	"outbound-voice/internal/session"
	"outbound-voice/internal/turn"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	n       int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n >= len(s.replies) {
		return "", errors.New("script exhausted")
	}
	r := s.replies[s.n]
	s.n++
	return r, nil
}

type recordingCarrier struct {
	mu    sync.Mutex
	dials []calls.DialRequest
}

func (f *recordingCarrier) Dial(ctx context.Context, req calls.DialRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, req)
	return "CA" + req.CallID[:8], nil
}

func (f *recordingCarrier) Hangup(ctx context.Context, sid string) error { return nil }

type env struct {
	svc    *session.Service
	repo   *calls.MemoryRepo
	jobs   *analysis.MemoryRepo
	router *gin.Engine
}

func newEnv(t *testing.T, cfg session.Config, model llm.Completer, stt llm.Transcriber, tts llm.Synthesizer) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := calls.NewMemoryRepo()
	repo.PutAgent(calls.Agent{
		ID:          "agent-1",
		Name:        "Ava",
		Persona:     "You are Ava from Bright Smiles Dental. You call patients to book cleanings.",
		Active:      true,
		PhoneNumber: "+15550001111",
	})
	callSvc := calls.NewService(repo, repo)
	svc := session.NewService(session.Deps{
		Calls:   callSvc,
		Agents:  repo,
		Turns:   turn.NewProcessor(callSvc, nil, model, nil),
		Carrier: &recordingCarrier{},
		STT:     stt,
		TTS:     tts,
	}, cfg)

	jobs := analysis.NewMemoryRepo()
	svc.OnEnd(analysis.NewQueue(jobs, nil).CallEnded)

	r := gin.New()
	NewHandlers(svc, NewRenderer("https://voice.example.com")).Register(r)
	return &env{svc: svc, repo: repo, jobs: jobs, router: r}
}

func (e *env) post(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) placeCall(t *testing.T) calls.Call {
	t.Helper()
	c, err := e.svc.PlaceOutbound(context.Background(), session.OutboundRequest{
		AgentID:     "agent-1",
		To:          "+15557654321",
		ContactName: "Sam",
	})
	if err != nil {
		t.Fatalf("PlaceOutbound: %v", err)
	}
	return c
}

func (e *env) status(t *testing.T, id string) calls.CallStatus {
	t.Helper()
	c, err := e.repo.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	return c.Status
}
