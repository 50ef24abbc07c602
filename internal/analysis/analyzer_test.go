package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/llm"
)

type stubCompleter struct {
	reply string
	err   error
	req   llm.Request
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.req = req
	return s.reply, s.err
}

func seedCall(t *testing.T, lines ...string) (*calls.Service, *calls.MemoryRepo, calls.Call) {
	t.Helper()
	ctx := context.Background()
	repo := calls.NewMemoryRepo()
	svc := calls.NewService(repo, repo)
	c, err := svc.Create(ctx, calls.NewCall{
		Agent:     calls.Agent{ID: "agent-1", Name: "Ava", Active: true},
		Direction: calls.DirectionOutbound,
		To:        "+15550000001",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i, line := range lines {
		speaker := calls.SpeakerAgent
		if i%2 == 1 {
			speaker = calls.SpeakerUser
		}
		if _, err := svc.AddTurn(ctx, c.ID, speaker, line, nil); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
	}
	return svc, repo, c
}

func TestAnalyze_StoresParsedResult(t *testing.T) {
	svc, repo, c := seedCall(t, "Hi, this is Ava. Do you have a minute?", "Not really, I'm not interested.", "Understood, have a great day.")
	stub := &stubCompleter{reply: "```json\n{\"summary\":\"Callee declined.\",\"outcome\":\"Not_Interested\",\"sentiment\":\"bored\",\"follow_up\":false}\n```"}

	out, err := NewAnalyzer(svc, repo, stub, nil).Analyze(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Outcome != OutcomeNotInterested || out.Sentiment != "neutral" || out.Summary != "Callee declined." {
		t.Fatalf("unexpected analysis %+v", out)
	}
	if !strings.Contains(stub.req.Messages[0].Content, "Callee: Not really, I'm not interested.") {
		t.Fatalf("transcript not sent: %q", stub.req.Messages[0].Content)
	}
	stored, err := repo.GetAnalysis(context.Background(), c.ID)
	if err != nil || stored.Summary != "Callee declined." {
		t.Fatalf("analysis not stored: %+v %v", stored, err)
	}
}

func TestAnalyze_SilentCallSkipsModel(t *testing.T) {
	svc, repo, c := seedCall(t, "Hi, this is Ava.")
	stub := &stubCompleter{err: errors.New("should not be called")}

	out, err := NewAnalyzer(svc, repo, stub, nil).Analyze(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Outcome != OutcomeNoConversation {
		t.Fatalf("expected no_conversation, got %q", out.Outcome)
	}
}

func TestHandle_PropagatesModelErrors(t *testing.T) {
	svc, repo, c := seedCall(t, "Hello", "Yes?")
	a := NewAnalyzer(svc, repo, &stubCompleter{err: llm.ErrNotConfigured}, nil)

	err := a.Handle(context.Background(), `{"call_id":"`+c.ID+`"}`)
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Fatalf("expected model error, got %v", err)
	}
	if err := a.Handle(context.Background(), "not json"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseResult_RejectsGarbage(t *testing.T) {
	if _, err := parseResult("I cannot help with that."); err == nil {
		t.Fatalf("expected error for reply without json")
	}
	if _, err := parseResult(`{"summary":"  "}`); err == nil {
		t.Fatalf("expected error for empty summary")
	}
	r, err := parseResult(`Sure! {"summary":"Wants a callback.","outcome":"callback","sentiment":"positive","follow_up":true}`)
	if err != nil || r.Outcome != OutcomeCallback || !r.FollowUp {
		t.Fatalf("unexpected parse %+v %v", r, err)
	}
}
