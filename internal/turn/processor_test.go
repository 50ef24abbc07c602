package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/knowledge"
	"outbound-voice/internal/llm"
)

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []llm.Request
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

type failingKnowledge struct{}

func (failingKnowledge) Search(context.Context, string, string, int) ([]knowledge.Snippet, error) {
	return nil, errors.New("index offline")
}

func newCall(t *testing.T) (*calls.Service, calls.Call) {
	t.Helper()
	repo := calls.NewMemoryRepo()
	svc := calls.NewService(repo, repo)
	c, err := svc.Create(context.Background(), calls.NewCall{
		Agent:     calls.Agent{ID: "agent-1", Name: "Ava", Persona: "You book dental cleanings for Bright Smiles.", Active: true},
		Direction: calls.DirectionOutbound,
		From:      "+15550000000",
		To:        "+15551112222",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return svc, c
}

func TestSystemPrompt_NoKnowledgeSection(t *testing.T) {
	agent := calls.Agent{Name: "Ava", Persona: "You book dental cleanings."}
	got := SystemPrompt(agent, nil)
	want := safetyPreamble + "\n\n" + "You book dental cleanings."
	if got != want {
		t.Fatalf("unexpected prompt:\n%s", got)
	}
	if strings.Contains(got, "Relevant knowledge") {
		t.Fatalf("knowledge section must be absent")
	}
}

func TestSystemPrompt_WithKnowledge(t *testing.T) {
	got := SystemPrompt(calls.Agent{Persona: "p"}, []knowledge.Snippet{{Title: "Hours", Content: "Open 9 to 5."}})
	if !strings.HasSuffix(got, "Relevant knowledge:\n- Hours: Open 9 to 5.") {
		t.Fatalf("unexpected prompt tail:\n%s", got)
	}
}

func TestProcess_PersistsBothTurnsAndPassesHistory(t *testing.T) {
	ctx := context.Background()
	svc, call := newCall(t)
	if _, err := svc.AddTurn(ctx, call.ID, calls.SpeakerAgent, "Hi, this is Ava from Bright Smiles.", nil); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	kb := knowledge.NewMemoryRepo()
	s, _ := knowledge.NewSnippet("agent-1", "Cleaning price", "A cleaning costs 80 dollars.")
	_ = kb.AddSnippet(ctx, s)

	model := &fakeLLM{reply: "A cleaning is eighty dollars. Would Tuesday work?"}
	p := NewProcessor(svc, kb, model, nil)

	conf := 0.92
	reply, err := p.Process(ctx, Input{Call: call, Utterance: "How much is a cleaning?", Confidence: &conf})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.Hangup || reply.Text != "A cleaning is eighty dollars. Would Tuesday work?" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	req := model.reqs[0]
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleAssistant || req.Messages[1].Content != "How much is a cleaning?" {
		t.Fatalf("unexpected messages %+v", req.Messages)
	}
	if !strings.Contains(req.System, "A cleaning costs 80 dollars.") {
		t.Fatalf("knowledge missing from system prompt")
	}
	if req.Temperature != 0.7 || req.MaxTokens != 150 {
		t.Fatalf("snapshot defaults not used: %v %d", req.Temperature, req.MaxTokens)
	}

	tr, _ := svc.Transcript(ctx, call.ID)
	if len(tr) != 3 || tr[1].Speaker != calls.SpeakerUser || tr[2].Speaker != calls.SpeakerAgent {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if tr[1].Confidence == nil || *tr[1].Confidence != conf {
		t.Fatalf("confidence not stored")
	}
}

func TestProcess_EndMarkerSetsHangup(t *testing.T) {
	svc, call := newCall(t)
	p := NewProcessor(svc, nil, &fakeLLM{reply: "No problem, have a great day! [END_CALL]"}, nil)

	reply, err := p.Process(context.Background(), Input{Call: call, Utterance: "not interested", History: []calls.Turn{}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !reply.Hangup || reply.Text != "No problem, have a great day!" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestProcess_LLMFailureKeepsUserTurn(t *testing.T) {
	ctx := context.Background()
	svc, call := newCall(t)
	p := NewProcessor(svc, failingKnowledge{}, &fakeLLM{err: errors.New("503")}, nil)

	_, err := p.Process(ctx, Input{Call: call, Utterance: "hello?"})
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
	tr, _ := svc.Transcript(ctx, call.ID)
	if len(tr) != 1 || tr[0].Speaker != calls.SpeakerUser {
		t.Fatalf("expected only the user turn, got %+v", tr)
	}
}

func TestProcess_EmptyReplyIsFailure(t *testing.T) {
	svc, call := newCall(t)
	p := NewProcessor(svc, nil, &fakeLLM{reply: "  [END_CALL] "}, nil)
	if _, err := p.Process(context.Background(), Input{Call: call, Utterance: "hi"}); !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestOpening_RecordsAgentTurn(t *testing.T) {
	ctx := context.Background()
	svc, call := newCall(t)
	call.Metadata = map[string]string{"contact_name": "Sam"}
	model := &fakeLLM{reply: "Hi Sam, this is Ava from Bright Smiles. Do you have a minute?"}
	p := NewProcessor(svc, nil, model, nil)

	text, err := p.Opening(ctx, call)
	if err != nil {
		t.Fatalf("Opening: %v", err)
	}
	if !strings.Contains(model.reqs[0].Messages[0].Content, "Greet Sam") {
		t.Fatalf("contact name not used: %q", model.reqs[0].Messages[0].Content)
	}
	tr, _ := svc.Transcript(ctx, call.ID)
	if len(tr) != 1 || tr[0].Text != text {
		t.Fatalf("opening not recorded: %+v", tr)
	}
}

func TestSpeakTimes(t *testing.T) {
	cases := map[string]string{
		"See you at 3:30 PM.":      "See you at three thirty in the afternoon.",
		"Open from 9:00 to 17:05":  "Open from nine o'clock in the morning to five oh five in the afternoon",
		"at 7:45 p.m. sharp":       "at seven forty-five in the evening sharp",
		"00:00":                    "midnight",
		"12:00 AM":                 "midnight",
		"12:30 AM":                 "twelve thirty at night",
		"12:00 PM":                 "noon",
		"12:15 PM":                 "twelve fifteen in the afternoon",
		"no times here, 3 dollars": "no times here, 3 dollars",
	}
	for in, want := range cases {
		if got := SpeakTimes(in); got != want {
			t.Fatalf("SpeakTimes(%q) = %q, want %q", in, got, want)
		}
	}
}
