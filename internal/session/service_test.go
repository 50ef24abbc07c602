package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"outbound-voice/internal/calls"
)

func webhookConfig() Config {
	cfg := DefaultConfig()
	cfg.FromNumber = "+15559990000"
	return cfg
}

func TestWebhookConversation_EndToEnd(t *testing.T) {
	ctx := context.Background()
	model := &scriptedLLM{replies: []string{
		"Hi Sam, this is Ava from Bright Smiles Dental. Do you have a minute to talk about your cleaning?",
		"Great! Would you like to book a cleaning next Tuesday at 10:30 AM?",
		"No problem at all. Thank you for your time, have a great day! [END_CALL]",
	}}
	h := newHarness(t, webhookConfig(), model, nil, nil)

	call, err := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333", ContactID: "ct-1", ContactName: "Sam"})
	if err != nil {
		t.Fatalf("PlaceOutbound: %v", err)
	}
	if len(h.carrier.dials) != 1 || h.carrier.dials[0].From != "+15550001111" {
		t.Fatalf("unexpected dials %+v", h.carrier.dials)
	}

	ins, err := h.svc.Begin(ctx, call.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !ins.Listen || ins.Hangup || !strings.Contains(ins.Say, "Bright Smiles") {
		t.Fatalf("unexpected opening %+v", ins)
	}
	if _, ok := h.locker.extends["ct-1"]; !ok {
		t.Fatalf("contact lock not extended on answer")
	}

	ins, err = h.svc.HandleUtterance(ctx, call.ID, Utterance{Text: "yes I have a minute", Confidence: calls.Float64Ptr(0.93)})
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if !ins.Listen || !strings.Contains(ins.Say, "ten thirty in the morning") {
		t.Fatalf("unexpected follow-up %+v", ins)
	}

	ins, err = h.svc.HandleUtterance(ctx, call.ID, Utterance{Text: "not interested", Confidence: calls.Float64Ptr(0.88)})
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if !ins.Hangup || ins.Listen || strings.Contains(ins.Say, "[END_CALL]") {
		t.Fatalf("unexpected closing %+v", ins)
	}

	got, _ := h.calls.Get(ctx, call.ID)
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.svc.HandleStatus(ctx, call.ID, "completed", calls.IntPtr(42)); err != nil {
			t.Fatalf("HandleStatus: %v", err)
		}
	}
	if h.endedCount() != 1 {
		t.Fatalf("expected exactly one end hook run, got %d", h.endedCount())
	}

	tr, _ := h.calls.Transcript(ctx, call.ID)
	if len(tr) != 5 {
		t.Fatalf("expected 5 transcript turns, got %d", len(tr))
	}
	if tr[0].Speaker != calls.SpeakerAgent || tr[1].Text != "yes I have a minute" {
		t.Fatalf("unexpected transcript order %+v", tr)
	}
}

func TestHandleUtterance_RepromptOnceThenHangup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, webhookConfig(), &scriptedLLM{replies: []string{"Hello!"}}, nil, nil)
	call, _ := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333"})
	_, _ = h.svc.Begin(ctx, call.ID)

	ins, _ := h.svc.HandleUtterance(ctx, call.ID, Utterance{Text: "mumble", Confidence: calls.Float64Ptr(0.1)})
	if !ins.Listen || ins.Attempt != 1 || ins.Say != phraseReprompt {
		t.Fatalf("expected a reprompt, got %+v", ins)
	}
	ins, _ = h.svc.HandleUtterance(ctx, call.ID, Utterance{Attempt: ins.Attempt})
	if !ins.Hangup {
		t.Fatalf("expected hangup after second empty input, got %+v", ins)
	}
	got, _ := h.calls.Get(ctx, call.ID)
	if got.Status != calls.CallStatusCompleted || got.Metadata[MetaEndReason] != "no_response" {
		t.Fatalf("unexpected call %+v", got)
	}
}

func TestHandleUtterance_LLMFailurePolicy(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream 503")
	model := &scriptedLLM{replies: []string{"Hello!"}, errs: []error{nil, boom, boom}}
	h := newHarness(t, webhookConfig(), model, nil, nil)
	call, _ := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333"})
	_, _ = h.svc.Begin(ctx, call.ID)

	ins, _ := h.svc.HandleUtterance(ctx, call.ID, Utterance{Text: "what?"})
	if !ins.Listen || ins.Failures != 1 || !strings.HasPrefix(ins.Say, phraseApology) {
		t.Fatalf("first failure must apologize and listen, got %+v", ins)
	}
	ins, _ = h.svc.HandleUtterance(ctx, call.ID, Utterance{Text: "hello?", Failures: ins.Failures})
	if !ins.Hangup || !strings.HasSuffix(ins.Say, phraseGoodbye) {
		t.Fatalf("second failure must hang up, got %+v", ins)
	}
	got, _ := h.calls.Get(ctx, call.ID)
	if got.Status != calls.CallStatusFailed || got.Metadata[MetaFailureReason] != "llm_unavailable" {
		t.Fatalf("unexpected call %+v", got)
	}
}

func TestBegin_GreetingFallsBackWhenLLMFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, webhookConfig(), &scriptedLLM{errs: []error{errors.New("down")}}, nil, nil)
	call, _ := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333"})

	ins, err := h.svc.Begin(ctx, call.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ins.Say != cannedGreeting(call) || !ins.Listen {
		t.Fatalf("expected canned greeting, got %+v", ins)
	}
}

func TestBegin_InboundUsesStaticGreeting(t *testing.T) {
	ctx := context.Background()
	model := &scriptedLLM{}
	h := newHarness(t, webhookConfig(), model, nil, nil)
	call, err := h.svc.StartInbound(ctx, InboundRequest{To: "+15550001111", From: "+15553334444", CarrierCallID: "CAin"})
	if err != nil {
		t.Fatalf("StartInbound: %v", err)
	}
	ins, _ := h.svc.Begin(ctx, call.ID)
	if !strings.HasPrefix(ins.Say, "Thank you for calling") {
		t.Fatalf("unexpected inbound greeting %q", ins.Say)
	}
	if model.count() != 0 {
		t.Fatalf("inbound greeting must not call the model")
	}

	if _, err := h.svc.StartInbound(ctx, InboundRequest{To: "+15550000000"}); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestBegin_StreamMode(t *testing.T) {
	ctx := context.Background()
	cfg := webhookConfig()
	cfg.StreamMode = true
	h := newHarness(t, cfg, &scriptedLLM{}, nil, nil)
	call, _ := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333"})
	if !h.carrier.dials[0].StreamMode {
		t.Fatalf("dial must request stream mode")
	}
	ins, _ := h.svc.Begin(ctx, call.ID)
	if !ins.Stream || ins.Say != "" {
		t.Fatalf("expected stream instruction, got %+v", ins)
	}
}

func TestPlaceOutbound_Failures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, webhookConfig(), &scriptedLLM{}, nil, nil)

	if _, err := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "missing", To: "+15552223333"}); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if _, err := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-off", To: "+15552223333"}); !errors.Is(err, calls.ErrAgentInactive) {
		t.Fatalf("expected ErrAgentInactive, got %v", err)
	}

	h.carrier.dialErr = errors.New("invalid number")
	call, err := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333"})
	if !errors.Is(err, ErrPlacementFailed) {
		t.Fatalf("expected ErrPlacementFailed, got %v", err)
	}
	got, _ := h.calls.Get(ctx, call.ID)
	if got.Status != calls.CallStatusFailed || got.Metadata[MetaFailureReason] != "placement_failed" {
		t.Fatalf("unexpected call %+v", got)
	}
}

func TestPlaceOutbound_CreatedHookRunsBeforeDial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, webhookConfig(), &scriptedLLM{}, nil, nil)

	var linked string
	call, err := h.svc.PlaceOutbound(ctx, OutboundRequest{
		AgentID: "agent-1",
		To:      "+15552223333",
		Created: func(ctx context.Context, c calls.Call) error {
			if len(h.carrier.dials) != 0 {
				t.Errorf("Created ran after dialing")
			}
			linked = c.ID
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PlaceOutbound: %v", err)
	}
	if linked != call.ID {
		t.Fatalf("Created saw %q, want %q", linked, call.ID)
	}

	_, err = h.svc.PlaceOutbound(ctx, OutboundRequest{
		AgentID: "agent-1",
		To:      "+15552223333",
		Created: func(context.Context, calls.Call) error { return errors.New("link failed") },
	})
	if !errors.Is(err, ErrPlacementFailed) || len(h.carrier.dials) != 1 {
		t.Fatalf("expected abort before dialing, err=%v dials=%d", err, len(h.carrier.dials))
	}
}

func TestHandleStatus_Monotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, webhookConfig(), &scriptedLLM{}, nil, nil)
	call, _ := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333"})

	if _, err := h.svc.HandleStatus(ctx, call.ID, "no-answer", nil); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	c, err := h.svc.HandleStatus(ctx, call.ID, "ringing", nil)
	if err != nil || c.Status != calls.CallStatusNoAnswer {
		t.Fatalf("late ringing must not reopen the call: %v %s", err, c.Status)
	}
	if _, err := h.svc.HandleStatus(ctx, call.ID, "exploded", nil); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if h.endedCount() != 1 || h.ended[0].Status != calls.CallStatusNoAnswer {
		t.Fatalf("unexpected end hooks %+v", h.ended)
	}
}

func TestEndHook_PanicIsContained(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, webhookConfig(), &scriptedLLM{}, nil, nil)
	h.svc.hooks = append([]EndHook{func(context.Context, calls.Call) { panic("boom") }}, h.svc.hooks...)
	call, _ := h.svc.PlaceOutbound(ctx, OutboundRequest{AgentID: "agent-1", To: "+15552223333"})

	if _, err := h.svc.EndCall(ctx, call.ID, calls.CallStatusCanceled, ""); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if h.endedCount() != 1 {
		t.Fatalf("later hooks must still run")
	}
}
