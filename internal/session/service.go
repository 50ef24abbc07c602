package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/llm"
	"outbound-voice/internal/turn"
	"outbound-voice/pkg/logger"
)

var (
	ErrAgentNotFound   = errors.New("session: agent not found")
	ErrPlacementFailed = errors.New("session: call placement failed")
)

// Call metadata keys written by this package.
const (
	MetaContactID     = "contact_id"
	MetaContactName   = "contact_name"
	MetaFailureReason = "failure_reason"
	MetaEndReason     = "end_reason"
)

const (
	phraseReprompt    = "Sorry, I didn't catch that. Could you say that again?"
	phraseApology     = "I'm sorry, I'm having trouble understanding right now."
	phraseRelisten    = "Could you repeat that?"
	phraseGoodbye     = "Thank you for your time. Goodbye."
	phraseUnavailable = "Sorry, we can't continue this call right now. Goodbye."
)

// Carrier places and ends calls on the telephony provider.
type Carrier interface {
	Dial(ctx context.Context, req calls.DialRequest) (carrierCallID string, err error)
	Hangup(ctx context.Context, carrierCallID string) error
}

type TurnProcessor interface {
	Process(ctx context.Context, in turn.Input) (turn.Reply, error)
	Opening(ctx context.Context, call calls.Call) (string, error)
	Record(ctx context.Context, callID, text string) error
}

// ContactLocker extends a campaign contact's lock while its call is live.
type ContactLocker interface {
	ExtendContactLock(ctx context.Context, contactID, callID string, lockedUntil time.Time) (bool, error)
}

// EndHook runs once, for the write that made a call terminal.
type EndHook func(ctx context.Context, c calls.Call)

type Config struct {
	FromNumber     string
	StreamMode     bool
	LockTTL        time.Duration
	MinConfidence  float64
	MaxReprompts   int
	MaxLLMFailures int
	// FrameInterval paces outgoing stream audio. Zero sends without waiting.
	FrameInterval time.Duration
	Detector      DetectorConfig
}

func DefaultConfig() Config {
	return Config{
		LockTTL:        5 * time.Minute,
		MinConfidence:  0.3,
		MaxReprompts:   1,
		MaxLLMFailures: 2,
		FrameInterval:  20 * time.Millisecond,
		Detector:       DefaultDetectorConfig(),
	}
}

type Deps struct {
	Calls    *calls.Service
	Agents   calls.AgentRepository
	Turns    TurnProcessor
	Carrier  Carrier
	Contacts ContactLocker
	STT      llm.Transcriber
	TTS      llm.Synthesizer
	Streams  *Manager
	Logger   *slog.Logger
}

// Service is the single entry point for every conversation, whichever
// transport carries it.
type Service struct {
	calls    *calls.Service
	agents   calls.AgentRepository
	turns    TurnProcessor
	carrier  Carrier
	contacts ContactLocker
	stt      llm.Transcriber
	tts      llm.Synthesizer
	streams  *Manager
	hooks    []EndHook
	cfg      Config
	log      *slog.Logger
	clock    func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if cfg.MaxLLMFailures <= 0 {
		cfg.MaxLLMFailures = 2
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	cfg.Detector = NewDetector(cfg.Detector).cfg
	streams := d.Streams
	if streams == nil {
		streams = NewManager()
	}
	return &Service{
		calls:    d.Calls,
		agents:   d.Agents,
		turns:    d.Turns,
		carrier:  d.Carrier,
		contacts: d.Contacts,
		stt:      d.STT,
		tts:      d.TTS,
		streams:  streams,
		cfg:      cfg,
		log:      logger.OrNop(d.Logger).With("component", "session"),
		clock:    time.Now,
	}
}

// OnEnd registers a hook. Register hooks before serving traffic.
func (s *Service) OnEnd(h EndHook) {
	s.hooks = append(s.hooks, h)
}

func (s *Service) Streams() *Manager { return s.streams }

// StreamMode reports whether answered calls get a media stream.
func (s *Service) StreamMode() bool { return s.cfg.StreamMode }

// Instruction is what the carrier should do next, independent of markup.
type Instruction struct {
	Say    string
	Listen bool
	Hangup bool
	// Stream connects the carrier's media stream instead of webhook turns.
	Stream bool
	// Attempt and Failures are echoed back on the next turn webhook.
	Attempt  int
	Failures int
}

func farewell(text string) Instruction {
	return Instruction{Say: text, Hangup: true}
}

type OutboundRequest struct {
	AgentID     string
	To          string
	CampaignID  string
	ContactID   string
	ContactName string
	Metadata    map[string]string
	// Created runs after the call record exists and before the carrier is
	// asked to dial. An error aborts the placement.
	Created func(ctx context.Context, c calls.Call) error
}

// PlaceOutbound creates the call record and asks the carrier to dial it.
// When dialing fails the record is ended as failed and the error wraps
// ErrPlacementFailed.
func (s *Service) PlaceOutbound(ctx context.Context, req OutboundRequest) (calls.Call, error) {
	agent, err := s.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return calls.Call{}, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentID)
		}
		return calls.Call{}, fmt.Errorf("session: load agent: %w", err)
	}
	if !agent.Active {
		return calls.Call{}, calls.ErrAgentInactive
	}

	from := agent.PhoneNumber
	if from == "" {
		from = s.cfg.FromNumber
	}
	md := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		md[k] = v
	}
	if req.ContactID != "" {
		md[MetaContactID] = req.ContactID
	}
	if req.ContactName != "" {
		md[MetaContactName] = req.ContactName
	}

	call, err := s.calls.Create(ctx, calls.NewCall{
		Agent:      agent,
		Direction:  calls.DirectionOutbound,
		From:       from,
		To:         req.To,
		CampaignID: req.CampaignID,
		Metadata:   md,
	})
	if err != nil {
		return calls.Call{}, err
	}
	log := s.log.With("call_id", call.ID)

	if req.Created != nil {
		if err := req.Created(ctx, call); err != nil {
			_, _ = s.EndCall(ctx, call.ID, calls.CallStatusFailed, "placement_failed")
			return call, fmt.Errorf("%w: %w", ErrPlacementFailed, err)
		}
	}

	sid, err := s.carrier.Dial(ctx, calls.DialRequest{
		CallID:     call.ID,
		To:         call.To,
		From:       call.From,
		StreamMode: s.cfg.StreamMode,
	})
	if err != nil {
		log.Error("dial failed", "dependency", "carrier", "err", err)
		_, _ = s.EndCall(ctx, call.ID, calls.CallStatusFailed, "placement_failed")
		return call, fmt.Errorf("%w: %w", ErrPlacementFailed, err)
	}
	if err := s.calls.Update(ctx, call.ID, calls.Patch{CarrierCallID: &sid}); err != nil {
		// The call may already have ended through a fast status callback.
		log.Warn("store carrier call id", "carrier_call_id", sid, "err", err)
	}
	call.CarrierCallID = sid
	log.Info("outbound call placed", "to", call.To, "carrier_call_id", sid, "campaign_id", call.CampaignID)
	return call, nil
}

type InboundRequest struct {
	To            string
	From          string
	CarrierCallID string
}

// StartInbound creates the record for a call arriving on an agent's number.
func (s *Service) StartInbound(ctx context.Context, req InboundRequest) (calls.Call, error) {
	agent, err := s.agents.AgentByNumber(ctx, req.To)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return calls.Call{}, fmt.Errorf("%w: number %s", ErrAgentNotFound, req.To)
		}
		return calls.Call{}, fmt.Errorf("session: load agent: %w", err)
	}
	call, err := s.calls.Create(ctx, calls.NewCall{
		Agent:     agent,
		Direction: calls.DirectionInbound,
		From:      req.From,
		To:        req.To,
	})
	if err != nil {
		return calls.Call{}, err
	}
	if req.CarrierCallID != "" {
		sid := req.CarrierCallID
		if err := s.calls.Update(ctx, call.ID, calls.Patch{CarrierCallID: &sid}); err == nil {
			call.CarrierCallID = sid
		}
	}
	return call, nil
}

// Begin answers the carrier's first instruction request for a call: either
// connect the media stream or speak the greeting and listen.
func (s *Service) Begin(ctx context.Context, callID string) (Instruction, error) {
	call, err := s.calls.Get(ctx, callID)
	if err != nil {
		return farewell(phraseUnavailable), err
	}
	if call.Status.Terminal() {
		return farewell(phraseGoodbye), nil
	}
	if c, _, err := s.calls.Transition(ctx, call.ID, calls.CallStatusInProgress, calls.Patch{}); err == nil {
		call = c
	} else {
		s.log.Warn("mark call answered", "call_id", call.ID, "err", err)
	}
	s.heartbeat(ctx, call)

	if s.cfg.StreamMode {
		return Instruction{Stream: true}, nil
	}
	return Instruction{Say: s.greeting(ctx, call), Listen: true}, nil
}

// Utterance is one recognized caller turn from the webhook transport.
type Utterance struct {
	Text       string
	Confidence *float64
	Attempt    int
	Failures   int
}

// HandleUtterance produces the reply to one webhook turn.
func (s *Service) HandleUtterance(ctx context.Context, callID string, u Utterance) (Instruction, error) {
	call, err := s.calls.Get(ctx, callID)
	if err != nil {
		return farewell(phraseUnavailable), err
	}
	if call.Status.Terminal() {
		return farewell(phraseGoodbye), nil
	}
	s.heartbeat(ctx, call)
	log := s.log.With("call_id", call.ID)

	text := strings.TrimSpace(u.Text)
	if text == "" || (u.Confidence != nil && *u.Confidence < s.cfg.MinConfidence) {
		if u.Attempt < s.cfg.MaxReprompts {
			s.record(ctx, call.ID, phraseReprompt)
			return Instruction{Say: phraseReprompt, Listen: true, Attempt: u.Attempt + 1, Failures: u.Failures}, nil
		}
		log.Info("no usable input after reprompt, ending call")
		s.record(ctx, call.ID, phraseGoodbye)
		_, _ = s.EndCall(ctx, call.ID, calls.CallStatusCompleted, "no_response")
		return farewell(phraseGoodbye), nil
	}

	reply, err := s.turns.Process(ctx, turn.Input{Call: call, Utterance: text, Confidence: u.Confidence})
	if err != nil {
		failures := u.Failures + 1
		log.Warn("turn failed", "failures", failures, "err", err)
		if failures >= s.cfg.MaxLLMFailures {
			msg := phraseApology + " " + phraseGoodbye
			s.record(ctx, call.ID, msg)
			_, _ = s.EndCall(ctx, call.ID, calls.CallStatusFailed, "llm_unavailable")
			return farewell(msg), nil
		}
		msg := phraseApology + " " + phraseRelisten
		s.record(ctx, call.ID, msg)
		return Instruction{Say: msg, Listen: true, Failures: failures}, nil
	}

	if reply.Hangup {
		_, _ = s.EndCall(ctx, call.ID, calls.CallStatusCompleted, "agent_hangup")
		return farewell(reply.Text), nil
	}
	return Instruction{Say: reply.Text, Listen: true}, nil
}

// HandleStatus applies a carrier status callback. Replays and out-of-order
// callbacks are absorbed by the monotonic transition.
func (s *Service) HandleStatus(ctx context.Context, callID, carrierStatus string, durationSeconds *int) (calls.Call, error) {
	status, ok := calls.ParseCarrierStatus(carrierStatus)
	if !ok {
		return calls.Call{}, fmt.Errorf("%w: carrier status %q", calls.ErrInvalidArgument, carrierStatus)
	}
	c, changed, err := s.calls.Transition(ctx, callID, status, calls.Patch{DurationSeconds: durationSeconds})
	if err != nil {
		return calls.Call{}, err
	}
	if changed && c.Status.Terminal() {
		s.runHooks(ctx, c)
	}
	return c, nil
}

func (s *Service) HandleRecording(ctx context.Context, callID, url string, durationSeconds int) error {
	return s.calls.AttachRecording(ctx, callID, url, durationSeconds)
}

// EndCall makes a call terminal and runs end hooks if this write did it.
func (s *Service) EndCall(ctx context.Context, callID string, status calls.CallStatus, reason string) (calls.Call, error) {
	if !status.Terminal() {
		return calls.Call{}, fmt.Errorf("%w: %s is not terminal", calls.ErrInvalidTransition, status)
	}
	var p calls.Patch
	if reason != "" {
		key := MetaEndReason
		if status == calls.CallStatusFailed {
			key = MetaFailureReason
		}
		p.Metadata = map[string]string{key: reason}
	}
	c, changed, err := s.calls.Transition(ctx, callID, status, p)
	if err != nil {
		return calls.Call{}, err
	}
	if changed {
		s.log.Info("call ended", "call_id", c.ID, "status", string(c.Status), "reason", reason, "duration_s", c.DurationSeconds)
		s.runHooks(ctx, c)
	}
	return c, nil
}

// Hangup asks the carrier to drop a live call. Errors are logged only.
func (s *Service) Hangup(ctx context.Context, c calls.Call) {
	if s.carrier == nil || c.CarrierCallID == "" {
		return
	}
	if err := s.carrier.Hangup(ctx, c.CarrierCallID); err != nil {
		s.log.Warn("carrier hangup failed", "dependency", "carrier", "call_id", c.ID, "err", err)
	}
}

type greeterFunc func(s *Service, ctx context.Context, call calls.Call) (string, error)

// greeters picks how a call opens by direction.
var greeters = map[calls.Direction]greeterFunc{
	calls.DirectionOutbound: (*Service).personaOpening,
	calls.DirectionInbound:  (*Service).staticGreeting,
}

func (s *Service) greeting(ctx context.Context, call calls.Call) string {
	g, ok := greeters[call.Direction]
	if ok {
		text, err := g(s, ctx, call)
		if err == nil && text != "" {
			return text
		}
		s.log.Warn("greeting generation failed, using canned greeting", "dependency", "llm", "call_id", call.ID, "err", err)
	}
	text := cannedGreeting(call)
	s.record(ctx, call.ID, text)
	return text
}

func (s *Service) personaOpening(ctx context.Context, call calls.Call) (string, error) {
	return s.turns.Opening(ctx, call)
}

func (s *Service) staticGreeting(ctx context.Context, call calls.Call) (string, error) {
	text := "Thank you for calling. This is " + call.Agent.DisplayName() + ". How can I help you today?"
	s.record(ctx, call.ID, text)
	return text, nil
}

func cannedGreeting(call calls.Call) string {
	return "Hello, this is " + call.Agent.DisplayName() + ". Do you have a minute to talk?"
}

func (s *Service) record(ctx context.Context, callID, text string) {
	if err := s.turns.Record(ctx, callID, text); err != nil {
		s.log.Warn("record agent line", "call_id", callID, "err", err)
	}
}

// heartbeat keeps a campaign contact locked while its call is active.
func (s *Service) heartbeat(ctx context.Context, call calls.Call) {
	contactID := call.Metadata[MetaContactID]
	if s.contacts == nil || contactID == "" {
		return
	}
	until := s.clock().UTC().Add(s.cfg.LockTTL)
	ok, err := s.contacts.ExtendContactLock(ctx, contactID, call.ID, until)
	if err != nil {
		s.log.Warn("extend contact lock", "call_id", call.ID, "contact_id", contactID, "err", err)
		return
	}
	if !ok {
		s.log.Debug("contact lock not extended", "call_id", call.ID, "contact_id", contactID)
	}
}

func (s *Service) runHooks(ctx context.Context, c calls.Call) {
	ctx = context.WithoutCancel(ctx)
	for _, h := range s.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("end hook panicked", "call_id", c.ID, "panic", r)
				}
			}()
			h(ctx, c)
		}()
	}
}
