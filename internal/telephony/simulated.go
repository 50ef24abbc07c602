package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/session"
	"outbound-voice/pkg/logger"
)

// SimulatedCarrier stands in for a real carrier in local runs.
//
// With a script attached it plays the callee in-process: it answers, speaks
// each line as a webhook turn and posts the final status, driving the same
// session paths the Twilio webhooks do. Without a script calls just ring.
type SimulatedCarrier struct {
	mu       sync.Mutex
	sessions Sessions
	script   []string
	delay    time.Duration
	log      *slog.Logger

	dialed  []calls.DialRequest
	hungup  []string
	running sync.WaitGroup
}

func NewSimulatedCarrier(log *slog.Logger) *SimulatedCarrier {
	return &SimulatedCarrier{log: logger.OrNop(log).With("component", "simulated_carrier")}
}

// Attach sets the callee script. Sessions is set after construction because
// the session service itself needs a carrier.
func (s *SimulatedCarrier) Attach(sessions Sessions, script []string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
	s.script = append([]string(nil), script...)
	s.delay = delay
}

func (s *SimulatedCarrier) Name() string { return "simulated" }

func (s *SimulatedCarrier) HealthCheck(ctx context.Context) error { return nil }

func (s *SimulatedCarrier) Dial(ctx context.Context, req calls.DialRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sid := "SIM" + uuid.NewString()

	s.mu.Lock()
	s.dialed = append(s.dialed, req)
	sessions, script, delay := s.sessions, s.script, s.delay
	s.mu.Unlock()

	s.log.Info("simulated dial", "call_id", req.CallID, "to", req.To, "carrier_call_id", sid)
	if sessions != nil && len(script) > 0 && !req.StreamMode {
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			s.converse(context.WithoutCancel(ctx), sessions, req.CallID, script, delay)
		}()
	}
	return sid, nil
}

func (s *SimulatedCarrier) Hangup(ctx context.Context, carrierCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hungup = append(s.hungup, carrierCallID)
	return nil
}

// Wait blocks until every scripted conversation has finished.
func (s *SimulatedCarrier) Wait() { s.running.Wait() }

func (s *SimulatedCarrier) Dialed() []calls.DialRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calls.DialRequest(nil), s.dialed...)
}

func (s *SimulatedCarrier) converse(ctx context.Context, sessions Sessions, callID string, script []string, delay time.Duration) {
	log := s.log.With("call_id", callID)
	started := time.Now()
	pause := func() {
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	pause()
	_, _ = sessions.HandleStatus(ctx, callID, "ringing", nil)
	in, err := sessions.Begin(ctx, callID)
	if err != nil {
		log.Warn("simulated answer failed", "err", err)
	}
	st := in
	for i, line := range script {
		if st.Hangup || !st.Listen {
			break
		}
		pause()
		st, err = sessions.HandleUtterance(ctx, callID, session.Utterance{Text: line, Attempt: st.Attempt, Failures: st.Failures})
		if err != nil {
			log.Warn("simulated turn failed", "turn", i, "err", err)
		}
	}

	dur := int(time.Since(started).Seconds())
	if _, err := sessions.HandleStatus(ctx, callID, "completed", &dur); err != nil {
		log.Warn("simulated completion failed", "err", err)
	}
}
