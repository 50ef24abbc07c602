package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"outbound-voice/internal/audio"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/turn"
)

// StreamSink writes to the carrier side of a media stream.
type StreamSink interface {
	SendMedia(mulaw []byte) error
	SendMark(name string) error
	Close() error
}

// Stream is one live media-stream conversation. Media is fed from the
// transport's read loop; a single worker goroutine does transcription,
// turn processing and speaking, so only one turn is ever in flight.
type Stream struct {
	svc      *Service
	id       string
	call     calls.Call
	sink     StreamSink
	machine  *Machine
	detector *Detector
	log      *slog.Logger

	utterances chan []int16
	parent     context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	unregister func()
	closeOnce  sync.Once

	failures int
	marks    int
	created  time.Time
}

// OpenStream starts the session for a stream the carrier just opened.
func (s *Service) OpenStream(ctx context.Context, streamID, callID string, sink StreamSink) (*Stream, error) {
	if s.stt == nil || s.tts == nil {
		return nil, errors.New("session: stream mode needs speech services")
	}
	call, err := s.calls.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return nil, calls.ErrTerminal
	}
	if c, _, err := s.calls.Transition(ctx, call.ID, calls.CallStatusInProgress, calls.Patch{}); err == nil {
		call = c
	}

	wctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		svc:        s,
		id:         streamID,
		call:       call,
		sink:       sink,
		machine:    NewMachine(),
		detector:   NewDetector(s.cfg.Detector),
		log:        s.log.With("call_id", call.ID, "stream_id", streamID),
		utterances: make(chan []int16, 1),
		parent:     ctx,
		ctx:        wctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		created:    s.clock(),
	}
	st.unregister = s.streams.Register(streamID, func() {
		cancel()
		_ = sink.Close()
	})

	go st.run()
	st.log.Info("stream opened")
	return st, nil
}

func (st *Stream) State() State { return st.machine.State() }

func (st *Stream) CallID() string { return st.call.ID }

// Media accepts one inbound mu-law frame. Audio outside Listening is dropped.
func (st *Stream) Media(mulaw []byte) {
	if !st.machine.AcceptsAudio() {
		st.detector.Reset()
		return
	}
	pcm := audio.FromCarrier(mulaw, st.svc.cfg.Detector.SampleRate)
	utt, done := st.detector.Push(pcm)
	if !done {
		return
	}
	if !st.machine.From(Listening, Processing) {
		return
	}
	select {
	case st.utterances <- utt:
	default:
		// Unreachable while Processing gates submission; keep the machine honest.
		_ = st.machine.To(Listening)
	}
}

// Mark records the carrier's playback acknowledgement.
func (st *Stream) Mark(name string) {
	st.log.Debug("playback mark", "mark", name)
}

// Close ends the session after the carrier stopped the stream or the
// connection dropped. It is safe to call more than once.
func (st *Stream) Close() {
	st.closeOnce.Do(func() {
		st.cancel()
		<-st.done
		st.machine.End()
		ctx := context.WithoutCancel(st.parent)
		if _, err := st.svc.EndCall(ctx, st.call.ID, calls.CallStatusCompleted, "stream_closed"); err != nil {
			st.log.Warn("end call on stream close", "err", err)
		}
		st.unregister()
		st.log.Info("stream closed", "age_ms", st.svc.clock().Sub(st.created).Milliseconds())
	})
}

func (st *Stream) run() {
	defer close(st.done)
	defer func() {
		if r := recover(); r != nil {
			st.log.Error("stream worker panicked", "panic", r)
			st.end(calls.CallStatusFailed, "internal_error")
		}
	}()

	if err := st.machine.To(Greeting); err != nil {
		return
	}
	greeting := st.svc.greeting(st.ctx, st.call)
	if err := st.speak(greeting); err != nil && st.ctx.Err() == nil {
		st.log.Warn("greeting not played", "err", err)
	}
	if !st.machine.From(Greeting, Listening) {
		return
	}

	for {
		select {
		case <-st.ctx.Done():
			return
		case utt := <-st.utterances:
			if !st.handle(utt) {
				return
			}
		}
	}
}

// handle runs one turn. It returns false once the call is over.
func (st *Stream) handle(utt []int16) bool {
	ctx := st.ctx
	st.svc.heartbeat(ctx, st.call)

	tr, err := st.svc.stt.Transcribe(ctx, utt, st.svc.cfg.Detector.SampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		st.log.Error("transcription failed", "dependency", "stt", "err", err)
		return st.fail()
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return st.machine.From(Processing, Listening)
	}

	reply, err := st.svc.turns.Process(ctx, turn.Input{Call: st.call, Utterance: text, Confidence: tr.Confidence})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		return st.fail()
	}
	st.failures = 0

	if !st.machine.From(Processing, Speaking) {
		return false
	}
	if err := st.speak(reply.Text); err != nil {
		if ctx.Err() != nil {
			return false
		}
		st.log.Error("reply not played", "dependency", "tts", "err", err)
	}
	if reply.Hangup {
		st.end(calls.CallStatusCompleted, "agent_hangup")
		return false
	}
	return st.machine.From(Speaking, Listening)
}

// fail applies the model failure policy: apologize and listen again once,
// end the call as failed on the next consecutive failure.
func (st *Stream) fail() bool {
	st.failures++
	last := st.failures >= st.svc.cfg.MaxLLMFailures

	msg := phraseApology + " " + phraseRelisten
	if last {
		msg = phraseApology + " " + phraseGoodbye
	}
	st.svc.record(st.ctx, st.call.ID, msg)
	if st.machine.From(Processing, Speaking) {
		if err := st.speak(msg); err != nil && st.ctx.Err() == nil {
			st.log.Error("apology not played", "dependency", "tts", "err", err)
		}
	}
	if last {
		st.end(calls.CallStatusFailed, "llm_unavailable")
		return false
	}
	return st.machine.From(Speaking, Listening)
}

// speak synthesizes text and sends it as 20 ms frames no faster than real
// time, followed by a mark.
func (st *Stream) speak(text string) error {
	sp, err := st.svc.tts.Synthesize(st.ctx, text, st.call.Agent.Voice)
	if err != nil {
		return fmt.Errorf("session: synthesize: %w", err)
	}
	frames := audio.Frames(audio.ToCarrier(sp.PCM, sp.SampleRate))

	interval := st.svc.cfg.FrameInterval
	var tick *time.Ticker
	if interval > 0 {
		tick = time.NewTicker(interval)
		defer tick.Stop()
	}
	for _, f := range frames {
		if err := st.sink.SendMedia(f); err != nil {
			return fmt.Errorf("session: send media: %w", err)
		}
		if tick == nil {
			continue
		}
		select {
		case <-st.ctx.Done():
			return st.ctx.Err()
		case <-tick.C:
		}
	}
	st.marks++
	return st.sink.SendMark(fmt.Sprintf("utterance-%d", st.marks))
}

// end finishes the call from inside the worker and drops the carrier leg.
func (st *Stream) end(status calls.CallStatus, reason string) {
	defer st.machine.End()
	ctx := context.WithoutCancel(st.parent)
	c, err := st.svc.EndCall(ctx, st.call.ID, status, reason)
	if err != nil {
		st.log.Warn("end call", "err", err)
		c = st.call
	}
	if c.CarrierCallID == "" {
		c.CarrierCallID = st.call.CarrierCallID
	}
	st.svc.Hangup(ctx, c)
}
