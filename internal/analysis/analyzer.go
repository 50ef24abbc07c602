package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/llm"
	"outbound-voice/pkg/logger"
)

// Outcome labels the analyzer may assign.
const (
	OutcomeInterested     = "interested"
	OutcomeNotInterested  = "not_interested"
	OutcomeCallback       = "callback"
	OutcomeNoDecision     = "no_decision"
	OutcomeNoConversation = "no_conversation"
)

var validOutcomes = map[string]bool{
	OutcomeInterested:    true,
	OutcomeNotInterested: true,
	OutcomeCallback:      true,
	OutcomeNoDecision:    true,
}

var validSentiments = map[string]bool{"positive": true, "neutral": true, "negative": true}

const analysisPrompt = `You review transcripts of phone calls placed by an AI agent.
Reply with a single JSON object and nothing else:
{"summary": "<two sentences>", "outcome": "interested|not_interested|callback|no_decision", "sentiment": "positive|neutral|negative", "follow_up": true|false}`

// CallReader is the part of calls.Service the analyzer reads.
type CallReader interface {
	Get(ctx context.Context, id string) (calls.Call, error)
	Transcript(ctx context.Context, callID string) ([]calls.Turn, error)
}

type Analyzer struct {
	calls CallReader
	store calls.AnalysisRepository
	llm   llm.Completer
	log   *slog.Logger
	clock func() time.Time
}

func NewAnalyzer(reader CallReader, store calls.AnalysisRepository, completer llm.Completer, log *slog.Logger) *Analyzer {
	return &Analyzer{
		calls: reader,
		store: store,
		llm:   completer,
		log:   logger.OrNop(log).With("component", "analyzer"),
		clock: time.Now,
	}
}

// Handle is the job handler for KindCallAnalysis.
func (a *Analyzer) Handle(ctx context.Context, payload string) error {
	var p Payload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("analysis: decode payload: %w", err)
	}
	_, err := a.Analyze(ctx, p.CallID)
	return err
}

// Analyze summarises one call's transcript and stores the result.
func (a *Analyzer) Analyze(ctx context.Context, callID string) (calls.Analysis, error) {
	call, err := a.calls.Get(ctx, callID)
	if err != nil {
		return calls.Analysis{}, err
	}
	turns, err := a.calls.Transcript(ctx, callID)
	if err != nil {
		return calls.Analysis{}, fmt.Errorf("analysis: load transcript: %w", err)
	}

	out := calls.Analysis{CallID: call.ID, CreatedAt: a.clock().UTC()}
	if !hasUserSpeech(turns) {
		out.Summary = "The callee did not say anything."
		out.Outcome = OutcomeNoConversation
		out.Sentiment = "neutral"
	} else {
		raw, err := a.llm.Complete(ctx, llm.Request{
			System:      analysisPrompt,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: renderTranscript(call, turns)}},
			Temperature: 0.2,
			MaxTokens:   300,
		})
		if err != nil {
			a.log.Warn("analysis completion failed", "call_id", callID, "dependency", "llm", "err", err)
			return calls.Analysis{}, err
		}
		parsed, err := parseResult(raw)
		if err != nil {
			return calls.Analysis{}, err
		}
		out.Summary = parsed.Summary
		out.Outcome = parsed.Outcome
		out.Sentiment = parsed.Sentiment
		out.FollowUp = parsed.FollowUp
		out.Raw = raw
	}

	if err := a.store.SaveAnalysis(ctx, out); err != nil {
		return calls.Analysis{}, fmt.Errorf("analysis: save: %w", err)
	}
	a.log.Info("call analysed", "call_id", callID, "outcome", out.Outcome)
	return out, nil
}

type result struct {
	Summary   string `json:"summary"`
	Outcome   string `json:"outcome"`
	Sentiment string `json:"sentiment"`
	FollowUp  bool   `json:"follow_up"`
}

// parseResult extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose. Unknown labels collapse to safe defaults.
func parseResult(raw string) (result, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return result{}, errors.New("analysis: reply has no json object")
	}
	var r result
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return result{}, fmt.Errorf("analysis: decode reply: %w", err)
	}
	r.Summary = strings.TrimSpace(r.Summary)
	if r.Summary == "" {
		return result{}, errors.New("analysis: empty summary")
	}
	r.Outcome = strings.ToLower(strings.TrimSpace(r.Outcome))
	if !validOutcomes[r.Outcome] {
		r.Outcome = OutcomeNoDecision
	}
	r.Sentiment = strings.ToLower(strings.TrimSpace(r.Sentiment))
	if !validSentiments[r.Sentiment] {
		r.Sentiment = "neutral"
	}
	return r, nil
}

func hasUserSpeech(turns []calls.Turn) bool {
	for _, t := range turns {
		if t.Speaker == calls.SpeakerUser && strings.TrimSpace(t.Text) != "" {
			return true
		}
	}
	return false
}

func renderTranscript(call calls.Call, turns []calls.Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\nDirection: %s\n\n", call.Agent.DisplayName(), call.Direction)
	for _, t := range turns {
		who := "Callee"
		if t.Speaker == calls.SpeakerAgent {
			who = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, t.Text)
	}
	return b.String()
}
