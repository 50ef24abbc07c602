// Package turn turns one caller utterance into the agent's next line.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/knowledge"
	"outbound-voice/internal/llm"
	"outbound-voice/pkg/logger"
)

var ErrLLMUnavailable = errors.New("turn: llm unavailable")

const (
	DefaultHistoryWindow = 8
	DefaultKnowledgeK    = 3
)

// Transcripts is the slice of calls.Service the processor needs.
type Transcripts interface {
	AddTurn(ctx context.Context, callID string, speaker calls.Speaker, text string, confidence *float64) (calls.Turn, error)
	History(ctx context.Context, callID string, limit int) ([]calls.Turn, error)
}

type KnowledgeSearcher interface {
	Search(ctx context.Context, agentID, query string, limit int) ([]knowledge.Snippet, error)
}

// Input is one utterance to answer. History, when nil, is loaded from the
// transcript store and must not contain the utterance itself.
type Input struct {
	Call       calls.Call
	Utterance  string
	Confidence *float64
	History    []calls.Turn
}

type Reply struct {
	Text   string
	Hangup bool
}

type Processor struct {
	transcripts Transcripts
	knowledge   KnowledgeSearcher
	llm         llm.Completer
	log         *slog.Logger

	historyWindow int
	knowledgeK    int
}

func NewProcessor(t Transcripts, k KnowledgeSearcher, c llm.Completer, log *slog.Logger) *Processor {
	return &Processor{
		transcripts:   t,
		knowledge:     k,
		llm:           c,
		log:           logger.OrNop(log).With("component", "turn"),
		historyWindow: DefaultHistoryWindow,
		knowledgeK:    DefaultKnowledgeK,
	}
}

// Process answers in.Utterance on behalf of the call's agent snapshot.
func (p *Processor) Process(ctx context.Context, in Input) (Reply, error) {
	call := in.Call
	utterance := strings.TrimSpace(in.Utterance)
	if call.ID == "" || utterance == "" {
		return Reply{}, calls.ErrInvalidArgument
	}
	log := p.log.With("call_id", call.ID)

	history := in.History
	if history == nil {
		h, err := p.transcripts.History(ctx, call.ID, p.historyWindow)
		if err != nil {
			return Reply{}, fmt.Errorf("turn: load history: %w", err)
		}
		history = h
	}

	// The caller's words are kept even when the model fails below.
	if _, err := p.transcripts.AddTurn(ctx, call.ID, calls.SpeakerUser, utterance, in.Confidence); err != nil {
		return Reply{}, fmt.Errorf("turn: persist user turn: %w", err)
	}

	snippets := p.lookupKnowledge(ctx, log, call.Agent.ID, utterance)

	req := llm.Request{
		System:      SystemPrompt(call.Agent, snippets),
		Messages:    append(toMessages(history), llm.Message{Role: llm.RoleUser, Content: utterance}),
		Temperature: call.Agent.Temperature,
		MaxTokens:   call.Agent.MaxTokens,
	}
	out, err := p.llm.Complete(ctx, req)
	if err != nil {
		log.Error("llm completion failed", "dependency", "llm", "err", err)
		return Reply{}, fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}

	text, hangup := stripEndMarker(out)
	text = SpeakTimes(text)
	if text == "" {
		log.Error("llm returned empty reply", "dependency", "llm", "hangup", hangup)
		return Reply{}, fmt.Errorf("%w: empty reply", ErrLLMUnavailable)
	}

	if _, err := p.transcripts.AddTurn(ctx, call.ID, calls.SpeakerAgent, text, nil); err != nil {
		return Reply{}, fmt.Errorf("turn: persist agent turn: %w", err)
	}
	return Reply{Text: text, Hangup: hangup}, nil
}

// Opening generates the first line of an outbound call and records it.
func (p *Processor) Opening(ctx context.Context, call calls.Call) (string, error) {
	req := llm.Request{
		System:      SystemPrompt(call.Agent, nil),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: openingInstruction(call.Agent, call.Metadata["contact_name"])}},
		Temperature: call.Agent.Temperature,
		MaxTokens:   call.Agent.MaxTokens,
	}
	out, err := p.llm.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}
	text, _ := stripEndMarker(out)
	text = SpeakTimes(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty opening", ErrLLMUnavailable)
	}
	if err := p.Record(ctx, call.ID, text); err != nil {
		return "", err
	}
	return text, nil
}

// Record persists a line the agent said outside Process, such as a canned
// greeting or an apology.
func (p *Processor) Record(ctx context.Context, callID, text string) error {
	if _, err := p.transcripts.AddTurn(ctx, callID, calls.SpeakerAgent, text, nil); err != nil {
		return fmt.Errorf("turn: persist agent turn: %w", err)
	}
	return nil
}

func (p *Processor) lookupKnowledge(ctx context.Context, log *slog.Logger, agentID, query string) []knowledge.Snippet {
	if p.knowledge == nil || p.knowledgeK <= 0 {
		return nil
	}
	snippets, err := p.knowledge.Search(ctx, agentID, query, p.knowledgeK)
	if err != nil {
		log.Warn("knowledge lookup failed, continuing without", "dependency", "knowledge", "err", err)
		return nil
	}
	return snippets
}

func toMessages(history []calls.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := llm.RoleUser
		if t.Speaker == calls.SpeakerAgent {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Text})
	}
	return out
}
