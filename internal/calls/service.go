package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("calls: not found")
	ErrInvalidArgument   = errors.New("calls: invalid argument")
	ErrInvalidTransition = errors.New("calls: invalid status transition")
	ErrTerminal          = errors.New("calls: call is terminal")
	ErrConflict          = errors.New("calls: concurrent update")
	ErrAgentInactive     = errors.New("calls: agent inactive")
)

// Repository is the persistence contract for call records.
//
// SetStatus and UpdateCall are conditional writes: SetStatus only applies when
// the stored status still equals from, UpdateCall only applies to non-terminal
// calls. Both report whether a row changed.
type Repository interface {
	CreateCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, id string) (Call, error)
	SetStatus(ctx context.Context, id string, from, to CallStatus, p Patch, now time.Time) (bool, error)
	UpdateCall(ctx context.Context, id string, p Patch, now time.Time) (bool, error)
	AttachRecording(ctx context.Context, id, url string, durationSeconds int, now time.Time) error
	ListStaleCalls(ctx context.Context, updatedBefore time.Time, limit int) ([]Call, error)
	ListCalls(ctx context.Context, f ListFilter) ([]Call, error)
}

// ListFilter narrows ListCalls. Zero fields match everything; the time range
// applies to created_at and is half-open.
type ListFilter struct {
	CampaignID string
	AgentID    string
	From       time.Time
	To         time.Time
	Limit      int
}

func (f ListFilter) Match(c Call) bool {
	if f.CampaignID != "" && c.CampaignID != f.CampaignID {
		return false
	}
	if f.AgentID != "" && c.AgentID != f.AgentID {
		return false
	}
	if !f.From.IsZero() && c.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !c.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// TranscriptRepository stores append-only transcript turns.
type TranscriptRepository interface {
	AddTurn(ctx context.Context, t Turn) error
	// History returns the latest limit turns in chronological order.
	History(ctx context.Context, callID string, limit int) ([]Turn, error)
	Transcript(ctx context.Context, callID string) ([]Turn, error)
}

// AgentRepository reads agent configuration.
type AgentRepository interface {
	GetAgent(ctx context.Context, id string) (Agent, error)
	AgentByNumber(ctx context.Context, phoneNumber string) (Agent, error)
}

// AgentWriter stores agent configuration. Agents are provisioned out of band
// (seed files, operators); the call path only reads them.
type AgentWriter interface {
	SaveAgent(ctx context.Context, a Agent) error
}

// AnalysisRepository stores post-call analyses.
type AnalysisRepository interface {
	SaveAnalysis(ctx context.Context, a Analysis) error
	GetAnalysis(ctx context.Context, callID string) (Analysis, error)
}

// Service owns the call lifecycle rules on top of a Repository.
type Service struct {
	repo        Repository
	transcripts TranscriptRepository
	clock       func() time.Time
}

func NewService(repo Repository, transcripts TranscriptRepository) *Service {
	return &Service{repo: repo, transcripts: transcripts, clock: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// NewCall describes a call about to be dialed or answered.
type NewCall struct {
	Agent      Agent
	Direction  Direction
	From       string
	To         string
	CampaignID string
	Metadata   map[string]string
}

// Create persists a new call in the initiated state with a frozen agent snapshot.
func (s *Service) Create(ctx context.Context, in NewCall) (Call, error) {
	if s.repo == nil {
		return Call{}, errors.New("calls: repository not configured")
	}
	if in.Agent.ID == "" || !in.Direction.Valid() || strings.TrimSpace(in.To) == "" {
		return Call{}, ErrInvalidArgument
	}
	if !in.Agent.Active {
		return Call{}, ErrAgentInactive
	}

	now := s.clock().UTC()
	c := Call{
		ID:         uuid.NewString(),
		AgentID:    in.Agent.ID,
		CampaignID: in.CampaignID,
		Direction:  in.Direction,
		From:       strings.TrimSpace(in.From),
		To:         strings.TrimSpace(in.To),
		Status:     CallStatusInitiated,
		Agent:      in.Agent.Snapshot(),
		Metadata:   copyMetadata(in.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreateCall(ctx, c); err != nil {
		return Call{}, fmt.Errorf("calls: create: %w", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Call, error) {
	if id == "" {
		return Call{}, ErrInvalidArgument
	}
	return s.repo.GetCall(ctx, id)
}

const maxTransitionAttempts = 3

// Transition moves a call to status to, applying p in the same write.
//
// It is idempotent: replaying the current status, reporting a status behind
// the current one, or reporting anything for a terminal call returns the
// stored call with changed=false. Exactly one caller observes changed=true for
// the write that makes a call terminal.
func (s *Service) Transition(ctx context.Context, id string, to CallStatus, p Patch) (Call, bool, error) {
	if id == "" || !to.Valid() {
		return Call{}, false, ErrInvalidArgument
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := s.repo.GetCall(ctx, id)
		if err != nil {
			return Call{}, false, err
		}
		if !CanTransition(cur.Status, to) {
			return cur, false, nil
		}

		now := s.clock().UTC()
		patch := fillTimestamps(cur, to, p, now)

		ok, err := s.repo.SetStatus(ctx, id, cur.Status, to, patch, now)
		if err != nil {
			return Call{}, false, fmt.Errorf("calls: set status: %w", err)
		}
		if ok {
			patch.Apply(&cur)
			cur.Status = to
			cur.UpdatedAt = now
			return cur, true, nil
		}
	}
	return Call{}, false, ErrConflict
}

func fillTimestamps(cur Call, to CallStatus, p Patch, now time.Time) Patch {
	out := p
	if to == CallStatusInProgress && cur.StartedAt == nil && out.StartedAt == nil {
		out.StartedAt = TimePtr(now)
	}
	if to.Terminal() {
		if out.EndedAt == nil {
			out.EndedAt = TimePtr(now)
		}
		if out.DurationSeconds == nil {
			started := cur.StartedAt
			if out.StartedAt != nil {
				started = out.StartedAt
			}
			d := 0
			if started != nil && out.EndedAt.After(*started) {
				d = int(out.EndedAt.Sub(*started).Seconds())
			}
			out.DurationSeconds = IntPtr(d)
		}
	}
	return out
}

// Update writes non-status fields. Terminal calls are rejected with ErrTerminal.
func (s *Service) Update(ctx context.Context, id string, p Patch) error {
	if id == "" {
		return ErrInvalidArgument
	}
	if p.Empty() {
		return nil
	}
	ok, err := s.repo.UpdateCall(ctx, id, p, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("calls: update: %w", err)
	}
	if !ok {
		if _, err := s.repo.GetCall(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// AttachRecording is allowed in every status, terminal included.
func (s *Service) AttachRecording(ctx context.Context, id, url string, durationSeconds int) error {
	if id == "" || strings.TrimSpace(url) == "" || durationSeconds < 0 {
		return ErrInvalidArgument
	}
	return s.repo.AttachRecording(ctx, id, strings.TrimSpace(url), durationSeconds, s.clock().UTC())
}

// Stale lists non-terminal calls not touched since before.
func (s *Service) Stale(ctx context.Context, before time.Time, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListStaleCalls(ctx, before, limit)
}

// List returns calls newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Call, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 500
	}
	return s.repo.ListCalls(ctx, f)
}

// AddTurn appends a transcript line.
func (s *Service) AddTurn(ctx context.Context, callID string, speaker Speaker, text string, confidence *float64) (Turn, error) {
	if s.transcripts == nil {
		return Turn{}, errors.New("calls: transcript repository not configured")
	}
	text = strings.TrimSpace(text)
	if callID == "" || text == "" || (speaker != SpeakerUser && speaker != SpeakerAgent) {
		return Turn{}, ErrInvalidArgument
	}
	t := Turn{
		ID:         uuid.NewString(),
		CallID:     callID,
		Speaker:    speaker,
		Text:       text,
		Confidence: confidence,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.transcripts.AddTurn(ctx, t); err != nil {
		return Turn{}, fmt.Errorf("calls: add turn: %w", err)
	}
	return t, nil
}

// History returns up to limit of the most recent turns, oldest first.
func (s *Service) History(ctx context.Context, callID string, limit int) ([]Turn, error) {
	if s.transcripts == nil {
		return nil, errors.New("calls: transcript repository not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	return s.transcripts.History(ctx, callID, limit)
}

func (s *Service) Transcript(ctx context.Context, callID string) ([]Turn, error) {
	if s.transcripts == nil {
		return nil, errors.New("calls: transcript repository not configured")
	}
	return s.transcripts.Transcript(ctx, callID)
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
