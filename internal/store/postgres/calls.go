package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"outbound-voice/internal/calls"
)

var (
	_ calls.Repository           = (*Store)(nil)
	_ calls.TranscriptRepository = (*Store)(nil)
	_ calls.AgentRepository      = (*Store)(nil)
	_ calls.AgentWriter          = (*Store)(nil)
	_ calls.AnalysisRepository   = (*Store)(nil)
)

const callColumns = `id, agent_id, campaign_id, direction, from_number, to_number, status, carrier_call_id,
started_at, ended_at, duration_seconds, recording_url, recording_duration_seconds,
agent_snapshot, metadata, created_at, updated_at`

const liveStatuses = `('initiated', 'ringing', 'in-progress')`

func scanCall(row pgx.Row) (calls.Call, error) {
	var (
		c           calls.Call
		agent, meta []byte
	)
	err := row.Scan(
		&c.ID, &c.AgentID, &c.CampaignID, &c.Direction, &c.From, &c.To, &c.Status, &c.CarrierCallID,
		&c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.RecordingURL, &c.RecordingDurationSeconds,
		&agent, &meta, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Call{}, calls.ErrNotFound
		}
		return calls.Call{}, err
	}
	if len(agent) > 0 {
		if err := jsonUnmarshal(agent, &c.Agent); err != nil {
			return calls.Call{}, err
		}
	}
	if c.Metadata, err = unmarshalMetadata(meta); err != nil {
		return calls.Call{}, err
	}
	return c, nil
}

func (s *Store) CreateCall(ctx context.Context, c calls.Call) error {
	agent, err := marshalJSON(c.Agent)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO calls (`+callColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.AgentID, c.CampaignID, string(c.Direction), c.From, c.To, string(c.Status), c.CarrierCallID,
		c.StartedAt, c.EndedAt, c.DurationSeconds, c.RecordingURL, c.RecordingDurationSeconds,
		agent, metadataJSON(c.Metadata), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (calls.Call, error) {
	return scanCall(s.db.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
}

// SetStatus is the compare-and-set behind every call status change.
func (s *Store) SetStatus(ctx context.Context, id string, from, to calls.CallStatus, p calls.Patch, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE calls SET
    status = $3,
    carrier_call_id = COALESCE($4, carrier_call_id),
    started_at = COALESCE($5, started_at),
    ended_at = COALESCE($6, ended_at),
    duration_seconds = COALESCE($7, duration_seconds),
    metadata = metadata || $8::jsonb,
    updated_at = $9
WHERE id = $1 AND status = $2`,
		id, string(from), string(to), p.CarrierCallID, p.StartedAt, p.EndedAt, p.DurationSeconds, metadataJSON(p.Metadata), now,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: set call status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateCall(ctx context.Context, id string, p calls.Patch, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE calls SET
    carrier_call_id = COALESCE($2, carrier_call_id),
    started_at = COALESCE($3, started_at),
    ended_at = COALESCE($4, ended_at),
    duration_seconds = COALESCE($5, duration_seconds),
    metadata = metadata || $6::jsonb,
    updated_at = $7
WHERE id = $1 AND status IN `+liveStatuses,
		id, p.CarrierCallID, p.StartedAt, p.EndedAt, p.DurationSeconds, metadataJSON(p.Metadata), now,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: update call: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AttachRecording(ctx context.Context, id, url string, durationSeconds int, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE calls SET recording_url = $2, recording_duration_seconds = $3, updated_at = $4 WHERE id = $1`,
		id, url, durationSeconds, now,
	)
	if err != nil {
		return fmt.Errorf("postgres: attach recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return calls.ErrNotFound
	}
	return nil
}

func (s *Store) ListStaleCalls(ctx context.Context, updatedBefore time.Time, limit int) ([]calls.Call, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+callColumns+` FROM calls
WHERE status IN `+liveStatuses+` AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale calls: %w", err)
	}
	return collectCalls(rows)
}

func (s *Store) ListCalls(ctx context.Context, f calls.ListFilter) ([]calls.Call, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CampaignID != "" {
		add("campaign_id = $%d", f.CampaignID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	q := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list calls: %w", err)
	}
	return collectCalls(rows)
}

func collectCalls(rows pgx.Rows) ([]calls.Call, error) {
	defer rows.Close()
	var out []calls.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AddTurn(ctx context.Context, t calls.Turn) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO call_turns (id, call_id, speaker, text, confidence, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.CallID, string(t.Speaker), t.Text, t.Confidence, t.DurationMS, t.CreatedAt,
	)
	if pgCode(err) == codeForeignKeyViolation {
		return calls.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: insert turn: %w", err)
	}
	return nil
}

const turnColumns = `id, call_id, speaker, text, confidence, duration_ms, created_at`

func (s *Store) History(ctx context.Context, callID string, limit int) ([]calls.Turn, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+turnColumns+` FROM (
    SELECT seq, `+turnColumns+` FROM call_turns WHERE call_id = $1 ORDER BY seq DESC LIMIT $2
) recent ORDER BY seq ASC`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	return collectTurns(rows)
}

func (s *Store) Transcript(ctx context.Context, callID string) ([]calls.Turn, error) {
	rows, err := s.db.Query(ctx, `SELECT `+turnColumns+` FROM call_turns WHERE call_id = $1 ORDER BY seq ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("postgres: transcript: %w", err)
	}
	return collectTurns(rows)
}

func collectTurns(rows pgx.Rows) ([]calls.Turn, error) {
	defer rows.Close()
	var out []calls.Turn
	for rows.Next() {
		var t calls.Turn
		if err := rows.Scan(&t.ID, &t.CallID, &t.Speaker, &t.Text, &t.Confidence, &t.DurationMS, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const agentColumns = `id, owner_user_id, name, persona, temperature, max_tokens, active, phone_number, voice`

func scanAgent(row pgx.Row) (calls.Agent, error) {
	var a calls.Agent
	err := row.Scan(&a.ID, &a.OwnerUserID, &a.Name, &a.Persona, &a.Temperature, &a.MaxTokens, &a.Active, &a.PhoneNumber, &a.Voice)
	if errors.Is(err, pgx.ErrNoRows) {
		return calls.Agent{}, calls.ErrNotFound
	}
	return a, err
}

func (s *Store) GetAgent(ctx context.Context, id string) (calls.Agent, error) {
	return scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (s *Store) AgentByNumber(ctx context.Context, phoneNumber string) (calls.Agent, error) {
	if phoneNumber == "" {
		return calls.Agent{}, calls.ErrNotFound
	}
	return scanAgent(s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE phone_number = $1 ORDER BY active DESC, id LIMIT 1`, phoneNumber))
}

func (s *Store) SaveAgent(ctx context.Context, a calls.Agent) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO agents (`+agentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    owner_user_id = EXCLUDED.owner_user_id,
    name = EXCLUDED.name,
    persona = EXCLUDED.persona,
    temperature = EXCLUDED.temperature,
    max_tokens = EXCLUDED.max_tokens,
    active = EXCLUDED.active,
    phone_number = EXCLUDED.phone_number,
    voice = EXCLUDED.voice,
    updated_at = now()`,
		a.ID, a.OwnerUserID, a.Name, a.Persona, a.Temperature, a.MaxTokens, a.Active, a.PhoneNumber, a.Voice,
	)
	if err != nil {
		return fmt.Errorf("postgres: save agent: %w", err)
	}
	return nil
}

func (s *Store) SaveAnalysis(ctx context.Context, a calls.Analysis) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO call_analyses (call_id, summary, outcome, sentiment, follow_up, raw, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (call_id) DO UPDATE SET
    summary = EXCLUDED.summary,
    outcome = EXCLUDED.outcome,
    sentiment = EXCLUDED.sentiment,
    follow_up = EXCLUDED.follow_up,
    raw = EXCLUDED.raw,
    created_at = EXCLUDED.created_at`,
		a.CallID, a.Summary, a.Outcome, a.Sentiment, a.FollowUp, a.Raw, a.CreatedAt,
	)
	if pgCode(err) == codeForeignKeyViolation {
		return calls.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: save analysis: %w", err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, callID string) (calls.Analysis, error) {
	var a calls.Analysis
	err := s.db.QueryRow(ctx, `
SELECT call_id, summary, outcome, sentiment, follow_up, raw, created_at
FROM call_analyses WHERE call_id = $1`, callID,
	).Scan(&a.CallID, &a.Summary, &a.Outcome, &a.Sentiment, &a.FollowUp, &a.Raw, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return calls.Analysis{}, calls.ErrNotFound
	}
	return a, err
}
