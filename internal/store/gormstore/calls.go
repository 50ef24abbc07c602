package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"outbound-voice/internal/calls"
)

var (
	_ calls.Repository           = (*Store)(nil)
	_ calls.TranscriptRepository = (*Store)(nil)
	_ calls.AgentRepository      = (*Store)(nil)
	_ calls.AgentWriter          = (*Store)(nil)
	_ calls.AnalysisRepository   = (*Store)(nil)
)

var liveStatuses = []string{
	string(calls.CallStatusInitiated),
	string(calls.CallStatusRinging),
	string(calls.CallStatusInProgress),
}

func (s *Store) SaveAgent(ctx context.Context, a calls.Agent) error {
	if a.ID == "" {
		return calls.ErrInvalidArgument
	}
	row := fromAgent(a)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_user_id", "name", "persona", "temperature", "max_tokens", "active", "phone_number", "voice", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("gormstore: save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (calls.Agent, error) {
	var row agentRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return calls.Agent{}, calls.ErrNotFound
		}
		return calls.Agent{}, err
	}
	return row.model(), nil
}

func (s *Store) AgentByNumber(ctx context.Context, phoneNumber string) (calls.Agent, error) {
	if phoneNumber == "" {
		return calls.Agent{}, calls.ErrNotFound
	}
	var row agentRow
	if err := s.db.WithContext(ctx).Where("phone_number = ?", phoneNumber).Order("created_at").First(&row).Error; err != nil {
		if isNotFound(err) {
			return calls.Agent{}, calls.ErrNotFound
		}
		return calls.Agent{}, err
	}
	return row.model(), nil
}

func (s *Store) CreateCall(ctx context.Context, c calls.Call) error {
	row := fromCall(c)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("gormstore: insert call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (calls.Call, error) {
	var row callRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return calls.Call{}, calls.ErrNotFound
		}
		return calls.Call{}, err
	}
	return row.model(), nil
}

// patchColumns turns a patch into column assignments. Metadata is merged by
// the caller and written pre-encoded: map updates bypass the json serializer.
func patchColumns(p calls.Patch, now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now.UTC()}
	if p.CarrierCallID != nil {
		cols["carrier_call_id"] = *p.CarrierCallID
	}
	if p.StartedAt != nil {
		cols["started_at"] = p.StartedAt.UTC()
	}
	if p.EndedAt != nil {
		cols["ended_at"] = p.EndedAt.UTC()
	}
	if p.DurationSeconds != nil {
		cols["duration_seconds"] = *p.DurationSeconds
	}
	return cols
}

// writeCall applies p inside a transaction when the current row passes ok.
// The final UPDATE repeats the status guard so a concurrent writer on another
// connection still loses cleanly.
func (s *Store) writeCall(ctx context.Context, id string, p calls.Patch, now time.Time, extra map[string]any, guard func(tx *gorm.DB) *gorm.DB, ok func(callRow) bool) (bool, error) {
	var won bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur callRow
		if err := tx.First(&cur, "id = ?", id).Error; err != nil {
			if isNotFound(err) {
				return calls.ErrNotFound
			}
			return err
		}
		if !ok(cur) {
			return nil
		}
		cols := patchColumns(p, now)
		for k, v := range extra {
			cols[k] = v
		}
		if len(p.Metadata) > 0 {
			merged := make(map[string]string, len(cur.Metadata)+len(p.Metadata))
			for k, v := range cur.Metadata {
				merged[k] = v
			}
			for k, v := range p.Metadata {
				merged[k] = v
			}
			b, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			cols["metadata"] = string(b)
		}
		res := guard(tx.Model(&callRow{}).Where("id = ?", id)).UpdateColumns(cols)
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("gormstore: update call: %w", err)
	}
	return won, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, from, to calls.CallStatus, p calls.Patch, now time.Time) (bool, error) {
	return s.writeCall(ctx, id, p, now,
		map[string]any{"status": string(to)},
		func(tx *gorm.DB) *gorm.DB { return tx.Where("status = ?", string(from)) },
		func(cur callRow) bool { return cur.Status == string(from) },
	)
}

func (s *Store) UpdateCall(ctx context.Context, id string, p calls.Patch, now time.Time) (bool, error) {
	return s.writeCall(ctx, id, p, now, nil,
		func(tx *gorm.DB) *gorm.DB { return tx.Where("status IN ?", liveStatuses) },
		func(cur callRow) bool { return !calls.CallStatus(cur.Status).Terminal() },
	)
}

func (s *Store) AttachRecording(ctx context.Context, id, url string, durationSeconds int, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&callRow{}).Where("id = ?", id).UpdateColumns(map[string]any{
		"recording_url":              url,
		"recording_duration_seconds": durationSeconds,
		"updated_at":                 now.UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("gormstore: attach recording: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return calls.ErrNotFound
	}
	return nil
}

func (s *Store) ListStaleCalls(ctx context.Context, updatedBefore time.Time, limit int) ([]calls.Call, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", liveStatuses, updatedBefore.UTC()).
		Order("updated_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []callRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list stale calls: %w", err)
	}
	return callModels(rows), nil
}

func (s *Store) ListCalls(ctx context.Context, f calls.ListFilter) ([]calls.Call, error) {
	q := s.db.WithContext(ctx).Model(&callRow{})
	if f.CampaignID != "" {
		q = q.Where("campaign_id = ?", f.CampaignID)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []callRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list calls: %w", err)
	}
	return callModels(rows), nil
}

func callModels(rows []callRow) []calls.Call {
	out := make([]calls.Call, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

func (s *Store) AddTurn(ctx context.Context, t calls.Turn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&callRow{}).Where("id = ?", t.CallID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return calls.ErrNotFound
		}
		row := turnRow{
			ID:         t.ID,
			CallID:     t.CallID,
			Speaker:    string(t.Speaker),
			Text:       t.Text,
			Confidence: t.Confidence,
			DurationMS: t.DurationMS,
			CreatedAt:  t.CreatedAt.UTC(),
		}
		return tx.Create(&row).Error
	})
}

func (s *Store) History(ctx context.Context, callID string, limit int) ([]calls.Turn, error) {
	q := s.db.WithContext(ctx).Where("call_id = ?", callID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []turnRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: history: %w", err)
	}
	out := make([]calls.Turn, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.model()
	}
	return out, nil
}

func (s *Store) Transcript(ctx context.Context, callID string) ([]calls.Turn, error) {
	return s.History(ctx, callID, 0)
}

func (s *Store) SaveAnalysis(ctx context.Context, a calls.Analysis) error {
	row := analysisRow{
		CallID:    a.CallID,
		Summary:   a.Summary,
		Outcome:   a.Outcome,
		Sentiment: a.Sentiment,
		FollowUp:  a.FollowUp,
		Raw:       a.Raw,
		CreatedAt: a.CreatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary", "outcome", "sentiment", "follow_up", "raw", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("gormstore: save analysis: %w", err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, callID string) (calls.Analysis, error) {
	var row analysisRow
	if err := s.db.WithContext(ctx).First(&row, "call_id = ?", callID).Error; err != nil {
		if isNotFound(err) {
			return calls.Analysis{}, calls.ErrNotFound
		}
		return calls.Analysis{}, err
	}
	return calls.Analysis{
		CallID:    row.CallID,
		Summary:   row.Summary,
		Outcome:   row.Outcome,
		Sentiment: row.Sentiment,
		FollowUp:  row.FollowUp,
		Raw:       row.Raw,
		CreatedAt: row.CreatedAt.UTC(),
	}, nil
}
