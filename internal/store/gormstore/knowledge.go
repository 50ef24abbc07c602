package gormstore

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/knowledge"
)

var (
	_ knowledge.Repository = (*Store)(nil)
	_ audit.Repository     = (*Store)(nil)
)

func (s *Store) AddSnippet(ctx context.Context, sn knowledge.Snippet) error {
	row := snippetRow{ID: sn.ID, AgentID: sn.AgentID, Title: sn.Title, Content: sn.Content}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "content"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("gormstore: add snippet: %w", err)
	}
	return nil
}

// Search narrows candidates with LIKE on each term, then ranks them in
// process with the same scoring the memory store uses.
func (s *Store) Search(ctx context.Context, agentID, query string, limit int) ([]knowledge.Snippet, error) {
	terms := knowledge.Terms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID)
	match := s.db
	for i, t := range terms {
		pattern := "%" + t + "%"
		if i == 0 {
			match = match.Where("LOWER(title) LIKE ? OR LOWER(content) LIKE ?", pattern, pattern)
			continue
		}
		match = match.Or("LOWER(title) LIKE ? OR LOWER(content) LIKE ?", pattern, pattern)
	}
	var rows []snippetRow
	if err := q.Where(match).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: search snippets: %w", err)
	}
	candidates := make([]knowledge.Snippet, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, r.model())
	}
	return knowledge.Rank(candidates, query, limit), nil
}

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	row := auditRow{
		ID:         e.ID,
		Type:       string(e.Type),
		Actor:      e.Actor,
		CampaignID: e.CampaignID,
		CallID:     e.CallID,
		ContactID:  e.ContactID,
		Message:    e.Message,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("gormstore: append audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: list audit events: %w", err)
	}
	out := make([]audit.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}
