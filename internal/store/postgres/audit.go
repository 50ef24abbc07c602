package postgres

import (
	"context"
	"fmt"

	"outbound-voice/internal/audit"
)

var _ audit.Repository = (*Store)(nil)

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO audit_events (id, type, actor, campaign_id, call_id, contact_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, string(e.Type), e.Actor, e.CampaignID, e.CallID, e.ContactID, e.Message, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT id, type, actor, campaign_id, call_id, contact_id, message, metadata, created_at
FROM audit_events WHERE campaign_id = $1
ORDER BY created_at DESC
LIMIT $2`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	defer rows.Close()
	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Actor, &e.CampaignID, &e.CallID, &e.ContactID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
