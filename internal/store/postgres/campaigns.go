package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"outbound-voice/internal/campaigns"
)

var _ campaigns.Repository = (*Store)(nil)

const campaignColumns = `id, name, agent_id, owner_user_id, state, settings, scheduled_start_time,
started_at, completed_at, last_dialed_at, stats, created_at, updated_at`

const contactColumns = `id, campaign_id, phone, name, metadata, state, locked_until, last_attempted_at,
call_id, outcome, created_at, updated_at`

func scanCampaign(row pgx.Row) (campaigns.Campaign, error) {
	var (
		c               campaigns.Campaign
		settings, stats []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.AgentID, &c.OwnerUserID, &c.State, &settings, &c.ScheduledStartTime,
		&c.StartedAt, &c.CompletedAt, &c.LastDialedAt, &stats, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return campaigns.Campaign{}, campaigns.ErrNotFound
		}
		return campaigns.Campaign{}, err
	}
	if err := jsonUnmarshal(settings, &c.Settings); err != nil {
		return campaigns.Campaign{}, err
	}
	if len(stats) > 0 {
		if err := jsonUnmarshal(stats, &c.Stats); err != nil {
			return campaigns.Campaign{}, err
		}
	}
	return c, nil
}

func scanContact(row pgx.Row) (campaigns.Contact, error) {
	var (
		ct   campaigns.Contact
		meta []byte
	)
	err := row.Scan(&ct.ID, &ct.CampaignID, &ct.Phone, &ct.Name, &meta, &ct.State, &ct.LockedUntil,
		&ct.LastAttemptedAt, &ct.CallID, &ct.Outcome, &ct.CreatedAt, &ct.UpdatedAt)
	if err != nil {
		return campaigns.Contact{}, err
	}
	if ct.Metadata, err = unmarshalMetadata(meta); err != nil {
		return campaigns.Contact{}, err
	}
	return ct, nil
}

func collectContacts(rows pgx.Rows) ([]campaigns.Contact, error) {
	defer rows.Close()
	var out []campaigns.Contact
	for rows.Next() {
		ct, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

func (s *Store) CreateCampaign(ctx context.Context, c campaigns.Campaign, contacts []campaigns.Contact) error {
	settings, err := marshalJSON(c.Settings)
	if err != nil {
		return err
	}
	stats, err := marshalJSON(c.Stats)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO campaigns (`+campaignColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			c.ID, c.Name, c.AgentID, c.OwnerUserID, string(c.State), settings, c.ScheduledStartTime,
			c.StartedAt, c.CompletedAt, c.LastDialedAt, stats, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert campaign: %w", err)
		}
		return insertContacts(ctx, tx, contacts)
	})
}

func insertContacts(ctx context.Context, tx pgx.Tx, contacts []campaigns.Contact) error {
	for _, ct := range contacts {
		_, err := tx.Exec(ctx, `
INSERT INTO campaign_contacts (`+contactColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			ct.ID, ct.CampaignID, ct.Phone, ct.Name, metadataJSON(ct.Metadata), string(ct.State), ct.LockedUntil,
			ct.LastAttemptedAt, ct.CallID, ct.Outcome, ct.CreatedAt, ct.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert contact: %w", err)
		}
	}
	return nil
}

func (s *Store) AddContacts(ctx context.Context, campaignID string, contacts []campaigns.Contact) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM campaigns WHERE id = $1 FOR SHARE`, campaignID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return campaigns.ErrNotFound
		}
		if err != nil {
			return err
		}
		return insertContacts(ctx, tx, contacts)
	})
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	return scanCampaign(s.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
}

func (s *Store) ListCampaigns(ctx context.Context, f campaigns.ListFilter) ([]campaigns.Campaign, error) {
	states := make([]string, 0, len(f.States))
	for _, st := range f.States {
		states = append(states, string(st))
	}
	rows, err := s.db.Query(ctx, `
SELECT `+campaignColumns+` FROM campaigns
WHERE ($1 = '' OR owner_user_id = $1)
  AND (cardinality($2::text[]) = 0 OR state = ANY($2))
ORDER BY created_at ASC`, f.OwnerUserID, states)
	if err != nil {
		return nil, fmt.Errorf("postgres: list campaigns: %w", err)
	}
	defer rows.Close()
	var out []campaigns.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetCampaignState(ctx context.Context, id string, from, to campaigns.State, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE campaigns SET
    state = $3,
    started_at = CASE WHEN $3 = 'running' THEN $4 ELSE started_at END,
    completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END,
    updated_at = $4
WHERE id = $1 AND state = $2`, id, string(from), string(to), now)
	if err != nil {
		return false, fmt.Errorf("postgres: set campaign state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkDialed(ctx context.Context, campaignID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE campaigns SET last_dialed_at = $2, updated_at = $2 WHERE id = $1`, campaignID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark dialed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return campaigns.ErrNotFound
	}
	return nil
}

func (s *Store) SaveStats(ctx context.Context, campaignID string, st campaigns.Stats, now time.Time) error {
	stats, err := marshalJSON(st)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE campaigns SET stats = $2, updated_at = $3 WHERE id = $1`, campaignID, stats, now)
	if err != nil {
		return fmt.Errorf("postgres: save stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return campaigns.ErrNotFound
	}
	return nil
}

func (s *Store) CountContacts(ctx context.Context, campaignID string) (campaigns.ContactCounts, error) {
	rows, err := s.db.Query(ctx,
		`SELECT state, count(*) FROM campaign_contacts WHERE campaign_id = $1 GROUP BY state`, campaignID)
	if err != nil {
		return campaigns.ContactCounts{}, fmt.Errorf("postgres: count contacts: %w", err)
	}
	defer rows.Close()
	var out campaigns.ContactCounts
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return campaigns.ContactCounts{}, err
		}
		switch campaigns.ContactState(state) {
		case campaigns.ContactPending:
			out.Pending = n
		case campaigns.ContactCalling:
			out.Calling = n
		case campaigns.ContactCompleted:
			out.Completed = n
		case campaigns.ContactFailed:
			out.Failed = n
		}
	}
	return out, rows.Err()
}

func (s *Store) ListContacts(ctx context.Context, campaignID string) ([]campaigns.Contact, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+contactColumns+` FROM campaign_contacts
WHERE campaign_id = $1 ORDER BY created_at ASC, id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list contacts: %w", err)
	}
	return collectContacts(rows)
}

func (s *Store) ContactByCallID(ctx context.Context, callID string) (campaigns.Contact, error) {
	if callID == "" {
		return campaigns.Contact{}, campaigns.ErrNotFound
	}
	ct, err := scanContact(s.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM campaign_contacts WHERE call_id = $1`, callID))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaigns.Contact{}, campaigns.ErrNotFound
	}
	return ct, err
}

func (s *Store) NextPendingContact(ctx context.Context, campaignID string, now time.Time) (campaigns.Contact, error) {
	ct, err := scanContact(s.db.QueryRow(ctx, `
SELECT `+contactColumns+` FROM campaign_contacts
WHERE campaign_id = $1 AND state = 'pending' AND (locked_until IS NULL OR locked_until < $2)
ORDER BY created_at ASC, id ASC
LIMIT 1`, campaignID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaigns.Contact{}, campaigns.ErrNoContact
	}
	return ct, err
}

// ClaimContact re-checks state = 'pending' in the UPDATE itself. When two
// dialers race on different contacts of one campaign, the partial unique
// index on calling contacts rejects the loser.
func (s *Store) ClaimContact(ctx context.Context, contactID string, now, lockedUntil time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE campaign_contacts AS c SET
    state = 'calling',
    call_id = '',
    locked_until = $3,
    last_attempted_at = $2,
    updated_at = $2
WHERE c.id = $1 AND c.state = 'pending'
  AND NOT EXISTS (
    SELECT 1 FROM campaign_contacts o
    WHERE o.campaign_id = c.campaign_id AND o.state = 'calling'
  )`, contactID, now, lockedUntil)
	if pgCode(err) == codeUniqueViolation {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: claim contact: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) LinkContactCall(ctx context.Context, contactID, callID string, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE campaign_contacts SET call_id = $2, updated_at = $3 WHERE id = $1`, contactID, callID, now)
	if err != nil {
		return fmt.Errorf("postgres: link contact call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return campaigns.ErrNotFound
	}
	return nil
}

func (s *Store) ExtendContactLock(ctx context.Context, contactID, callID string, lockedUntil time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE campaign_contacts SET locked_until = $3
WHERE id = $1 AND call_id = $2 AND state = 'calling'`, contactID, callID, lockedUntil)
	if err != nil {
		return false, fmt.Errorf("postgres: extend contact lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinishContact(ctx context.Context, contactID, callID string, state campaigns.ContactState, outcome string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE campaign_contacts SET state = $3, outcome = $4, locked_until = NULL, updated_at = $5
WHERE id = $1 AND state = 'calling' AND ($2 = '' OR call_id = $2)`,
		contactID, callID, string(state), outcome, now)
	if err != nil {
		return false, fmt.Errorf("postgres: finish contact: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseExpiredContacts(ctx context.Context, now time.Time) ([]campaigns.Contact, error) {
	rows, err := s.db.Query(ctx, `
WITH expired AS (
    SELECT id, call_id FROM campaign_contacts
    WHERE state = 'calling' AND locked_until < $1
    FOR UPDATE SKIP LOCKED
)
UPDATE campaign_contacts AS c SET state = 'pending', call_id = '', locked_until = NULL, updated_at = $1
FROM expired e
WHERE c.id = e.id
RETURNING c.id, c.campaign_id, c.phone, c.name, c.metadata, c.state, c.locked_until, c.last_attempted_at,
    e.call_id, c.outcome, c.created_at, c.updated_at`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: release expired contacts: %w", err)
	}
	return collectContacts(rows)
}
