package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"outbound-voice/internal/campaigns"
)

var _ campaigns.Repository = (*Store)(nil)

func (s *Store) CreateCampaign(ctx context.Context, c campaigns.Campaign, contacts []campaigns.Contact) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := fromCampaign(c)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("gormstore: insert campaign: %w", err)
		}
		return insertContacts(tx, contacts)
	})
}

func (s *Store) AddContacts(ctx context.Context, campaignID string, contacts []campaigns.Contact) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&campaignRow{}).Where("id = ?", campaignID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return campaigns.ErrNotFound
		}
		return insertContacts(tx, contacts)
	})
}

func insertContacts(tx *gorm.DB, contacts []campaigns.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	rows := make([]contactRow, 0, len(contacts))
	for _, ct := range contacts {
		rows = append(rows, fromContact(ct))
	}
	if err := tx.CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("gormstore: insert contacts: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	var row campaignRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return campaigns.Campaign{}, campaigns.ErrNotFound
		}
		return campaigns.Campaign{}, err
	}
	return row.model(), nil
}

func (s *Store) ListCampaigns(ctx context.Context, f campaigns.ListFilter) ([]campaigns.Campaign, error) {
	q := s.db.WithContext(ctx).Model(&campaignRow{})
	if f.OwnerUserID != "" {
		q = q.Where("owner_user_id = ?", f.OwnerUserID)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		q = q.Where("state IN ?", states)
	}
	var rows []campaignRow
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list campaigns: %w", err)
	}
	out := make([]campaigns.Campaign, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) SetCampaignState(ctx context.Context, id string, from, to campaigns.State, now time.Time) (bool, error) {
	now = now.UTC()
	cols := map[string]any{"state": string(to), "updated_at": now}
	switch to {
	case campaigns.StateRunning:
		cols["started_at"] = now
	case campaigns.StateCompleted:
		cols["completed_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&campaignRow{}).
		Where("id = ? AND state = ?", id, string(from)).
		UpdateColumns(cols)
	if res.Error != nil {
		return false, fmt.Errorf("gormstore: set campaign state: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetCampaign(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) MarkDialed(ctx context.Context, campaignID string, at time.Time) error {
	return s.updateCampaign(ctx, campaignID, map[string]any{"last_dialed_at": at.UTC(), "updated_at": at.UTC()})
}

func (s *Store) SaveStats(ctx context.Context, campaignID string, st campaigns.Stats, now time.Time) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("gormstore: encode stats: %w", err)
	}
	return s.updateCampaign(ctx, campaignID, map[string]any{"stats": string(b), "updated_at": now.UTC()})
}

func (s *Store) updateCampaign(ctx context.Context, id string, cols map[string]any) error {
	res := s.db.WithContext(ctx).Model(&campaignRow{}).Where("id = ?", id).UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("gormstore: update campaign: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return campaigns.ErrNotFound
	}
	return nil
}

func (s *Store) CountContacts(ctx context.Context, campaignID string) (campaigns.ContactCounts, error) {
	var rows []struct {
		State string
		N     int
	}
	err := s.db.WithContext(ctx).Model(&contactRow{}).
		Select("state, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return campaigns.ContactCounts{}, fmt.Errorf("gormstore: count contacts: %w", err)
	}
	var out campaigns.ContactCounts
	for _, r := range rows {
		switch campaigns.ContactState(r.State) {
		case campaigns.ContactPending:
			out.Pending = r.N
		case campaigns.ContactCalling:
			out.Calling = r.N
		case campaigns.ContactCompleted:
			out.Completed = r.N
		case campaigns.ContactFailed:
			out.Failed = r.N
		}
	}
	return out, nil
}

func (s *Store) ListContacts(ctx context.Context, campaignID string) ([]campaigns.Contact, error) {
	var rows []contactRow
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: list contacts: %w", err)
	}
	return contactModels(rows), nil
}

func contactModels(rows []contactRow) []campaigns.Contact {
	out := make([]campaigns.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

func (s *Store) ContactByCallID(ctx context.Context, callID string) (campaigns.Contact, error) {
	if callID == "" {
		return campaigns.Contact{}, campaigns.ErrNotFound
	}
	var row contactRow
	if err := s.db.WithContext(ctx).First(&row, "call_id = ?", callID).Error; err != nil {
		if isNotFound(err) {
			return campaigns.Contact{}, campaigns.ErrNotFound
		}
		return campaigns.Contact{}, err
	}
	return row.model(), nil
}

func (s *Store) NextPendingContact(ctx context.Context, campaignID string, now time.Time) (campaigns.Contact, error) {
	var row contactRow
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND state = ?", campaignID, string(campaigns.ContactPending)).
		Where("locked_until IS NULL OR locked_until < ?", now.UTC()).
		Order("created_at, id").
		First(&row).Error
	if err != nil {
		if isNotFound(err) {
			return campaigns.Contact{}, campaigns.ErrNoContact
		}
		return campaigns.Contact{}, fmt.Errorf("gormstore: next contact: %w", err)
	}
	return row.model(), nil
}

// ClaimContact is a single conditional UPDATE. The NOT EXISTS clause reads
// through a derived table because mysql refuses a subquery on the table being
// updated; the unique one-calling index backs it up under concurrency.
func (s *Store) ClaimContact(ctx context.Context, contactID string, now, lockedUntil time.Time) (bool, error) {
	now, lockedUntil = now.UTC(), lockedUntil.UTC()
	res := s.db.WithContext(ctx).Exec(`
UPDATE campaign_contacts
SET state = ?, call_id = '', locked_until = ?, last_attempted_at = ?, updated_at = ?
WHERE id = ? AND state = ?
AND NOT EXISTS (
	SELECT 1 FROM (
		SELECT campaign_id FROM campaign_contacts WHERE state = ?
	) busy
	WHERE busy.campaign_id = campaign_contacts.campaign_id
)`,
		string(campaigns.ContactCalling), lockedUntil, now, now,
		contactID, string(campaigns.ContactPending),
		string(campaigns.ContactCalling),
	)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return false, nil
		}
		return false, fmt.Errorf("gormstore: claim contact: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) LinkContactCall(ctx context.Context, contactID, callID string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&contactRow{}).Where("id = ?", contactID).
		UpdateColumns(map[string]any{"call_id": callID, "updated_at": now.UTC()})
	if res.Error != nil {
		return fmt.Errorf("gormstore: link contact call: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return campaigns.ErrNotFound
	}
	return nil
}

func (s *Store) ExtendContactLock(ctx context.Context, contactID, callID string, lockedUntil time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&contactRow{}).
		Where("id = ? AND state = ? AND call_id = ?", contactID, string(campaigns.ContactCalling), callID).
		UpdateColumns(map[string]any{"locked_until": lockedUntil.UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("gormstore: extend contact lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) FinishContact(ctx context.Context, contactID, callID string, state campaigns.ContactState, outcome string, now time.Time) (bool, error) {
	q := s.db.WithContext(ctx).Model(&contactRow{}).
		Where("id = ? AND state = ?", contactID, string(campaigns.ContactCalling))
	if callID != "" {
		q = q.Where("call_id = ?", callID)
	}
	res := q.UpdateColumns(map[string]any{
		"state":        string(state),
		"outcome":      outcome,
		"locked_until": nil,
		"updated_at":   now.UTC(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("gormstore: finish contact: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseExpiredContacts selects then releases row by row, each release
// conditional on the lock still being expired.
func (s *Store) ReleaseExpiredContacts(ctx context.Context, now time.Time) ([]campaigns.Contact, error) {
	now = now.UTC()
	var rows []contactRow
	err := s.db.WithContext(ctx).
		Where("state = ? AND locked_until IS NOT NULL AND locked_until < ?", string(campaigns.ContactCalling), now).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: find expired contacts: %w", err)
	}
	var released []contactRow
	for _, r := range rows {
		res := s.db.WithContext(ctx).Model(&contactRow{}).
			Where("id = ? AND state = ? AND locked_until < ?", r.ID, string(campaigns.ContactCalling), now).
			UpdateColumns(map[string]any{
				"state":        string(campaigns.ContactPending),
				"call_id":      "",
				"locked_until": nil,
				"updated_at":   now,
			})
		if res.Error != nil {
			return contactModels(released), fmt.Errorf("gormstore: release contact: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			r.State = string(campaigns.ContactPending)
			r.LockedUntil = nil
			r.UpdatedAt = now
			released = append(released, r)
		}
	}
	return contactModels(released), nil
}
