package campaigns

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-process Repository. Each method holds one mutex, so
// every conditional write is atomic the same way a single-row UPDATE is.
type MemoryRepo struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	contacts  map[string]Contact
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns: make(map[string]Campaign),
		contacts:  make(map[string]Contact),
	}
}

func (r *MemoryRepo) CreateCampaign(ctx context.Context, c Campaign, contacts []Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Settings = c.Settings.Clone()
	r.campaigns[c.ID] = c
	for _, ct := range contacts {
		r.contacts[ct.ID] = ct
	}
	return nil
}

func (r *MemoryRepo) AddContacts(ctx context.Context, campaignID string, contacts []Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaignID]; !ok {
		return ErrNotFound
	}
	for _, ct := range contacts {
		r.contacts[ct.ID] = ct
	}
	return nil
}

func (r *MemoryRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	c.Settings = c.Settings.Clone()
	return c, nil
}

func (r *MemoryRepo) ListCampaigns(ctx context.Context, f ListFilter) ([]Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Campaign
	for _, c := range r.campaigns {
		if f.OwnerUserID != "" && c.OwnerUserID != f.OwnerUserID {
			continue
		}
		if len(f.States) > 0 && !hasState(f.States, c.State) {
			continue
		}
		c.Settings = c.Settings.Clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) SetCampaignState(ctx context.Context, id string, from, to State, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.State != from {
		return false, nil
	}
	c.State = to
	c.UpdatedAt = now
	switch to {
	case StateRunning:
		c.StartedAt = &now
	case StateCompleted:
		c.CompletedAt = &now
	}
	r.campaigns[id] = c
	return true, nil
}

func (r *MemoryRepo) MarkDialed(ctx context.Context, campaignID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	c.LastDialedAt = &at
	c.UpdatedAt = at
	r.campaigns[campaignID] = c
	return nil
}

func (r *MemoryRepo) SaveStats(ctx context.Context, campaignID string, s Stats, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	c.Stats = s
	c.UpdatedAt = now
	r.campaigns[campaignID] = c
	return nil
}

func (r *MemoryRepo) CountContacts(ctx context.Context, campaignID string) (ContactCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out ContactCounts
	for _, ct := range r.contacts {
		if ct.CampaignID != campaignID {
			continue
		}
		switch ct.State {
		case ContactPending:
			out.Pending++
		case ContactCalling:
			out.Calling++
		case ContactCompleted:
			out.Completed++
		case ContactFailed:
			out.Failed++
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListContacts(ctx context.Context, campaignID string) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Contact
	for _, ct := range r.contacts {
		if ct.CampaignID == campaignID {
			out = append(out, ct)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *MemoryRepo) ContactByCallID(ctx context.Context, callID string) (Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ct := range r.contacts {
		if callID != "" && ct.CallID == callID {
			return ct, nil
		}
	}
	return Contact{}, ErrNotFound
}

func (r *MemoryRepo) NextPendingContact(ctx context.Context, campaignID string, now time.Time) (Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []Contact
	for _, ct := range r.contacts {
		if ct.CampaignID == campaignID && ct.Claimable(now) {
			candidates = append(candidates, ct)
		}
	}
	if len(candidates) == 0 {
		return Contact{}, ErrNoContact
	}
	sortOldestFirst(candidates)
	return candidates[0], nil
}

func (r *MemoryRepo) ClaimContact(ctx context.Context, contactID string, now, lockedUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct, ok := r.contacts[contactID]
	if !ok || ct.State != ContactPending {
		return false, nil
	}
	for _, other := range r.contacts {
		if other.CampaignID == ct.CampaignID && other.State == ContactCalling {
			return false, nil
		}
	}
	ct.State = ContactCalling
	ct.CallID = ""
	ct.LockedUntil = &lockedUntil
	ct.LastAttemptedAt = &now
	ct.UpdatedAt = now
	r.contacts[contactID] = ct
	return true, nil
}

func (r *MemoryRepo) LinkContactCall(ctx context.Context, contactID, callID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct, ok := r.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	ct.CallID = callID
	ct.UpdatedAt = now
	r.contacts[contactID] = ct
	return nil
}

func (r *MemoryRepo) ExtendContactLock(ctx context.Context, contactID, callID string, lockedUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct, ok := r.contacts[contactID]
	if !ok || ct.State != ContactCalling || ct.CallID != callID {
		return false, nil
	}
	ct.LockedUntil = &lockedUntil
	r.contacts[contactID] = ct
	return true, nil
}

func (r *MemoryRepo) FinishContact(ctx context.Context, contactID, callID string, state ContactState, outcome string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct, ok := r.contacts[contactID]
	if !ok || ct.State != ContactCalling {
		return false, nil
	}
	if callID != "" && ct.CallID != callID {
		return false, nil
	}
	ct.State = state
	ct.Outcome = outcome
	ct.LockedUntil = nil
	ct.UpdatedAt = now
	r.contacts[contactID] = ct
	return true, nil
}

func (r *MemoryRepo) ReleaseExpiredContacts(ctx context.Context, now time.Time) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Contact
	for id, ct := range r.contacts {
		if ct.State != ContactCalling || ct.LockedUntil == nil || !ct.LockedUntil.Before(now) {
			continue
		}
		// The orphaned call id is reported to the caller but unlinked, so
		// that call ending late cannot finish a later attempt.
		orphan := ct.CallID
		ct.State = ContactPending
		ct.CallID = ""
		ct.LockedUntil = nil
		ct.UpdatedAt = now
		r.contacts[id] = ct
		ct.CallID = orphan
		out = append(out, ct)
	}
	sortOldestFirst(out)
	return out, nil
}

func sortOldestFirst(cs []Contact) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func hasState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
