package campaigns

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("campaigns: not found")
	ErrNoContact       = errors.New("campaigns: no claimable contact")
	ErrInvalidArgument = errors.New("campaigns: invalid argument")
)

// ListFilter narrows ListCampaigns. Empty fields match everything.
type ListFilter struct {
	States      []State
	OwnerUserID string
}

// Repository is the persistence contract for campaigns and their contacts.
//
// Every state change is a conditional write that reports whether a row
// changed. A false result is a lost race, never an error: the dialer relies on
// this to coordinate several processes without in-memory locks.
type Repository interface {
	CreateCampaign(ctx context.Context, c Campaign, contacts []Contact) error
	AddContacts(ctx context.Context, campaignID string, contacts []Contact) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context, f ListFilter) ([]Campaign, error)

	// SetCampaignState moves a campaign from -> to, stamping started_at or completed_at.
	SetCampaignState(ctx context.Context, id string, from, to State, now time.Time) (bool, error)
	MarkDialed(ctx context.Context, campaignID string, at time.Time) error
	SaveStats(ctx context.Context, campaignID string, s Stats, now time.Time) error

	CountContacts(ctx context.Context, campaignID string) (ContactCounts, error)
	ListContacts(ctx context.Context, campaignID string) ([]Contact, error)
	ContactByCallID(ctx context.Context, callID string) (Contact, error)

	// NextPendingContact returns the oldest pending contact whose lock is unset
	// or expired, or ErrNoContact.
	NextPendingContact(ctx context.Context, campaignID string, now time.Time) (Contact, error)
	// ClaimContact sets pending -> calling, rechecking state = pending at write
	// time. It also loses when another contact of the same campaign is calling.
	ClaimContact(ctx context.Context, contactID string, now, lockedUntil time.Time) (bool, error)
	LinkContactCall(ctx context.Context, contactID, callID string, now time.Time) error
	// ExtendContactLock pushes locked_until while the linked call is live.
	ExtendContactLock(ctx context.Context, contactID, callID string, lockedUntil time.Time) (bool, error)
	// FinishContact sets calling -> completed|failed and clears the lock. When
	// callID is set the contact must still be linked to that call.
	FinishContact(ctx context.Context, contactID, callID string, state ContactState, outcome string, now time.Time) (bool, error)
	// ReleaseExpiredContacts puts calling contacts whose lock passed back to pending.
	ReleaseExpiredContacts(ctx context.Context, now time.Time) ([]Contact, error)
}
