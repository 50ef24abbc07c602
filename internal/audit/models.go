package audit

import "time"

// Event is an append-only record of an automated or operator action on the
// dialing pipeline. Events are never updated or deleted, and writing one
// must never block the action it describes.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Actor is a user id for operator actions or a component name such as
	// "dialer" or "watchdog".
	Actor string `json:"actor" db:"actor"`

	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	ContactID  string `json:"contact_id,omitempty" db:"contact_id"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON with details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCampaignStarted   EventType = "campaign_started"
	EventCampaignCompleted EventType = "campaign_completed"
	EventCallPlaced        EventType = "call_placed"
	EventPlacementFailed   EventType = "placement_failed"
	EventClaimLost         EventType = "claim_lost"
	EventContactReleased   EventType = "contact_released"
	EventCallStale         EventType = "call_stale"
	EventJobRequeued       EventType = "job_requeued"
	EventOperatorAction    EventType = "operator_action"
)
