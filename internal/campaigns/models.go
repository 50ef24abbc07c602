package campaigns

import "time"

// State is the campaign lifecycle: pending -> running -> completed, never backwards.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// CanAdvance reports whether a campaign may move from one state to another.
func CanAdvance(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCompleted
	case StateRunning:
		return to == StateCompleted
	default:
		return false
	}
}

// ContactState is the dialing state of one contact.
type ContactState string

const (
	ContactPending   ContactState = "pending"
	ContactCalling   ContactState = "calling"
	ContactCompleted ContactState = "completed"
	ContactFailed    ContactState = "failed"
)

// Outcome codes recorded on contacts.
const (
	OutcomeAnswered        = "answered"
	OutcomePlacementFailed = "placement_failed"
	OutcomeAgentNotFound   = "agent_not_found"
	OutcomeAgentInactive   = "agent_inactive"
)

type Campaign struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	AgentID     string `json:"agent_id" db:"agent_id"`
	OwnerUserID string `json:"owner_user_id" db:"owner_user_id"`
	State       State  `json:"state" db:"state"`

	// Settings is captured at creation and never rewritten.
	Settings Settings `json:"settings" db:"settings"`

	ScheduledStartTime *time.Time `json:"scheduled_start_time,omitempty" db:"scheduled_start_time"`
	StartedAt          *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	// LastDialedAt is the time of the last successfully initiated call; pacing reads it.
	LastDialedAt *time.Time `json:"last_dialed_at,omitempty" db:"last_dialed_at"`

	Stats Stats `json:"stats" db:"stats"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ReadyToStart reports whether a pending campaign's scheduled start has passed.
func (c Campaign) ReadyToStart(now time.Time) bool {
	if c.State != StatePending {
		return false
	}
	return c.ScheduledStartTime == nil || !now.Before(*c.ScheduledStartTime)
}

type Contact struct {
	ID         string            `json:"id" db:"id"`
	CampaignID string            `json:"campaign_id" db:"campaign_id"`
	Phone      string            `json:"phone" db:"phone"`
	Name       string            `json:"name,omitempty" db:"name"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"`
	State      ContactState      `json:"state" db:"state"`

	LockedUntil     *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty" db:"last_attempted_at"`
	CallID          string     `json:"call_id,omitempty" db:"call_id"`
	Outcome         string     `json:"outcome,omitempty" db:"outcome"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Claimable reports whether the dialer may try to claim c at now.
func (c Contact) Claimable(now time.Time) bool {
	if c.State != ContactPending {
		return false
	}
	return c.LockedUntil == nil || c.LockedUntil.Before(now)
}

// ContactCounts is the number of contacts per state for one campaign.
type ContactCounts struct {
	Pending   int `json:"pending"`
	Calling   int `json:"calling"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (c ContactCounts) Total() int {
	return c.Pending + c.Calling + c.Completed + c.Failed
}

// Exhausted reports whether nothing is left to dial or in flight.
func (c ContactCounts) Exhausted() bool {
	return c.Pending == 0 && c.Calling == 0
}

// Stats is the aggregate persisted on the campaign.
type Stats struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	Calling     int     `json:"calling"`
	SuccessRate float64 `json:"success_rate"`
}
