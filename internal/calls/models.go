package calls

import (
	"strings"
	"time"
)

// Call is the durable record of one phone call.
//
// Status only moves forward (see CanTransition). Once terminal, the only
// permitted mutation is attaching a recording.
type Call struct {
	ID         string    `json:"id" db:"id"`
	AgentID    string    `json:"agent_id" db:"agent_id"`
	CampaignID string    `json:"campaign_id,omitempty" db:"campaign_id"`
	Direction  Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status        CallStatus `json:"status" db:"status"`
	CarrierCallID string     `json:"carrier_call_id,omitempty" db:"carrier_call_id"`

	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds int        `json:"duration" db:"duration_seconds"`

	RecordingURL             string `json:"recording_url,omitempty" db:"recording_url"`
	RecordingDurationSeconds int    `json:"recording_duration,omitempty" db:"recording_duration_seconds"`

	// Agent is the persona snapshot captured when the call was created.
	Agent Agent `json:"agent" db:"agent_snapshot"`

	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusCanceled   CallStatus = "canceled"
)

var statusRank = map[CallStatus]int{
	CallStatusInitiated:  0,
	CallStatusRinging:    1,
	CallStatusInProgress: 2,
	CallStatusCompleted:  3,
	CallStatusFailed:     3,
	CallStatusBusy:       3,
	CallStatusNoAnswer:   3,
	CallStatusCanceled:   3,
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s belongs to the terminal set.
func (s CallStatus) Terminal() bool {
	return statusRank[s] == 3
}

// CanTransition reports whether a call may move from one status to another.
// Terminal calls never move; otherwise a status may not go backwards.
func CanTransition(from, to CallStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	return statusRank[to] >= statusRank[from]
}

// ParseCarrierStatus maps a carrier lifecycle event name onto a call status.
// Carriers report "queued" before "initiated" and "answered" on pickup.
func ParseCarrierStatus(s string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "initiated":
		return CallStatusInitiated, true
	case "ringing":
		return CallStatusRinging, true
	case "answered", "in-progress", "in_progress":
		return CallStatusInProgress, true
	case "completed":
		return CallStatusCompleted, true
	case "failed":
		return CallStatusFailed, true
	case "busy":
		return CallStatusBusy, true
	case "no-answer", "no_answer":
		return CallStatusNoAnswer, true
	case "canceled", "cancelled":
		return CallStatusCanceled, true
	default:
		return "", false
	}
}

// Direction is who placed the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Speaker identifies who said a transcript turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is one append-only transcript line.
type Turn struct {
	ID         string    `json:"id" db:"id"`
	CallID     string    `json:"call_id" db:"call_id"`
	Speaker    Speaker   `json:"speaker" db:"speaker"`
	Text       string    `json:"text" db:"text"`
	Confidence *float64  `json:"confidence,omitempty" db:"confidence"`
	DurationMS *int      `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Patch carries the optional fields written alongside a status change or a
// plain update. Nil fields are left untouched.
type Patch struct {
	CarrierCallID   *string
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	Metadata        map[string]string
}

// Empty reports whether the patch writes nothing.
func (p Patch) Empty() bool {
	return p.CarrierCallID == nil && p.StartedAt == nil && p.EndedAt == nil && p.DurationSeconds == nil && len(p.Metadata) == 0
}

// Apply writes the patch onto c in place.
func (p Patch) Apply(c *Call) {
	if p.CarrierCallID != nil {
		c.CarrierCallID = *p.CarrierCallID
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		c.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		c.EndedAt = &t
	}
	if p.DurationSeconds != nil {
		c.DurationSeconds = *p.DurationSeconds
	}
	if len(p.Metadata) > 0 {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
}

// Analysis is the post-call summary produced once per completed call.
type Analysis struct {
	CallID    string    `json:"call_id" db:"call_id"`
	Summary   string    `json:"summary" db:"summary"`
	Outcome   string    `json:"outcome" db:"outcome"`
	Sentiment string    `json:"sentiment" db:"sentiment"`
	FollowUp  bool      `json:"follow_up" db:"follow_up"`
	Raw       string    `json:"raw,omitempty" db:"raw"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func StringPtr(s string) *string     { return &s }
func TimePtr(t time.Time) *time.Time { return &t }
func IntPtr(n int) *int              { return &n }
func Float64Ptr(f float64) *float64  { return &f }

// DialRequest asks a carrier to place an outbound call for an existing call
// record. StreamMode selects a media stream instead of webhook turns.
type DialRequest struct {
	CallID     string
	To         string
	From       string
	StreamMode bool
}
