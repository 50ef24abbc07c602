package gormstore

import (
	"time"

	"outbound-voice/internal/analysis"
	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
	"outbound-voice/internal/knowledge"
)

// Row types mirror the Postgres schema. JSON columns use gorm's json
// serializer so sqlite and mysql store them as text.

type agentRow struct {
	ID          string  `gorm:"primaryKey;size:64"`
	OwnerUserID string  `gorm:"size:64;index"`
	Name        string  `gorm:"size:255"`
	Persona     string  `gorm:"type:text"`
	Temperature float64 `gorm:"not null;default:0.7"`
	MaxTokens   int     `gorm:"not null;default:150"`
	Active      bool    `gorm:"not null;default:true"`
	PhoneNumber string  `gorm:"size:32;index"`
	Voice       string  `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (agentRow) TableName() string { return "agents" }

type callRow struct {
	ID                       string `gorm:"primaryKey;size:64"`
	AgentID                  string `gorm:"size:64;index"`
	CampaignID               string `gorm:"size:64;index"`
	Direction                string `gorm:"size:16"`
	FromNumber               string `gorm:"size:32"`
	ToNumber                 string `gorm:"size:32"`
	Status                   string `gorm:"size:16;index:calls_status_updated_idx,priority:1"`
	CarrierCallID            string `gorm:"size:64;index"`
	StartedAt                *time.Time
	EndedAt                  *time.Time
	DurationSeconds          int
	RecordingURL             string            `gorm:"size:1024"`
	RecordingDurationSeconds int
	AgentSnapshot            calls.Agent       `gorm:"serializer:json;type:text"`
	Metadata                 map[string]string `gorm:"serializer:json;type:text"`
	CreatedAt                time.Time         `gorm:"index"`
	UpdatedAt                time.Time         `gorm:"index:calls_status_updated_idx,priority:2"`
}

func (callRow) TableName() string { return "calls" }

type turnRow struct {
	Seq        uint   `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"size:64;uniqueIndex"`
	CallID     string `gorm:"size:64;index;not null"`
	Speaker    string `gorm:"size:16"`
	Text       string `gorm:"type:text"`
	Confidence *float64
	DurationMS *int
	CreatedAt  time.Time
}

func (turnRow) TableName() string { return "call_turns" }

type analysisRow struct {
	CallID    string `gorm:"primaryKey;size:64"`
	Summary   string `gorm:"type:text"`
	Outcome   string `gorm:"size:32"`
	Sentiment string `gorm:"size:32"`
	FollowUp  bool
	Raw       string `gorm:"type:text"`
	CreatedAt time.Time
}

func (analysisRow) TableName() string { return "call_analyses" }

type snippetRow struct {
	ID      string `gorm:"primaryKey;size:64"`
	AgentID string `gorm:"size:64;index"`
	Title   string `gorm:"size:255"`
	Content string `gorm:"type:text"`
}

func (snippetRow) TableName() string { return "knowledge_snippets" }

type campaignRow struct {
	ID                 string             `gorm:"primaryKey;size:64"`
	Name               string             `gorm:"size:255"`
	AgentID            string             `gorm:"size:64"`
	OwnerUserID        string             `gorm:"size:64;index"`
	State              string             `gorm:"size:16;index"`
	Settings           campaigns.Settings `gorm:"serializer:json;type:text"`
	ScheduledStartTime *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	LastDialedAt       *time.Time
	Stats              campaigns.Stats `gorm:"serializer:json;type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (campaignRow) TableName() string { return "campaigns" }

type contactRow struct {
	ID              string            `gorm:"primaryKey;size:64"`
	CampaignID      string            `gorm:"size:64;index:contacts_campaign_state_idx,priority:1;not null"`
	Phone           string            `gorm:"size:32"`
	Name            string            `gorm:"size:255"`
	Metadata        map[string]string `gorm:"serializer:json;type:text"`
	State           string            `gorm:"size:16;index:contacts_campaign_state_idx,priority:2"`
	LockedUntil     *time.Time
	LastAttemptedAt *time.Time
	CallID          string `gorm:"size:64;index"`
	Outcome         string `gorm:"size:64"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (contactRow) TableName() string { return "campaign_contacts" }

type jobRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Kind        string `gorm:"size:64"`
	PayloadJSON string `gorm:"type:text"`
	Status      string `gorm:"size:16;index:jobs_status_run_idx,priority:1"`
	Attempt     int
	MaxAttempts int
	LastError   string    `gorm:"type:text"`
	RunAt       time.Time `gorm:"index:jobs_status_run_idx,priority:2"`
	LockedAt    *time.Time
	// DedupeKey is nil for jobs without one so the unique index ignores them.
	DedupeKey *string `gorm:"size:191;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (jobRow) TableName() string { return "analysis_jobs" }

type auditRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Type       string `gorm:"size:64"`
	Actor      string `gorm:"size:64"`
	CampaignID string `gorm:"size:64;index"`
	CallID     string `gorm:"size:64"`
	ContactID  string `gorm:"size:64"`
	Message    string `gorm:"type:text"`
	Metadata   string `gorm:"type:text"`
	CreatedAt  time.Time
}

func (auditRow) TableName() string { return "audit_events" }

// AllModels returns every table the store migrates.
func AllModels() []any {
	return []any{
		&agentRow{},
		&callRow{},
		&turnRow{},
		&analysisRow{},
		&snippetRow{},
		&campaignRow{},
		&contactRow{},
		&jobRow{},
		&auditRow{},
	}
}

func fromAgent(a calls.Agent) agentRow {
	return agentRow{
		ID:          a.ID,
		OwnerUserID: a.OwnerUserID,
		Name:        a.Name,
		Persona:     a.Persona,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
		Active:      a.Active,
		PhoneNumber: a.PhoneNumber,
		Voice:       a.Voice,
	}
}

func (r agentRow) model() calls.Agent {
	return calls.Agent{
		ID:          r.ID,
		OwnerUserID: r.OwnerUserID,
		Name:        r.Name,
		Persona:     r.Persona,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Active:      r.Active,
		PhoneNumber: r.PhoneNumber,
		Voice:       r.Voice,
	}
}

func fromCall(c calls.Call) callRow {
	return callRow{
		ID:                       c.ID,
		AgentID:                  c.AgentID,
		CampaignID:               c.CampaignID,
		Direction:                string(c.Direction),
		FromNumber:               c.From,
		ToNumber:                 c.To,
		Status:                   string(c.Status),
		CarrierCallID:            c.CarrierCallID,
		StartedAt:                c.StartedAt,
		EndedAt:                  c.EndedAt,
		DurationSeconds:          c.DurationSeconds,
		RecordingURL:             c.RecordingURL,
		RecordingDurationSeconds: c.RecordingDurationSeconds,
		AgentSnapshot:            c.Agent,
		Metadata:                 nonNilMetadata(c.Metadata),
		CreatedAt:                c.CreatedAt,
		UpdatedAt:                c.UpdatedAt,
	}
}

func (r callRow) model() calls.Call {
	return calls.Call{
		ID:                       r.ID,
		AgentID:                  r.AgentID,
		CampaignID:               r.CampaignID,
		Direction:                calls.Direction(r.Direction),
		From:                     r.FromNumber,
		To:                       r.ToNumber,
		Status:                   calls.CallStatus(r.Status),
		CarrierCallID:            r.CarrierCallID,
		StartedAt:                utcPtr(r.StartedAt),
		EndedAt:                  utcPtr(r.EndedAt),
		DurationSeconds:          r.DurationSeconds,
		RecordingURL:             r.RecordingURL,
		RecordingDurationSeconds: r.RecordingDurationSeconds,
		Agent:                    r.AgentSnapshot,
		Metadata:                 nonNilMetadata(r.Metadata),
		CreatedAt:                r.CreatedAt.UTC(),
		UpdatedAt:                r.UpdatedAt.UTC(),
	}
}

func (r turnRow) model() calls.Turn {
	return calls.Turn{
		ID:         r.ID,
		CallID:     r.CallID,
		Speaker:    calls.Speaker(r.Speaker),
		Text:       r.Text,
		Confidence: r.Confidence,
		DurationMS: r.DurationMS,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func fromCampaign(c campaigns.Campaign) campaignRow {
	return campaignRow{
		ID:                 c.ID,
		Name:               c.Name,
		AgentID:            c.AgentID,
		OwnerUserID:        c.OwnerUserID,
		State:              string(c.State),
		Settings:           c.Settings,
		ScheduledStartTime: c.ScheduledStartTime,
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
		LastDialedAt:       c.LastDialedAt,
		Stats:              c.Stats,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func (r campaignRow) model() campaigns.Campaign {
	return campaigns.Campaign{
		ID:                 r.ID,
		Name:               r.Name,
		AgentID:            r.AgentID,
		OwnerUserID:        r.OwnerUserID,
		State:              campaigns.State(r.State),
		Settings:           r.Settings.Clone(),
		ScheduledStartTime: utcPtr(r.ScheduledStartTime),
		StartedAt:          utcPtr(r.StartedAt),
		CompletedAt:        utcPtr(r.CompletedAt),
		LastDialedAt:       utcPtr(r.LastDialedAt),
		Stats:              r.Stats,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

func fromContact(c campaigns.Contact) contactRow {
	return contactRow{
		ID:              c.ID,
		CampaignID:      c.CampaignID,
		Phone:           c.Phone,
		Name:            c.Name,
		Metadata:        nonNilMetadata(c.Metadata),
		State:           string(c.State),
		LockedUntil:     c.LockedUntil,
		LastAttemptedAt: c.LastAttemptedAt,
		CallID:          c.CallID,
		Outcome:         c.Outcome,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (r contactRow) model() campaigns.Contact {
	return campaigns.Contact{
		ID:              r.ID,
		CampaignID:      r.CampaignID,
		Phone:           r.Phone,
		Name:            r.Name,
		Metadata:        r.Metadata,
		State:           campaigns.ContactState(r.State),
		LockedUntil:     utcPtr(r.LockedUntil),
		LastAttemptedAt: utcPtr(r.LastAttemptedAt),
		CallID:          r.CallID,
		Outcome:         r.Outcome,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func fromJob(j analysis.Job) jobRow {
	var key *string
	if j.DedupeKey != "" {
		k := j.DedupeKey
		key = &k
	}
	return jobRow{
		ID:          j.ID,
		Kind:        j.Kind,
		PayloadJSON: j.PayloadJSON,
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		RunAt:       j.RunAt,
		LockedAt:    j.LockedAt,
		DedupeKey:   key,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func (r jobRow) model() analysis.Job {
	j := analysis.Job{
		ID:          r.ID,
		Kind:        r.Kind,
		PayloadJSON: r.PayloadJSON,
		Status:      analysis.JobStatus(r.Status),
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError,
		RunAt:       r.RunAt.UTC(),
		LockedAt:    utcPtr(r.LockedAt),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.DedupeKey != nil {
		j.DedupeKey = *r.DedupeKey
	}
	return j
}

func (r snippetRow) model() knowledge.Snippet {
	return knowledge.Snippet{ID: r.ID, AgentID: r.AgentID, Title: r.Title, Content: r.Content}
}

func (r auditRow) model() audit.Event {
	return audit.Event{
		ID:         r.ID,
		Type:       audit.EventType(r.Type),
		Actor:      r.Actor,
		CampaignID: r.CampaignID,
		CallID:     r.CallID,
		ContactID:  r.ContactID,
		Message:    r.Message,
		Metadata:   r.Metadata,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
