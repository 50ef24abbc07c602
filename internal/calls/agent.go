package calls

import "strings"

// Agent is the configuration of an AI caller. The core only reads agents;
// a copy is frozen onto every call at creation so later edits never reach a
// live conversation.
type Agent struct {
	ID          string  `json:"id" db:"id"`
	OwnerUserID string  `json:"owner_user_id" db:"owner_user_id"`
	Name        string  `json:"name" db:"name"`
	Persona     string  `json:"persona" db:"persona"`
	Temperature float64 `json:"temperature" db:"temperature"`
	MaxTokens   int     `json:"max_tokens" db:"max_tokens"`
	Active      bool    `json:"active" db:"active"`

	// PhoneNumber is the carrier number the agent dials from and answers on.
	PhoneNumber string `json:"phone_number,omitempty" db:"phone_number"`
	// Voice overrides the default synthesis voice when set.
	Voice string `json:"voice,omitempty" db:"voice"`
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 150
)

// Snapshot returns a copy with defaults filled in for unset tuning fields.
func (a Agent) Snapshot() Agent {
	out := a
	out.Persona = strings.TrimSpace(out.Persona)
	if out.Temperature <= 0 {
		out.Temperature = defaultTemperature
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	return out
}

// DisplayName is the name the agent introduces itself with.
func (a Agent) DisplayName() string {
	if n := strings.TrimSpace(a.Name); n != "" {
		return n
	}
	return "your assistant"
}
