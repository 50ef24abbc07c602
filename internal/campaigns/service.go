package campaigns

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ValidPhone reports whether p is an E.164 number.
func ValidPhone(p string) bool {
	return e164.MatchString(p)
}

// Service handles campaign creation and contact intake. Dialing lives in
// internal/dialer.
type Service struct {
	repo     Repository
	defaults Settings
	clock    func() time.Time
}

func NewService(repo Repository, defaults Settings) *Service {
	return &Service{repo: repo, defaults: defaults.WithDefaults(DefaultSettings()), clock: time.Now}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

type NewCampaign struct {
	Name               string
	AgentID            string
	OwnerUserID        string
	Settings           *Settings
	ScheduledStartTime *time.Time
	Contacts           []NewContact
}

type NewContact struct {
	Phone    string            `json:"phone"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// Create stores a pending campaign. The effective settings are frozen here.
func (s *Service) Create(ctx context.Context, in NewCampaign) (Campaign, error) {
	if s.repo == nil {
		return Campaign{}, errors.New("campaigns: repository not configured")
	}
	if strings.TrimSpace(in.Name) == "" || in.AgentID == "" || in.OwnerUserID == "" {
		return Campaign{}, ErrInvalidArgument
	}

	settings := s.defaults.Clone()
	if in.Settings != nil {
		settings = in.Settings.Clone().WithDefaults(s.defaults)
	}
	if err := settings.Validate(); err != nil {
		return Campaign{}, err
	}

	now := s.clock().UTC()
	c := Campaign{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(in.Name),
		AgentID:            in.AgentID,
		OwnerUserID:        in.OwnerUserID,
		State:              StatePending,
		Settings:           settings,
		ScheduledStartTime: in.ScheduledStartTime,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	contacts, err := s.buildContacts(c.ID, in.Contacts, now)
	if err != nil {
		return Campaign{}, err
	}
	c.Stats = StatsFromCounts(ContactCounts{Pending: len(contacts)})

	if err := s.repo.CreateCampaign(ctx, c, contacts); err != nil {
		return Campaign{}, fmt.Errorf("campaigns: create: %w", err)
	}
	return c, nil
}

// AddContacts appends pending contacts to a campaign that has not completed.
func (s *Service) AddContacts(ctx context.Context, campaignID string, in []NewContact) (int, error) {
	c, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if c.State == StateCompleted {
		return 0, fmt.Errorf("%w: campaign completed", ErrInvalidArgument)
	}
	contacts, err := s.buildContacts(campaignID, in, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	if len(contacts) == 0 {
		return 0, nil
	}
	if err := s.repo.AddContacts(ctx, campaignID, contacts); err != nil {
		return 0, fmt.Errorf("campaigns: add contacts: %w", err)
	}
	return len(contacts), nil
}

func (s *Service) buildContacts(campaignID string, in []NewContact, now time.Time) ([]Contact, error) {
	out := make([]Contact, 0, len(in))
	for i, nc := range in {
		phone := strings.TrimSpace(nc.Phone)
		if !ValidPhone(phone) {
			return nil, fmt.Errorf("%w: contact %d phone %q is not E.164", ErrInvalidArgument, i, nc.Phone)
		}
		// Stagger creation times so "oldest first" keeps the submitted order.
		created := now.Add(time.Duration(i) * time.Microsecond)
		out = append(out, Contact{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			Phone:      phone,
			Name:       strings.TrimSpace(nc.Name),
			Metadata:   nc.Metadata,
			State:      ContactPending,
			CreatedAt:  created,
			UpdatedAt:  created,
		})
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	return s.repo.GetCampaign(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Campaign, error) {
	return s.repo.ListCampaigns(ctx, f)
}

func (s *Service) Contacts(ctx context.Context, campaignID string) ([]Contact, error) {
	return s.repo.ListContacts(ctx, campaignID)
}

// StatsFromCounts derives the persisted aggregate. Success rate is the share
// of finished contacts that completed, as a percentage rounded to two places.
func StatsFromCounts(c ContactCounts) Stats {
	s := Stats{
		Total:     c.Total(),
		Completed: c.Completed,
		Failed:    c.Failed,
		Pending:   c.Pending,
		Calling:   c.Calling,
	}
	if finished := c.Completed + c.Failed; finished > 0 {
		rate := float64(c.Completed) * 100 / float64(finished)
		s.SuccessRate = float64(int(rate*100+0.5)) / 100
	}
	return s
}
