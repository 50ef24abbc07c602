package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"outbound-voice/pkg/logger"
)

// Repository is append-only. There is no update or delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	// ListByCampaign returns the newest events first.
	ListByCampaign(ctx context.Context, campaignID string, limit int) ([]Event, error)
}

type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: logger.OrNop(log), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.Actor == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends e and only logs a failure. Background loops use it so an
// audit outage never stops dialing or remediation.
func (s *Service) Record(ctx context.Context, e Event, details map[string]any) {
	if s == nil {
		return
	}
	if len(details) > 0 && e.Metadata == "" {
		if b, err := json.Marshal(details); err == nil {
			e.Metadata = string(b)
		}
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "type", string(e.Type), "err", err)
	}
}

func (s *Service) Campaign(ctx context.Context, campaignID string, limit int) ([]Event, error) {
	if campaignID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return s.repo.ListByCampaign(ctx, campaignID, limit)
}
