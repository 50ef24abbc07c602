package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// ContactCounter is the part of campaigns.Repository stats need.
type ContactCounter interface {
	CountContacts(ctx context.Context, campaignID string) (campaigns.ContactCounts, error)
	SaveStats(ctx context.Context, campaignID string, s campaigns.Stats, now time.Time) error
}

type CallLister interface {
	ListCalls(ctx context.Context, f calls.ListFilter) ([]calls.Call, error)
}

type Service struct {
	contacts ContactCounter
	calls    CallLister
	clock    func() time.Time
}

func NewService(contacts ContactCounter, calls CallLister) *Service {
	return &Service{contacts: contacts, calls: calls, clock: time.Now}
}

// RefreshCampaign recomputes a campaign's stats from its contacts and
// persists them.
func (s *Service) RefreshCampaign(ctx context.Context, campaignID string) (campaigns.Stats, error) {
	if campaignID == "" {
		return campaigns.Stats{}, ErrInvalidRequest
	}
	counts, err := s.contacts.CountContacts(ctx, campaignID)
	if err != nil {
		return campaigns.Stats{}, fmt.Errorf("reporting: count contacts: %w", err)
	}
	stats := campaigns.StatsFromCounts(counts)
	if err := s.contacts.SaveStats(ctx, campaignID, stats, s.clock().UTC()); err != nil {
		return campaigns.Stats{}, fmt.Errorf("reporting: save stats: %w", err)
	}
	return stats, nil
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.calls == nil {
		return CallsSummary{}, errors.New("reporting: call repository not configured")
	}

	rows, err := s.calls.ListCalls(ctx, calls.ListFilter{CampaignID: req.CampaignID, From: req.Range.From, To: req.Range.To})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{CampaignID: req.CampaignID}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.BillableMinutes += BillableMinutes(c.DurationSeconds)
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		case calls.CallStatusNoAnswer:
			out.NoAnswerCalls++
		case calls.CallStatusBusy:
			out.BusyCalls++
		case calls.CallStatusCanceled:
			out.CanceledCalls++
		case calls.CallStatusInProgress:
			out.InProgressCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
		out.ConnectionRate = float64(out.CompletedCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
