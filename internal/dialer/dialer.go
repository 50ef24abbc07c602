// Package dialer drives campaigns: each tick it claims at most one contact
// per campaign and places the call. Coordination between dialer processes
// happens only through conditional writes in the campaign store.
package dialer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
	"outbound-voice/internal/session"
	"outbound-voice/pkg/logger"
)

const actor = "dialer"

// Placer starts an outbound call. session.Service implements it.
type Placer interface {
	PlaceOutbound(ctx context.Context, req session.OutboundRequest) (calls.Call, error)
}

type StatsRefresher interface {
	RefreshCampaign(ctx context.Context, campaignID string) (campaigns.Stats, error)
}

// Lease is an optional cross-process hint that one dialer works a campaign
// at a time. Correctness never depends on it.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Config struct {
	Tick    time.Duration
	LockTTL time.Duration
	// LeaseTTL bounds how long a crashed dialer can hold a campaign lease.
	LeaseTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	return c
}

type Dialer struct {
	repo   campaigns.Repository
	placer Placer
	stats  StatsRefresher
	audit  *audit.Service
	lease  Lease
	cfg    Config
	log    *slog.Logger
	clock  func() time.Time
}

type Deps struct {
	Campaigns campaigns.Repository
	Placer    Placer
	Stats     StatsRefresher
	Audit     *audit.Service
	Lease     Lease
	Logger    *slog.Logger
}

func New(d Deps, cfg Config) *Dialer {
	return &Dialer{
		repo:   d.Campaigns,
		placer: d.Placer,
		stats:  d.Stats,
		audit:  d.Audit,
		lease:  d.Lease,
		cfg:    cfg.withDefaults(),
		log:    logger.OrNop(d.Logger).With("component", "dialer"),
		clock:  time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (d *Dialer) WithClock(clock func() time.Time) *Dialer {
	d.clock = clock
	return d
}

// Run ticks until ctx is cancelled.
func (d *Dialer) Run(ctx context.Context) {
	d.log.Info("dialer started", "tick", d.cfg.Tick.String(), "lock_ttl", d.cfg.LockTTL.String())
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dialer stopping")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// TickResult counts what one tick did, for logs and tests.
type TickResult struct {
	Promoted  int
	Placed    int
	Failed    int
	Completed int
	Skipped   int
}

// Tick runs one pass over every pending and running campaign.
func (d *Dialer) Tick(ctx context.Context) TickResult {
	var res TickResult
	list, err := d.repo.ListCampaigns(ctx, campaigns.ListFilter{States: []campaigns.State{campaigns.StatePending, campaigns.StateRunning}})
	if err != nil {
		d.log.Error("list campaigns", "err", err)
		return res
	}
	for _, c := range list {
		if ctx.Err() != nil {
			break
		}
		d.processCampaign(ctx, c, &res)
	}
	if res.Placed+res.Failed+res.Completed+res.Promoted > 0 {
		d.log.Info("tick", "campaigns", len(list), "promoted", res.Promoted, "placed", res.Placed,
			"failed", res.Failed, "completed", res.Completed, "skipped", res.Skipped)
	}
	return res
}

func (d *Dialer) processCampaign(ctx context.Context, c campaigns.Campaign, res *TickResult) {
	now := d.clock().UTC()
	log := d.log.With("campaign_id", c.ID)

	if c.State == campaigns.StatePending {
		if !c.ReadyToStart(now) {
			res.Skipped++
			return
		}
		ok, err := d.repo.SetCampaignState(ctx, c.ID, campaigns.StatePending, campaigns.StateRunning, now)
		if err != nil {
			log.Error("start campaign", "err", err)
			return
		}
		if !ok {
			return
		}
		res.Promoted++
		c.State = campaigns.StateRunning
		log.Info("campaign started")
		d.audit.Record(ctx, audit.Event{Type: audit.EventCampaignStarted, Actor: actor, CampaignID: c.ID}, nil)
	}

	counts, err := d.repo.CountContacts(ctx, c.ID)
	if err != nil {
		log.Error("count contacts", "err", err)
		return
	}
	if counts.Calling > 0 {
		res.Skipped++
		return
	}
	if counts.Exhausted() {
		d.complete(ctx, c, res)
		return
	}

	open, err := c.Settings.WithinBusinessHours(now)
	if err != nil {
		log.Warn("business hours check failed, dialing anyway", "err", err)
	}
	if !open {
		res.Skipped++
		return
	}
	if !c.Settings.Pacing.Allows(c.LastDialedAt, now) {
		res.Skipped++
		return
	}

	if d.lease != nil {
		key := c.ID
		ok, err := d.lease.Acquire(ctx, key, d.cfg.LeaseTTL)
		switch {
		case err != nil:
			log.Warn("campaign lease unavailable, relying on claim", "err", err)
		case !ok:
			res.Skipped++
			return
		default:
			defer func() {
				if err := d.lease.Release(context.WithoutCancel(ctx), key); err != nil {
					log.Warn("release campaign lease", "err", err)
				}
			}()
		}
	}

	contact, err := d.repo.NextPendingContact(ctx, c.ID, now)
	if errors.Is(err, campaigns.ErrNoContact) {
		// Pending contacts may exist with unexpired locks; only an empty
		// campaign completes.
		if counts, err := d.repo.CountContacts(ctx, c.ID); err == nil && counts.Exhausted() {
			d.complete(ctx, c, res)
		}
		return
	}
	if err != nil {
		log.Error("select contact", "err", err)
		return
	}

	claimed, err := d.repo.ClaimContact(ctx, contact.ID, now, now.Add(d.cfg.LockTTL))
	if err != nil {
		log.Error("claim contact", "contact_id", contact.ID, "err", err)
		return
	}
	if !claimed {
		log.Debug("claim lost", "contact_id", contact.ID)
		d.audit.Record(ctx, audit.Event{Type: audit.EventClaimLost, Actor: actor, CampaignID: c.ID, ContactID: contact.ID}, nil)
		res.Skipped++
		return
	}

	if d.place(ctx, c, contact, now) {
		res.Placed++
	} else {
		res.Failed++
	}
	d.refresh(ctx, c.ID)
}

func (d *Dialer) place(ctx context.Context, c campaigns.Campaign, contact campaigns.Contact, now time.Time) bool {
	log := d.log.With("campaign_id", c.ID, "contact_id", contact.ID)

	call, err := d.placer.PlaceOutbound(ctx, session.OutboundRequest{
		AgentID:     c.AgentID,
		To:          contact.Phone,
		CampaignID:  c.ID,
		ContactID:   contact.ID,
		ContactName: contact.Name,
		Metadata:    contact.Metadata,
		Created: func(ctx context.Context, call calls.Call) error {
			return d.repo.LinkContactCall(ctx, contact.ID, call.ID, d.clock().UTC())
		},
	})
	if err != nil {
		outcome := OutcomeFor(err)
		log.Warn("placement failed", "outcome", outcome, "err", err)
		if _, ferr := d.repo.FinishContact(ctx, contact.ID, "", campaigns.ContactFailed, outcome, d.clock().UTC()); ferr != nil {
			log.Error("mark contact failed", "err", ferr)
		}
		d.audit.Record(ctx, audit.Event{
			Type:       audit.EventPlacementFailed,
			Actor:      actor,
			CampaignID: c.ID,
			ContactID:  contact.ID,
			CallID:     call.ID,
			Message:    err.Error(),
		}, map[string]any{"outcome": outcome})
		return false
	}

	if err := d.repo.MarkDialed(ctx, c.ID, now); err != nil {
		log.Error("stamp last dialed", "err", err)
	}
	log.Info("call placed", "call_id", call.ID)
	d.audit.Record(ctx, audit.Event{Type: audit.EventCallPlaced, Actor: actor, CampaignID: c.ID, ContactID: contact.ID, CallID: call.ID}, nil)
	return true
}

func (d *Dialer) complete(ctx context.Context, c campaigns.Campaign, res *TickResult) {
	ok, err := d.repo.SetCampaignState(ctx, c.ID, campaigns.StateRunning, campaigns.StateCompleted, d.clock().UTC())
	if err != nil {
		d.log.Error("complete campaign", "campaign_id", c.ID, "err", err)
		return
	}
	if !ok {
		return
	}
	res.Completed++
	d.log.Info("campaign completed", "campaign_id", c.ID)
	d.audit.Record(ctx, audit.Event{Type: audit.EventCampaignCompleted, Actor: actor, CampaignID: c.ID}, nil)
	d.refresh(ctx, c.ID)
}

// CallEnded settles the contact behind a campaign call once the call is
// terminal. It is registered as a session end hook.
func (d *Dialer) CallEnded(ctx context.Context, call calls.Call) {
	if call.CampaignID == "" {
		return
	}
	contact, err := d.repo.ContactByCallID(ctx, call.ID)
	if err != nil {
		if !errors.Is(err, campaigns.ErrNotFound) {
			d.log.Error("find contact for call", "call_id", call.ID, "err", err)
		}
		return
	}

	state, outcome := ContactResult(call)
	ok, err := d.repo.FinishContact(ctx, contact.ID, call.ID, state, outcome, d.clock().UTC())
	if err != nil {
		d.log.Error("finish contact", "call_id", call.ID, "contact_id", contact.ID, "err", err)
		return
	}
	if ok {
		d.log.Info("contact finished", "call_id", call.ID, "contact_id", contact.ID, "state", string(state), "outcome", outcome)
	}
	d.refresh(ctx, call.CampaignID)
}

// ContactResult maps a terminal call onto the contact's final state.
func ContactResult(call calls.Call) (campaigns.ContactState, string) {
	if call.Status == calls.CallStatusCompleted {
		return campaigns.ContactCompleted, campaigns.OutcomeAnswered
	}
	if reason := call.Metadata[session.MetaFailureReason]; reason != "" {
		return campaigns.ContactFailed, reason
	}
	return campaigns.ContactFailed, string(call.Status)
}

// OutcomeFor maps a placement error onto a contact outcome code.
func OutcomeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrAgentNotFound):
		return campaigns.OutcomeAgentNotFound
	case errors.Is(err, calls.ErrAgentInactive):
		return campaigns.OutcomeAgentInactive
	default:
		return campaigns.OutcomePlacementFailed
	}
}

func (d *Dialer) refresh(ctx context.Context, campaignID string) {
	if d.stats == nil {
		return
	}
	if _, err := d.stats.RefreshCampaign(ctx, campaignID); err != nil {
		d.log.Warn("refresh campaign stats", "campaign_id", campaignID, "err", err)
	}
}
