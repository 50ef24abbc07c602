// Package watchdog repairs state that a crashed worker or a lost carrier
// callback left behind: expired contact locks, calls that never reached a
// terminal status, and analysis jobs stuck running.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
	"outbound-voice/pkg/logger"
)

const actor = "watchdog"

// ReasonStale is the failure_reason written on calls ended by the watchdog.
const ReasonStale = "stale"

type ContactReleaser interface {
	ReleaseExpiredContacts(ctx context.Context, now time.Time) ([]campaigns.Contact, error)
}

type StaleLister interface {
	Stale(ctx context.Context, before time.Time, limit int) ([]calls.Call, error)
}

// Ender terminates a call and runs the end hooks. session.Service implements it.
type Ender interface {
	EndCall(ctx context.Context, callID string, status calls.CallStatus, reason string) (calls.Call, error)
}

// JobRecoverer requeues jobs stuck running. analysis.Runner implements it.
type JobRecoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

type Config struct {
	// Schedule is a cron spec; descriptors such as "@every 5m" are accepted.
	Schedule       string
	CallStaleAfter time.Duration
	BatchSize      int
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.CallStaleAfter <= 0 {
		c.CallStaleAfter = 2 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type Deps struct {
	Contacts ContactReleaser
	Calls    StaleLister
	Ender    Ender
	Jobs     JobRecoverer
	Audit    *audit.Service
	Logger   *slog.Logger
}

type Watchdog struct {
	d        Deps
	cfg      Config
	schedule cron.Schedule
	log      *slog.Logger
	clock    func() time.Time
}

// ParseSchedule validates a watchdog cron spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("watchdog: schedule %q: %w", spec, err)
	}
	return s, nil
}

func New(d Deps, cfg Config) (*Watchdog, error) {
	cfg = cfg.withDefaults()
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Watchdog{
		d:        d,
		cfg:      cfg,
		schedule: sched,
		log:      logger.OrNop(d.Logger).With("component", "watchdog"),
		clock:    time.Now,
	}, nil
}

// WithClock replaces the time source. Intended for tests.
func (w *Watchdog) WithClock(clock func() time.Time) *Watchdog {
	w.clock = clock
	return w
}

// Run sweeps on the configured schedule until ctx is cancelled. Overlapping
// sweeps are skipped.
func (w *Watchdog) Run(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(w.schedule, cron.FuncJob(func() { w.Sweep(ctx) }))
	w.log.Info("watchdog started", "schedule", w.cfg.Schedule, "call_stale_after", w.cfg.CallStaleAfter.String())
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	w.log.Info("watchdog stopped")
}

type SweepResult struct {
	ReleasedContacts int
	StaleCalls       int
	RequeuedJobs     int
}

// Sweep runs every remediation once. Each step is independent; a failing
// step is logged and the others still run.
func (w *Watchdog) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := w.clock().UTC()

	if w.d.Contacts != nil {
		released, err := w.d.Contacts.ReleaseExpiredContacts(ctx, now)
		if err != nil {
			w.log.Error("release expired contacts", "err", err)
		}
		for _, ct := range released {
			w.log.Warn("released expired contact lock", "campaign_id", ct.CampaignID, "contact_id", ct.ID, "call_id", ct.CallID)
			w.d.Audit.Record(ctx, audit.Event{
				Type:       audit.EventContactReleased,
				Actor:      actor,
				CampaignID: ct.CampaignID,
				ContactID:  ct.ID,
				CallID:     ct.CallID,
			}, nil)
		}
		res.ReleasedContacts = len(released)
	}

	if w.d.Calls != nil && w.d.Ender != nil {
		res.StaleCalls = w.endStaleCalls(ctx, now)
	}

	if w.d.Jobs != nil {
		n, err := w.d.Jobs.RecoverStale(ctx)
		if err != nil {
			w.log.Error("requeue stale jobs", "err", err)
		}
		if n > 0 {
			w.d.Audit.Record(ctx, audit.Event{Type: audit.EventJobRequeued, Actor: actor}, map[string]any{"count": n})
		}
		res.RequeuedJobs = n
	}

	if res != (SweepResult{}) {
		w.log.Warn("watchdog remediated", "released_contacts", res.ReleasedContacts, "stale_calls", res.StaleCalls, "requeued_jobs", res.RequeuedJobs)
	}
	return res
}

func (w *Watchdog) endStaleCalls(ctx context.Context, now time.Time) int {
	stale, err := w.d.Calls.Stale(ctx, now.Add(-w.cfg.CallStaleAfter), w.cfg.BatchSize)
	if err != nil {
		w.log.Error("list stale calls", "err", err)
		return 0
	}
	n := 0
	for _, c := range stale {
		if _, err := w.d.Ender.EndCall(ctx, c.ID, calls.CallStatusFailed, ReasonStale); err != nil {
			w.log.Error("end stale call", "call_id", c.ID, "err", err)
			continue
		}
		n++
		w.log.Warn("ended stale call", "call_id", c.ID, "status", string(c.Status), "updated_at", c.UpdatedAt)
		w.d.Audit.Record(ctx, audit.Event{
			Type:       audit.EventCallStale,
			Actor:      actor,
			CampaignID: c.CampaignID,
			CallID:     c.ID,
		}, map[string]any{"last_status": string(c.Status)})
	}
	return n
}
