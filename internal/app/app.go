// Package app assembles the stores and services shared by the api and dialer
// processes. Both build the same graph so end-of-call hooks run wherever a
// call finishes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-voice/internal/analysis"
	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
	"outbound-voice/internal/config"
	"outbound-voice/internal/dialer"
	"outbound-voice/internal/httpapi"
	"outbound-voice/internal/llm"
	"outbound-voice/internal/reporting"
	"outbound-voice/internal/session"
	"outbound-voice/internal/telephony"
	"outbound-voice/internal/turn"
	"outbound-voice/internal/watchdog"
	"outbound-voice/pkg/logger"
	"outbound-voice/pkg/utils"
)

// What the simulated callee says on local runs, one line per turn.
var (
	simulatedDelay  = 2 * time.Second
	simulatedScript = []string{
		"Yes, I have a minute.",
		"Could you tell me a bit more?",
		"No thanks, that's all. Goodbye.",
	}
)

type App struct {
	Config config.Config
	Log    *slog.Logger
	Stores *Stores
	// Redis is nil when REDIS_HOST is unset.
	Redis *redis.Client

	Calls     *calls.Service
	Campaigns *campaigns.Service
	Audit     *audit.Service
	Reporting *reporting.Service
	Sessions  *session.Service
	Carrier   telephony.Provider
	TwiML     *telephony.Renderer
	Completer llm.Completer

	Dialer   *dialer.Dialer
	Watchdog *watchdog.Watchdog
	Analysis *analysis.Runner
}

// New connects the stores and wires every service. The caller must Close it.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	log = logger.OrNop(log)
	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m := models{completer: llm.Unavailable{}, tts: llm.Unavailable{}, stt: llm.Unavailable{}}
	if cfg.OpenAI.APIKey != "" {
		client, err := llm.NewClient(
			llm.WithAPIKey(cfg.OpenAI.APIKey),
			llm.WithChatModel(cfg.OpenAI.ChatModel),
			llm.WithSpeech(cfg.OpenAI.TTSModel, cfg.OpenAI.TTSVoice),
			llm.WithTranscriptionModel(cfg.OpenAI.STTModel),
		)
		if err != nil {
			stores.Close()
			return nil, err
		}
		m = models{completer: client, tts: client, stt: client}
	} else {
		log.Warn("OPENAI_API_KEY not set; calls will apologise and hang up")
	}
	a, err := build(ctx, cfg, log, stores, m)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return a, nil
}

// models are the language, speech and transcription collaborators.
type models struct {
	completer llm.Completer
	tts       llm.Synthesizer
	stt       llm.Transcriber
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger, stores *Stores, m models) (*App, error) {
	a := &App{Config: cfg, Log: log, Stores: stores, Completer: m.completer}

	defaults, err := config.LoadCampaignDefaults(cfg.CampaignDefaultsFile)
	if err != nil {
		return nil, err
	}

	a.TwiML = telephony.NewRenderer(cfg.App.PublicBaseURL)
	var sim *telephony.SimulatedCarrier
	if cfg.Twilio.AccountSID != "" {
		tc, err := telephony.NewTwilioCarrier(telephony.TwilioOpts{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			Record:     cfg.Twilio.Record,
		}, a.TwiML)
		if err != nil {
			return nil, err
		}
		a.Carrier = tc
	} else {
		sim = telephony.NewSimulatedCarrier(log)
		a.Carrier = sim
		log.Warn("TWILIO_ACCOUNT_SID not set; using the simulated carrier")
	}

	a.Calls = calls.NewService(stores.Calls, stores.Calls)
	a.Campaigns = campaigns.NewService(stores.Campaigns, defaults)
	a.Audit = audit.NewService(stores.Audit, log)
	a.Reporting = reporting.NewService(stores.Campaigns, stores.Calls)

	sessCfg := session.DefaultConfig()
	sessCfg.FromNumber = cfg.Twilio.FromNumber
	sessCfg.StreamMode = cfg.Twilio.Transport == config.TransportStream
	sessCfg.LockTTL = cfg.Dialer.LockTTL
	a.Sessions = session.NewService(session.Deps{
		Calls:    a.Calls,
		Agents:   stores.Calls,
		Turns:    turn.NewProcessor(a.Calls, stores.Knowledge, m.completer, log),
		Carrier:  a.Carrier,
		Contacts: stores.Campaigns,
		STT:      m.stt,
		TTS:      m.tts,
		Logger:   log,
	}, sessCfg)
	if sim != nil {
		sim.Attach(a.Sessions, simulatedScript, simulatedDelay)
	}

	if cfg.Redis.Host != "" {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		a.Redis = rdb
	}

	dialerDeps := dialer.Deps{
		Campaigns: stores.Campaigns,
		Placer:    a.Sessions,
		Stats:     a.Reporting,
		Audit:     a.Audit,
		Logger:    log,
	}
	if a.Redis != nil {
		dialerDeps.Lease = utils.NewRedisLease(a.Redis, "dialer:campaign:")
	}
	a.Dialer = dialer.New(dialerDeps, dialer.Config{Tick: cfg.Dialer.Tick, LockTTL: cfg.Dialer.LockTTL})

	queue := analysis.NewQueue(stores.Jobs, log)
	a.Analysis = analysis.NewRunner(stores.Jobs, cfg.Analysis.Poll, log)
	a.Analysis.RegisterHandler(analysis.KindCallAnalysis, analysis.NewAnalyzer(a.Calls, stores.Calls, m.completer, log).Handle)

	// Contact reconciliation first so campaign stats see the final contact state.
	a.Sessions.OnEnd(a.Dialer.CallEnded)
	a.Sessions.OnEnd(queue.CallEnded)

	wd, err := watchdog.New(watchdog.Deps{
		Contacts: stores.Campaigns,
		Calls:    a.Calls,
		Ender:    a.Sessions,
		Jobs:     a.Analysis,
		Audit:    a.Audit,
		Logger:   log,
	}, watchdog.Config{Schedule: cfg.Watchdog.Schedule, CallStaleAfter: cfg.Watchdog.CallStaleAfter})
	if err != nil {
		if a.Redis != nil {
			_ = a.Redis.Close()
		}
		return nil, err
	}
	a.Watchdog = wd
	return a, nil
}

// Checks are the readiness probes served on /healthz.
func (a *App) Checks() map[string]httpapi.Check {
	checks := map[string]httpapi.Check{
		"store":   a.Stores.Ping,
		"carrier": a.Carrier.HealthCheck,
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// RunWorkers runs the dialer (when enabled), the watchdog and the analysis
// runner until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) {
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	if a.Config.Dialer.Enabled {
		run(a.Dialer.Run)
	} else {
		a.Log.Info("dialer disabled")
	}
	run(a.Watchdog.Run)
	run(a.Analysis.Run)
	wg.Wait()
}

// Close ends live media streams and releases connections.
func (a *App) Close(ctx context.Context) {
	if n := a.Sessions.Streams().CloseAll(); n > 0 {
		a.Log.Info("closing media streams", "count", n)
		if !a.Sessions.Streams().Wait(ctx) {
			a.Log.Warn("media streams did not finish before shutdown deadline")
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Stores.Close()
}
