package app

import (
	"context"
	"fmt"
	"time"

	"outbound-voice/internal/analysis"
	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
	"outbound-voice/internal/config"
	"outbound-voice/internal/knowledge"
	"outbound-voice/internal/store/gormstore"
	"outbound-voice/internal/store/postgres"
	"outbound-voice/pkg/utils"
)

// CallStore is everything the call path persists.
type CallStore interface {
	calls.Repository
	calls.TranscriptRepository
	calls.AgentRepository
	calls.AgentWriter
	calls.AnalysisRepository
}

// Stores holds one repository per aggregate, all backed by the same driver.
type Stores struct {
	Driver    string
	Calls     CallStore
	Campaigns campaigns.Repository
	Jobs      analysis.Repository
	Audit     audit.Repository
	Knowledge knowledge.Repository

	ping    func(ctx context.Context) error
	migrate func(ctx context.Context) error
	close   func()
}

// OpenStores connects the configured driver. It does not migrate.
func OpenStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		dsn := utils.PostgresDSN(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode)
		pool, err := utils.OpenPostgres(ctx, dsn, utils.PostgresPoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("app: postgres: %w", err)
		}
		st := postgres.New(pool)
		return &Stores{
			Driver:    cfg.Store.Driver,
			Calls:     st,
			Campaigns: st,
			Jobs:      st,
			Audit:     st,
			Knowledge: st,
			ping:      func(ctx context.Context) error { return utils.HealthCheck(ctx, pool, 2*time.Second) },
			migrate:   func(ctx context.Context) error { return postgres.Migrate(ctx, pool) },
			close:     pool.Close,
		}, nil

	case config.DriverSQLite, config.DriverMySQL:
		open := func() (*gormstore.Store, error) {
			if cfg.Store.Driver == config.DriverSQLite {
				db, err := gormstore.OpenSQLite(cfg.Store.SQLitePath)
				if err != nil {
					return nil, err
				}
				return gormstore.New(db), nil
			}
			db, err := gormstore.OpenMySQL(cfg.Store.MySQLDSN)
			if err != nil {
				return nil, err
			}
			return gormstore.New(db), nil
		}
		st, err := open()
		if err != nil {
			return nil, fmt.Errorf("app: %s: %w", cfg.Store.Driver, err)
		}
		sqlDB, err := st.DB().DB()
		if err != nil {
			return nil, fmt.Errorf("app: %s: %w", cfg.Store.Driver, err)
		}
		return &Stores{
			Driver:    cfg.Store.Driver,
			Calls:     st,
			Campaigns: st,
			Jobs:      st,
			Audit:     st,
			Knowledge: st,
			ping:      func(ctx context.Context) error { return utils.HealthCheck(ctx, utils.PingFunc(sqlDB.PingContext), 2*time.Second) },
			migrate:   func(ctx context.Context) error { return gormstore.Migrate(st.DB().WithContext(ctx)) },
			close:     func() { _ = sqlDB.Close() },
		}, nil

	case config.DriverMemory:
		return MemoryStores(), nil
	}
	return nil, fmt.Errorf("app: unknown store driver %q", cfg.Store.Driver)
}

// MemoryStores keeps everything in process. State is lost on exit.
func MemoryStores() *Stores {
	callRepo := calls.NewMemoryRepo()
	return &Stores{
		Driver:    config.DriverMemory,
		Calls:     callRepo,
		Campaigns: campaigns.NewMemoryRepo(),
		Jobs:      analysis.NewMemoryRepo(),
		Audit:     audit.NewMemoryRepo(),
		Knowledge: knowledge.NewMemoryRepo(),
	}
}

func (s *Stores) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Migrate brings the schema up to date. It is a no-op for the memory driver.
func (s *Stores) Migrate(ctx context.Context) error {
	if s.migrate == nil {
		return nil
	}
	return s.migrate(ctx)
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}
