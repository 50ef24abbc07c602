// Package gormstore implements every repository on gorm for the sqlite and
// mysql drivers. Conditional writes check RowsAffected the same way the
// postgres store checks command tags.
package gormstore

import (
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func config() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}

// OpenSQLite opens a sqlite database. The pool is pinned to one connection:
// sqlite has a single writer, and every ":memory:" connection is its own database.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("gormstore: sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := gorm.Open(sqlite.Open(dsn), config())
	if err != nil {
		return nil, fmt.Errorf("gormstore: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenMySQL opens a mysql database. The DSN must carry parseTime=true.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("gormstore: mysql dsn is required")
	}
	db, err := gorm.Open(mysql.Open(dsn), config())
	if err != nil {
		return nil, fmt.Errorf("gormstore: connect mysql: %w", err)
	}
	return db, nil
}

// MySQLDSN builds a DSN with the options the store relies on.
func MySQLDSN(user, password, host string, port int, database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&charset=utf8mb4", user, password, host, port, database)
}

// Migrate creates or updates every table, then adds the index that allows at
// most one calling contact per campaign.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("gormstore: auto-migrate: %w", err)
	}
	switch db.Dialector.Name() {
	case "sqlite":
		err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS campaign_contacts_one_calling_idx
ON campaign_contacts (campaign_id) WHERE state = 'calling'`).Error
		if err != nil {
			return fmt.Errorf("gormstore: one-calling index: %w", err)
		}
	case "mysql":
		// mysql has no partial indexes; a generated column that is only set
		// while calling gives the same guarantee because NULLs never collide.
		if db.Migrator().HasColumn(&contactRow{}, "calling_campaign_id") {
			return nil
		}
		stmts := []string{
			"ALTER TABLE campaign_contacts ADD COLUMN calling_campaign_id VARCHAR(64) " +
				"AS (IF(state = 'calling', campaign_id, NULL)) STORED",
			"CREATE UNIQUE INDEX campaign_contacts_one_calling_idx ON campaign_contacts (calling_campaign_id)",
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("gormstore: one-calling index: %w", err)
			}
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
