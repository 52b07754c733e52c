// Package store journals grid runs to SQLite: runs, ladders and lifecycle
// events through GORM, orders, fills and equity through plain SQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gridbot/grid"
	"gridbot/ledger"
	"gridbot/logger"
	"gridbot/trader/types"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Store unified data storage
type Store struct {
	db   *sql.DB
	gorm *gorm.DB

	run    *RunStore
	order  *OrderStore
	equity *EquityStore

	mu sync.Mutex
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time, sqlite serializes anyway
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Infof("✅ Database initialized (%s)", dbPath)
	return s, nil
}

// NewFromDB builds a store over an open SQLite connection and creates the tables
func NewFromDB(db *sql.DB) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", Conn: db}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}
	s := &Store{db: db, gorm: gdb}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}
	return s, nil
}

func (s *Store) initTables() error {
	if err := s.Run().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize run tables: %w", err)
	}
	if err := s.Order().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize order tables: %w", err)
	}
	if err := s.Equity().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize equity tables: %w", err)
	}
	return nil
}

// Run gets run storage
func (s *Store) Run() *RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		s.run = NewRunStore(s.gorm)
	}
	return s.run
}

// Order gets order and fill storage
func (s *Store) Order() *OrderStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		s.order = NewOrderStore(s.db)
	}
	return s.order
}

// Equity gets equity snapshot storage
func (s *Store) Equity() *EquityStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity == nil {
		s.equity = NewEquityStore(s.db)
	}
	return s.equity
}

// DB underlying connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLadder journals the levels of a run
func (s *Store) SaveLadder(ctx context.Context, runID string, levels []grid.Level) error {
	return s.Run().SaveLevels(ctx, runID, levels)
}

// SaveOrder journals the latest state of an order
func (s *Store) SaveOrder(ctx context.Context, runID string, o ledger.Order) error {
	return s.Order().Upsert(ctx, runID, o)
}

// SaveFill journals a fill, ignoring duplicates
func (s *Store) SaveFill(ctx context.Context, runID string, f types.FillEvent) error {
	return s.Order().InsertFill(ctx, runID, f)
}

// SaveSnapshot journals an equity snapshot
func (s *Store) SaveSnapshot(ctx context.Context, runID string, snap ledger.EquitySnapshot) error {
	return s.Equity().Save(ctx, runID, snap)
}

// SaveEvent journals a lifecycle event
func (s *Store) SaveEvent(ctx context.Context, runID, kind, message string, at time.Time) error {
	return s.Run().AddEvent(ctx, runID, kind, message, at)
}
