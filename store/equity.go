package store

import (
	"context"
	"database/sql"
	"fmt"

	"gridbot/ledger"
)

// EquityStore equity snapshot storage (for plotting return curves)
type EquityStore struct {
	db *sql.DB
}

// NewEquityStore creates an equity store
func NewEquityStore(db *sql.DB) *EquityStore {
	return &EquityStore{db: db}
}

// InitTables creates the snapshot table
func (s *EquityStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_equity_snapshots (
			run_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			price TEXT NOT NULL,
			base TEXT NOT NULL,
			quote TEXT NOT NULL,
			equity TEXT NOT NULL,
			PRIMARY KEY (run_id, timestamp)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// Save stores a snapshot; a snapshot at an existing timestamp replaces it
func (s *EquityStore) Save(ctx context.Context, runID string, snap ledger.EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO grid_equity_snapshots (run_id, timestamp, price, base, quote, equity)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, formatTime(snap.Timestamp), snap.Price.String(), snap.Base.String(), snap.Quote.String(), snap.Equity.String())
	if err != nil {
		return fmt.Errorf("failed to save equity snapshot: %w", err)
	}
	return nil
}

// List snapshots of a run in time order; limit > 0 keeps the latest ones
func (s *EquityStore) List(ctx context.Context, runID string, limit int) ([]ledger.EquitySnapshot, error) {
	query := `SELECT timestamp, price, base, quote, equity FROM grid_equity_snapshots WHERE run_id = ? ORDER BY timestamp DESC`
	args := []interface{}{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.EquitySnapshot
	for rows.Next() {
		var ts, price, base, quote, equity string
		if err := rows.Scan(&ts, &price, &base, &quote, &equity); err != nil {
			return nil, err
		}
		var perr parseErrs
		snap := ledger.EquitySnapshot{
			Timestamp: perr.time(ts),
			Price:     perr.decimal(price),
			Base:      perr.decimal(base),
			Quote:     perr.decimal(quote),
			Equity:    perr.decimal(equity),
		}
		if perr.err != nil {
			return nil, perr.err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to ascending
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
