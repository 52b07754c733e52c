package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gridbot/ledger"
	"gridbot/trader/types"

	"github.com/shopspring/decimal"
)

// OrderRecord journaled state of an order
type OrderRecord struct {
	RunID        string          `json:"run_id"`
	OrderID      string          `json:"order_id"`
	VenueID      string          `json:"venue_id"`
	LevelIndex   int             `json:"level_index"`
	Purpose      string          `json:"purpose"`
	Side         string          `json:"side"`
	OrderType    string          `json:"order_type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Fee          decimal.Decimal `json:"fee"`
	State        string          `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderStore orders and fills storage
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore creates an order store
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// InitTables creates the order and fill tables
func (s *OrderStore) InitTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS grid_orders (
			run_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			venue_id TEXT DEFAULT '',
			level_index INTEGER NOT NULL,
			purpose TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			filled_qty TEXT NOT NULL DEFAULT '0',
			avg_fill_price TEXT NOT NULL DEFAULT '0',
			fee TEXT NOT NULL DEFAULT '0',
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS grid_fills (
			run_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			fee TEXT NOT NULL,
			filled_at TEXT NOT NULL,
			PRIMARY KEY (run_id, order_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_orders_state ON grid_orders(run_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_fills_time ON grid_fills(run_id, filled_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// Upsert writes the current state of an order
func (s *OrderStore) Upsert(ctx context.Context, runID string, o ledger.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grid_orders (
			run_id, order_id, venue_id, level_index, purpose, side, order_type,
			price, quantity, filled_qty, avg_fill_price, fee, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, order_id) DO UPDATE SET
			venue_id = excluded.venue_id,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			fee = excluded.fee,
			state = excluded.state,
			updated_at = excluded.updated_at
	`,
		runID, o.ID, o.VenueID, o.LevelIndex, string(o.Purpose), string(o.Side), string(o.Type),
		o.Price.String(), o.Quantity.String(), o.FilledQty.String(), o.AvgFillPrice.String(), o.Fee.String(),
		string(o.State), formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ID, err)
	}
	return nil
}

// InsertFill stores a fill once; replays of the same (order, seq) are ignored
func (s *OrderStore) InsertFill(ctx context.Context, runID string, f types.FillEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO grid_fills (run_id, order_id, seq, quantity, price, fee, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, f.OrderID, f.Seq, f.Quantity.String(), f.Price.String(), f.Fee.String(), formatTime(f.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save fill %s: %w", f.Key(), err)
	}
	return nil
}

// List orders of a run in creation order
func (s *OrderStore) List(ctx context.Context, runID string) ([]OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, order_id, venue_id, level_index, purpose, side, order_type,
			price, quantity, filled_qty, avg_fill_price, fee, state, created_at, updated_at
		FROM grid_orders WHERE run_id = ? ORDER BY created_at ASC, rowid ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var r OrderRecord
		var price, qty, filled, avg, fee, created, updated string
		if err := rows.Scan(&r.RunID, &r.OrderID, &r.VenueID, &r.LevelIndex, &r.Purpose, &r.Side, &r.OrderType,
			&price, &qty, &filled, &avg, &fee, &r.State, &created, &updated); err != nil {
			return nil, err
		}
		var perr parseErrs
		r.Price = perr.decimal(price)
		r.Quantity = perr.decimal(qty)
		r.FilledQty = perr.decimal(filled)
		r.AvgFillPrice = perr.decimal(avg)
		r.Fee = perr.decimal(fee)
		r.CreatedAt = perr.time(created)
		r.UpdatedAt = perr.time(updated)
		if perr.err != nil {
			return nil, fmt.Errorf("order %s: %w", r.OrderID, perr.err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Fills of a run in execution order
func (s *OrderStore) Fills(ctx context.Context, runID string) ([]types.FillEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, seq, quantity, price, fee, filled_at
		FROM grid_fills WHERE run_id = ? ORDER BY filled_at ASC, rowid ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FillEvent
	for rows.Next() {
		var f types.FillEvent
		var qty, price, fee, at string
		if err := rows.Scan(&f.OrderID, &f.Seq, &qty, &price, &fee, &at); err != nil {
			return nil, err
		}
		var perr parseErrs
		f.Quantity = perr.decimal(qty)
		f.Price = perr.decimal(price)
		f.Fee = perr.decimal(fee)
		f.Timestamp = perr.time(at)
		if perr.err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.Key(), perr.err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// timeLayout fixed width so that text order is time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseErrs keeps the first parse error of a row
type parseErrs struct {
	err error
}

func (p *parseErrs) decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

func (p *parseErrs) time(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return t
}
