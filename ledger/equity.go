package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EquitySnapshot quote-equivalent value of the account at a price
type EquitySnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Base      decimal.Decimal `json:"base"`
	Quote     decimal.Decimal `json:"quote"`
	Equity    decimal.Decimal `json:"equity"`
}

// EquityCurve time-ordered snapshots. Timestamps never decrease and a
// snapshot at the same timestamp as the last one replaces it.
type EquityCurve struct {
	points []EquitySnapshot
	peak   decimal.Decimal
}

// Record appends or collapses a snapshot
func (c *EquityCurve) Record(s EquitySnapshot) error {
	n := len(c.points)
	if n > 0 {
		last := c.points[n-1].Timestamp
		switch {
		case s.Timestamp.Before(last):
			return fmt.Errorf("equity snapshot at %s is older than last snapshot %s",
				s.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		case s.Timestamp.Equal(last):
			c.points[n-1] = s
			c.observe(s.Equity)
			return nil
		}
	}
	c.points = append(c.points, s)
	if n == 0 {
		c.peak = s.Equity
	}
	c.observe(s.Equity)
	return nil
}

// observe keeps the peak over every recorded value, replaced ones included
func (c *EquityCurve) observe(equity decimal.Decimal) {
	if equity.GreaterThan(c.peak) {
		c.peak = equity
	}
}

// Len number of snapshots
func (c *EquityCurve) Len() int {
	return len(c.points)
}

// Points returns a copy of the snapshots
func (c *EquityCurve) Points() []EquitySnapshot {
	out := make([]EquitySnapshot, len(c.points))
	copy(out, c.points)
	return out
}

// Last returns the latest snapshot
func (c *EquityCurve) Last() (EquitySnapshot, bool) {
	if len(c.points) == 0 {
		return EquitySnapshot{}, false
	}
	return c.points[len(c.points)-1], true
}

// Peak highest equity recorded so far
func (c *EquityCurve) Peak() decimal.Decimal {
	return c.peak
}
