// Package risk evaluates the stop-loss / take-profit overlay of a run.
package risk

import (
	"gridbot/config"
	"gridbot/ledger"

	"github.com/shopspring/decimal"
)

// State risk state of a run. Transitions only move forward.
type State string

const (
	StateNormal              State = "normal"
	StateStopLossTriggered   State = "stop-loss-triggered"
	StateTakeProfitTriggered State = "take-profit-triggered"
	StateHalted              State = "halted"
)

// Triggered reports whether the run must unwind
func (s State) Triggered() bool {
	return s != StateNormal
}

// Input everything an evaluation looks at
type Input struct {
	Snapshot      ledger.EquitySnapshot
	InitialEquity decimal.Decimal
	PeakEquity    decimal.Decimal
}

// Monitor evaluates risk thresholds. It holds configuration only.
type Monitor struct {
	cfg config.RiskConfig
}

// NewMonitor creates a monitor
func NewMonitor(cfg config.RiskConfig) *Monitor {
	return &Monitor{cfg: cfg}
}

// Enabled reports whether any trigger is configured
func (m *Monitor) Enabled() bool {
	return m.cfg.StopLoss.Enabled || m.cfg.TakeProfit.Enabled || m.cfg.MaxDrawdownPct.IsPositive()
}

// Evaluate returns the state implied by the input. Pure: no history is kept.
func (m *Monitor) Evaluate(in Input) State {
	if sl := m.cfg.StopLoss; sl.Enabled {
		if v, ok := observed(sl.Kind, in); ok && v.LessThanOrEqual(sl.Value) {
			return StateStopLossTriggered
		}
	}
	if tp := m.cfg.TakeProfit; tp.Enabled {
		if v, ok := observed(tp.Kind, in); ok && v.GreaterThanOrEqual(tp.Value) {
			return StateTakeProfitTriggered
		}
	}
	if dd := m.cfg.MaxDrawdownPct; dd.IsPositive() && in.PeakEquity.IsPositive() {
		drawdown := in.PeakEquity.Sub(in.Snapshot.Equity).DivRound(in.PeakEquity, 16)
		if drawdown.GreaterThanOrEqual(dd) {
			return StateHalted
		}
	}
	return StateNormal
}

// observed picks the value a threshold of this kind compares against
func observed(kind config.ThresholdKind, in Input) (decimal.Decimal, bool) {
	switch kind {
	case config.ThresholdEquity:
		return in.Snapshot.Equity, true
	case config.ThresholdEquityPct:
		if !in.InitialEquity.IsPositive() {
			return decimal.Zero, false
		}
		return in.Snapshot.Equity.DivRound(in.InitialEquity, 16), true
	default:
		return in.Snapshot.Price, true
	}
}

// Advance applies the forward-only rule: once triggered, a run never returns
// to normal and keeps the first trigger that fired
func Advance(current, next State) State {
	if current != StateNormal {
		return current
	}
	return next
}
