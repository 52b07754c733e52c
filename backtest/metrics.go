// Package backtest evaluates runs and replays historical prices through the
// engine.
package backtest

import (
	"math"
	"time"

	"gridbot/ledger"

	"github.com/shopspring/decimal"
)

// annualRiskFreeRate used by the Sharpe and Sortino ratios
const annualRiskFreeRate = 0.03

// minDataPoints below this the ratios are reported as 0
const minDataPoints = 10

// Summary performance figures of a run
type Summary struct {
	InitialEquity decimal.Decimal `json:"initial_equity"`
	FinalEquity   decimal.Decimal `json:"final_equity"`
	ROI           decimal.Decimal `json:"roi"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	MaxRunUp      decimal.Decimal `json:"max_run_up"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	FeesPaid      decimal.Decimal `json:"fees_paid"`
	OrderCount    int             `json:"order_count"`
	BuyFills      int             `json:"buy_fills"`
	SellFills     int             `json:"sell_fills"`
	SharpeRatio   float64         `json:"sharpe_ratio"`
	SortinoRatio  float64         `json:"sortino_ratio"`
	TimeInProfit  float64         `json:"time_in_profit"`
	TimeInLoss    float64         `json:"time_in_loss"`
	Snapshots     int             `json:"snapshots"`
}

// Summarize derives the summary from an equity curve and the ledger stats.
// Pure: the same inputs always give the same summary.
func Summarize(snaps []ledger.EquitySnapshot, initial decimal.Decimal, stats ledger.Stats) Summary {
	s := Summary{
		InitialEquity: initial,
		FinalEquity:   initial,
		ROI:           decimal.Zero,
		MaxDrawdown:   decimal.Zero,
		MaxRunUp:      decimal.Zero,
		RealizedPnL:   stats.RealizedPnL,
		FeesPaid:      stats.FeesPaid,
		OrderCount:    stats.OrderCount,
		BuyFills:      stats.BuyFills,
		SellFills:     stats.SellFills,
		Snapshots:     len(snaps),
	}
	if len(snaps) == 0 {
		return s
	}

	s.FinalEquity = snaps[len(snaps)-1].Equity
	if initial.IsPositive() {
		s.ROI = s.FinalEquity.Sub(initial).DivRound(initial, 16)
	}
	s.MaxDrawdown = maxDrawdown(snaps)
	s.MaxRunUp = maxRunUp(snaps)
	s.TimeInProfit, s.TimeInLoss = timeInProfit(snaps, initial)

	returns := periodReturns(snaps)
	perYear := periodsPerYear(snaps)
	s.SharpeRatio = sharpeRatio(returns, perYear)
	s.SortinoRatio = sortinoRatio(returns, perYear)
	return s
}

// maxDrawdown largest (peak - trough) / peak
func maxDrawdown(snaps []ledger.EquitySnapshot) decimal.Decimal {
	peak := snaps[0].Equity
	maxDD := decimal.Zero
	for _, pt := range snaps {
		if pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(pt.Equity).DivRound(peak, 16)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// maxRunUp largest (peak - trough) / trough with the trough first
func maxRunUp(snaps []ledger.EquitySnapshot) decimal.Decimal {
	trough := snaps[0].Equity
	maxRU := decimal.Zero
	for _, pt := range snaps {
		if pt.Equity.LessThan(trough) {
			trough = pt.Equity
		}
		if !trough.IsPositive() {
			continue
		}
		ru := pt.Equity.Sub(trough).DivRound(trough, 16)
		if ru.GreaterThan(maxRU) {
			maxRU = ru
		}
	}
	return maxRU
}

func timeInProfit(snaps []ledger.EquitySnapshot, initial decimal.Decimal) (float64, float64) {
	above, below := 0, 0
	for _, pt := range snaps {
		switch pt.Equity.Cmp(initial) {
		case 1:
			above++
		case -1:
			below++
		}
	}
	n := float64(len(snaps))
	return float64(above) / n, float64(below) / n
}

func periodReturns(snaps []ledger.EquitySnapshot) []float64 {
	if len(snaps) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(snaps)-1)
	prev := snaps[0].Equity.InexactFloat64()
	for i := 1; i < len(snaps); i++ {
		curr := snaps[i].Equity.InexactFloat64()
		if prev <= 0 {
			prev = curr
			continue
		}
		returns = append(returns, (curr-prev)/prev)
		prev = curr
	}
	return returns
}

// periodsPerYear from the spacing of the first two snapshots; markets trade
// around the clock so a year is 365 days. Falls back to daily data.
func periodsPerYear(snaps []ledger.EquitySnapshot) float64 {
	if len(snaps) < 2 {
		return 365
	}
	step := snaps[1].Timestamp.Sub(snaps[0].Timestamp)
	if step <= 0 {
		return 365
	}
	return float64(365*24*time.Hour) / float64(step)
}

// sharpeRatio annualized excess return over volatility, sample std (n-1)
func sharpeRatio(returns []float64, perYear float64) float64 {
	if len(returns) < minDataPoints-1 {
		return 0
	}
	rf := annualRiskFreeRate / perYear
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std < 1e-10 {
		return 0
	}
	return finite((mean - rf) / std * math.Sqrt(perYear))
}

// sortinoRatio like Sharpe but only penalizing returns below the risk-free rate
func sortinoRatio(returns []float64, perYear float64) float64 {
	if len(returns) < minDataPoints-1 {
		return 0
	}
	rf := annualRiskFreeRate / perYear
	mean := 0.0
	downside := 0.0
	for _, r := range returns {
		mean += r
		if r < rf {
			downside += (r - rf) * (r - rf)
		}
	}
	mean /= float64(len(returns))

	dd := math.Sqrt(downside / float64(len(returns)))
	if dd < 1e-10 {
		return 0
	}
	return finite((mean - rf) / dd * math.Sqrt(perYear))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
