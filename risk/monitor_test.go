package risk

import (
	"testing"

	"gridbot/config"
	"gridbot/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func input(price, equity string) Input {
	return Input{
		Snapshot:      ledger.EquitySnapshot{Price: d(price), Equity: d(equity)},
		InitialEquity: d("1000"),
		PeakEquity:    d("1000"),
	}
}

func TestEvaluate(t *testing.T) {
	priceRisk := config.RiskConfig{
		StopLoss:   config.Threshold{Enabled: true, Kind: config.ThresholdPrice, Value: d("160")},
		TakeProfit: config.Threshold{Enabled: true, Kind: config.ThresholdPrice, Value: d("300")},
	}
	equityRisk := config.RiskConfig{
		StopLoss:   config.Threshold{Enabled: true, Kind: config.ThresholdEquity, Value: d("900")},
		TakeProfit: config.Threshold{Enabled: true, Kind: config.ThresholdEquity, Value: d("1200")},
	}
	pctRisk := config.RiskConfig{
		StopLoss:   config.Threshold{Enabled: true, Kind: config.ThresholdEquityPct, Value: d("0.9")},
		TakeProfit: config.Threshold{Enabled: true, Kind: config.ThresholdEquityPct, Value: d("1.1")},
	}

	tests := []struct {
		name string
		cfg  config.RiskConfig
		in   Input
		want State
	}{
		{"disabled", config.RiskConfig{}, input("1", "1"), StateNormal},
		{"price inside band", priceRisk, input("200", "1000"), StateNormal},
		{"price at stop-loss", priceRisk, input("160", "1000"), StateStopLossTriggered},
		{"price below stop-loss", priceRisk, input("150", "1000"), StateStopLossTriggered},
		{"price at take-profit", priceRisk, input("300", "1000"), StateTakeProfitTriggered},
		{"equity stop-loss", equityRisk, input("200", "899"), StateStopLossTriggered},
		{"equity take-profit", equityRisk, input("200", "1250"), StateTakeProfitTriggered},
		{"equity inside band", equityRisk, input("10", "1000"), StateNormal},
		{"pct stop-loss", pctRisk, input("200", "900"), StateStopLossTriggered},
		{"pct take-profit", pctRisk, input("200", "1100"), StateTakeProfitTriggered},
		{"pct inside band", pctRisk, input("200", "1050"), StateNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewMonitor(tt.cfg).Evaluate(tt.in))
		})
	}
}

func TestEvaluateMaxDrawdown(t *testing.T) {
	m := NewMonitor(config.RiskConfig{MaxDrawdownPct: d("0.2")})
	assert.True(t, m.Enabled())

	in := input("200", "850")
	in.PeakEquity = d("1000")
	assert.Equal(t, StateNormal, m.Evaluate(in))

	in.Snapshot.Equity = d("800")
	assert.Equal(t, StateHalted, m.Evaluate(in))
}

func TestEquityPctNeedsInitialEquity(t *testing.T) {
	m := NewMonitor(config.RiskConfig{
		StopLoss: config.Threshold{Enabled: true, Kind: config.ThresholdEquityPct, Value: d("0.9")},
	})
	in := input("200", "0")
	in.InitialEquity = decimal.Zero
	assert.Equal(t, StateNormal, m.Evaluate(in))
}

func TestAdvanceIsForwardOnly(t *testing.T) {
	assert.Equal(t, StateNormal, Advance(StateNormal, StateNormal))
	assert.Equal(t, StateStopLossTriggered, Advance(StateNormal, StateStopLossTriggered))
	assert.Equal(t, StateStopLossTriggered, Advance(StateStopLossTriggered, StateNormal))
	assert.Equal(t, StateStopLossTriggered, Advance(StateStopLossTriggered, StateTakeProfitTriggered))
	assert.True(t, StateHalted.Triggered())
	assert.False(t, StateNormal.Triggered())
	assert.False(t, NewMonitor(config.RiskConfig{}).Enabled())
}
