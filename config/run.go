package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradingMode selects which execution port drives a run
type TradingMode string

const (
	ModeBacktest TradingMode = "backtest"
	ModePaper    TradingMode = "paper"
	ModeLive     TradingMode = "live"
)

// SpacingMode controls how levels are distributed over the range
type SpacingMode string

const (
	SpacingArithmetic SpacingMode = "arithmetic"
	SpacingGeometric  SpacingMode = "geometric"
)

// StrategyMode controls how a fill re-arms the ladder
type StrategyMode string

const (
	StrategySimple StrategyMode = "simple"
	StrategyHedged StrategyMode = "hedged"
)

// RangeMode controls where top/bottom come from
type RangeMode string

const (
	RangeManual     RangeMode = "manual"
	RangeCryptoZero RangeMode = "crypto_zero" // bottom = price/5, top = 2*price - bottom
)

// OrderSizing controls the quantity held at each level
type OrderSizing string

const (
	SizingEqualDollar OrderSizing = "equal_dollar"
	SizingEqualCrypto OrderSizing = "equal_crypto"
)

// CrossingOrder decides the processing order of levels crossed by one event
type CrossingOrder string

const (
	CrossNearestFirst CrossingOrder = "nearest_first"
	CrossBuysFirst    CrossingOrder = "buys_first"
	CrossSellsFirst   CrossingOrder = "sells_first"
)

// ThresholdKind is what a stop-loss/take-profit threshold is compared against
type ThresholdKind string

const (
	ThresholdPrice     ThresholdKind = "price"
	ThresholdEquity    ThresholdKind = "equity"
	ThresholdEquityPct ThresholdKind = "equity_pct" // fraction of initial equity, e.g. 0.9
)

// ExchangeConfig venue and pair settings
type ExchangeConfig struct {
	Name    string
	Pair    string // BASE/QUOTE, e.g. SOL/USDT
	FeeRate decimal.Decimal
	Testnet bool
}

// Base returns the base asset of the pair
func (e ExchangeConfig) Base() string {
	base, _, _ := strings.Cut(e.Pair, "/")
	return strings.ToUpper(strings.TrimSpace(base))
}

// Quote returns the quote asset of the pair
func (e ExchangeConfig) Quote() string {
	_, quote, _ := strings.Cut(e.Pair, "/")
	return strings.ToUpper(strings.TrimSpace(quote))
}

// Symbol returns the exchange symbol, e.g. SOLUSDT
func (e ExchangeConfig) Symbol() string {
	return e.Base() + e.Quote()
}

// GridConfig ladder settings
type GridConfig struct {
	Top               decimal.Decimal
	Bottom            decimal.Decimal
	Count             int
	Spacing           SpacingMode
	Strategy          StrategyMode
	Range             RangeMode
	Sizing            OrderSizing
	PricePrecision    int32
	QuantityPrecision int32
	CrossingOrder     CrossingOrder
}

// Threshold a single optional risk trigger
type Threshold struct {
	Enabled bool
	Kind    ThresholdKind
	Value   decimal.Decimal
}

// RiskConfig stop-loss/take-profit overlay, all disabled by default
type RiskConfig struct {
	StopLoss   Threshold
	TakeProfit Threshold
	// MaxDrawdownPct halts the run when equity falls this fraction below its peak, 0 = off
	MaxDrawdownPct decimal.Decimal
}

// ExecutionConfig retry and timeout policy of the engine
type ExecutionConfig struct {
	SubmitRetries      int
	RetryBackoff       time.Duration
	MaxBackoff         time.Duration
	PortTimeout        time.Duration
	LiquidationRetries int
	PositionEpsilon    decimal.Decimal
	LiquidateOnFinish  bool
	UnwindTimeout      time.Duration
	UnwindPollInterval time.Duration
}

// SimulationConfig venue model used by the replay and paper ports
type SimulationConfig struct {
	SlippageBps decimal.Decimal
	MaxFillQty  decimal.Decimal // per event, 0 = unlimited
	Latency     time.Duration   // paper only
	FillChunks  int             // paper only, split each fill in N partial fills
}

// BacktestConfig historical data window
type BacktestConfig struct {
	Interval string
	Start    time.Time
	End      time.Time
	Speed    float64 // 0 = as fast as possible
}

// RunConfig everything a single grid run needs
type RunConfig struct {
	RunID          string
	Mode           TradingMode
	Exchange       ExchangeConfig
	Grid           GridConfig
	InitialBalance decimal.Decimal
	Risk           RiskConfig
	Execution      ExecutionConfig
	Simulation     SimulationConfig
	Backtest       BacktestConfig
}

// Default returns a run configuration with every default applied
func Default() *RunConfig {
	cfg := &RunConfig{}
	cfg.Grid.PricePrecision = DefaultPrecision
	cfg.Grid.QuantityPrecision = DefaultPrecision
	cfg.ApplyDefaults()
	return cfg
}

// DefaultPrecision decimals used for prices and quantities when a run file
// does not set them
const DefaultPrecision int32 = 8

// ApplyDefaults fills zero values. Precisions are left alone: zero is a valid
// precision for integer-tick pairs.
func (c *RunConfig) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}
	if c.Grid.Spacing == "" {
		c.Grid.Spacing = SpacingArithmetic
	}
	if c.Grid.Strategy == "" {
		c.Grid.Strategy = StrategySimple
	}
	if c.Grid.Range == "" {
		c.Grid.Range = RangeManual
	}
	if c.Grid.Sizing == "" {
		c.Grid.Sizing = SizingEqualDollar
	}
	if c.Grid.CrossingOrder == "" {
		c.Grid.CrossingOrder = CrossNearestFirst
	}
	if c.Risk.StopLoss.Kind == "" {
		c.Risk.StopLoss.Kind = ThresholdPrice
	}
	if c.Risk.TakeProfit.Kind == "" {
		c.Risk.TakeProfit.Kind = ThresholdPrice
	}
	if c.Execution.SubmitRetries == 0 {
		c.Execution.SubmitRetries = 3
	}
	if c.Execution.RetryBackoff == 0 {
		c.Execution.RetryBackoff = 200 * time.Millisecond
	}
	if c.Execution.MaxBackoff == 0 {
		c.Execution.MaxBackoff = 5 * time.Second
	}
	if c.Execution.PortTimeout == 0 {
		c.Execution.PortTimeout = 10 * time.Second
	}
	if c.Execution.LiquidationRetries == 0 {
		c.Execution.LiquidationRetries = 5
	}
	if c.Execution.PositionEpsilon.IsZero() {
		c.Execution.PositionEpsilon = decimal.New(1, -8)
	}
	if c.Execution.UnwindTimeout == 0 {
		c.Execution.UnwindTimeout = 30 * time.Second
	}
	if c.Execution.UnwindPollInterval == 0 {
		c.Execution.UnwindPollInterval = 500 * time.Millisecond
	}
	if c.Backtest.Interval == "" {
		c.Backtest.Interval = "1h"
	}
}

// Validate checks every field and returns the first *ConfigurationError found
func (c *RunConfig) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModePaper, ModeLive:
	default:
		return Errorf("mode", "unknown trading mode %q", c.Mode)
	}

	if c.Exchange.Base() == "" || c.Exchange.Quote() == "" {
		return Errorf("exchange.pair", "pair %q must look like BASE/QUOTE", c.Exchange.Pair)
	}
	if c.Exchange.FeeRate.IsNegative() || c.Exchange.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Errorf("exchange.fee_rate", "fee rate %s must be in [0, 1)", c.Exchange.FeeRate)
	}

	if err := c.validateGrid(); err != nil {
		return err
	}

	if c.Mode != ModeLive && !c.InitialBalance.IsPositive() {
		return Errorf("initial_balance", "initial balance must be positive, got %s", c.InitialBalance)
	}

	if err := c.validateRisk(); err != nil {
		return err
	}

	ex := c.Execution
	if ex.SubmitRetries < 0 || ex.LiquidationRetries < 0 {
		return Errorf("execution", "retry counts must not be negative")
	}
	if ex.RetryBackoff < 0 || ex.MaxBackoff < 0 || ex.PortTimeout <= 0 || ex.UnwindTimeout <= 0 {
		return Errorf("execution", "timeouts must be positive")
	}
	if ex.PositionEpsilon.IsNegative() {
		return Errorf("execution.position_epsilon", "must not be negative")
	}

	sim := c.Simulation
	if sim.SlippageBps.IsNegative() || sim.MaxFillQty.IsNegative() || sim.FillChunks < 0 || sim.Latency < 0 {
		return Errorf("simulation", "values must not be negative")
	}

	if c.Mode == ModeBacktest && !c.Backtest.Start.IsZero() && !c.Backtest.End.IsZero() && !c.Backtest.End.After(c.Backtest.Start) {
		return Errorf("backtest.end", "end must be after start")
	}
	return nil
}

func (c *RunConfig) validateGrid() error {
	g := c.Grid
	if g.Count < 2 {
		return Errorf("grid.count", "need at least 2 levels, got %d", g.Count)
	}
	switch g.Spacing {
	case SpacingArithmetic, SpacingGeometric:
	default:
		return Errorf("grid.spacing", "unknown spacing %q", g.Spacing)
	}
	switch g.Strategy {
	case StrategySimple, StrategyHedged:
	default:
		return Errorf("grid.strategy", "unknown strategy %q", g.Strategy)
	}
	switch g.Sizing {
	case SizingEqualDollar, SizingEqualCrypto:
	default:
		return Errorf("grid.order_sizing", "unknown order sizing %q", g.Sizing)
	}
	switch g.CrossingOrder {
	case CrossNearestFirst, CrossBuysFirst, CrossSellsFirst:
	default:
		return Errorf("grid.crossing_order", "unknown crossing order %q", g.CrossingOrder)
	}
	if g.PricePrecision < 0 || g.QuantityPrecision < 0 {
		return Errorf("grid", "precision must not be negative")
	}
	switch g.Range {
	case RangeManual:
		if !g.Bottom.IsPositive() {
			return Errorf("grid.bottom", "bottom must be positive, got %s", g.Bottom)
		}
		if g.Top.LessThanOrEqual(g.Bottom) {
			return Errorf("grid.top", "top %s must be above bottom %s", g.Top, g.Bottom)
		}
	case RangeCryptoZero:
	default:
		return Errorf("grid.range_mode", "unknown range mode %q", g.Range)
	}
	return nil
}

func (c *RunConfig) validateRisk() error {
	checks := []struct {
		name string
		t    Threshold
	}{{"risk.stop_loss", c.Risk.StopLoss}, {"risk.take_profit", c.Risk.TakeProfit}}
	for _, ck := range checks {
		name, t := ck.name, ck.t
		if !t.Enabled {
			continue
		}
		switch t.Kind {
		case ThresholdPrice, ThresholdEquity, ThresholdEquityPct:
		default:
			return Errorf(name+".kind", "unknown threshold kind %q", t.Kind)
		}
		if !t.Value.IsPositive() {
			return Errorf(name+".threshold", "threshold must be positive, got %s", t.Value)
		}
	}
	sl, tp := c.Risk.StopLoss, c.Risk.TakeProfit
	if sl.Enabled && tp.Enabled && sl.Kind == tp.Kind && sl.Value.GreaterThanOrEqual(tp.Value) {
		return Errorf("risk", "stop-loss %s must be below take-profit %s", sl.Value, tp.Value)
	}
	if sl.Enabled && sl.Kind == ThresholdPrice && c.Grid.Range == RangeManual && sl.Value.GreaterThanOrEqual(c.Grid.Top) {
		return Errorf("risk.stop_loss.threshold", "stop-loss %s is above the whole grid", sl.Value)
	}
	dd := c.Risk.MaxDrawdownPct
	if dd.IsNegative() || dd.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Errorf("risk.max_drawdown_pct", "must be in [0, 1), got %s", dd)
	}
	return nil
}
