package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// runFile mirrors the on-disk layout. Decimal values are kept as strings so
// that "0.1" never passes through float64.
type runFile struct {
	RunID          string `mapstructure:"run_id"`
	Mode           string `mapstructure:"mode"`
	InitialBalance string `mapstructure:"initial_balance"`

	Exchange struct {
		Name    string `mapstructure:"name"`
		Pair    string `mapstructure:"pair"`
		FeeRate string `mapstructure:"fee_rate"`
		Testnet bool   `mapstructure:"testnet"`
	} `mapstructure:"exchange"`

	Grid struct {
		Top               string `mapstructure:"top"`
		Bottom            string `mapstructure:"bottom"`
		Count             int    `mapstructure:"count"`
		Spacing           string `mapstructure:"spacing"`
		Strategy          string `mapstructure:"strategy"`
		RangeMode         string `mapstructure:"range_mode"`
		OrderSizing       string `mapstructure:"order_sizing"`
		PricePrecision    *int32 `mapstructure:"price_precision"`
		QuantityPrecision *int32 `mapstructure:"quantity_precision"`
		CrossingOrder     string `mapstructure:"crossing_order"`
	} `mapstructure:"grid"`

	Risk struct {
		StopLoss       thresholdFile `mapstructure:"stop_loss"`
		TakeProfit     thresholdFile `mapstructure:"take_profit"`
		MaxDrawdownPct string        `mapstructure:"max_drawdown_pct"`
	} `mapstructure:"risk"`

	Execution struct {
		SubmitRetries      int           `mapstructure:"submit_retries"`
		RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
		MaxBackoff         time.Duration `mapstructure:"max_backoff"`
		PortTimeout        time.Duration `mapstructure:"port_timeout"`
		LiquidationRetries int           `mapstructure:"liquidation_retries"`
		PositionEpsilon    string        `mapstructure:"position_epsilon"`
		LiquidateOnFinish  bool          `mapstructure:"liquidate_on_finish"`
		UnwindTimeout      time.Duration `mapstructure:"unwind_timeout"`
		UnwindPollInterval time.Duration `mapstructure:"unwind_poll_interval"`
	} `mapstructure:"execution"`

	Simulation struct {
		SlippageBps string        `mapstructure:"slippage_bps"`
		MaxFillQty  string        `mapstructure:"max_fill_qty"`
		Latency     time.Duration `mapstructure:"latency"`
		FillChunks  int           `mapstructure:"fill_chunks"`
	} `mapstructure:"simulation"`

	Backtest struct {
		Interval string  `mapstructure:"interval"`
		Start    string  `mapstructure:"start"`
		End      string  `mapstructure:"end"`
		Speed    float64 `mapstructure:"speed"`
	} `mapstructure:"backtest"`
}

type thresholdFile struct {
	Enabled   bool   `mapstructure:"enabled"`
	Kind      string `mapstructure:"kind"`
	Threshold string `mapstructure:"threshold"`
}

// every key viper should know about, so GRIDBOT_* env overrides apply
// even when the file omits the key
var knownKeys = []string{
	"run_id", "mode", "initial_balance",
	"exchange.name", "exchange.pair", "exchange.fee_rate", "exchange.testnet",
	"grid.top", "grid.bottom", "grid.count", "grid.spacing", "grid.strategy", "grid.range_mode",
	"grid.order_sizing", "grid.price_precision", "grid.quantity_precision", "grid.crossing_order",
	"risk.stop_loss.enabled", "risk.stop_loss.kind", "risk.stop_loss.threshold",
	"risk.take_profit.enabled", "risk.take_profit.kind", "risk.take_profit.threshold",
	"risk.max_drawdown_pct",
	"execution.submit_retries", "execution.retry_backoff", "execution.max_backoff", "execution.port_timeout",
	"execution.liquidation_retries", "execution.position_epsilon", "execution.liquidate_on_finish",
	"execution.unwind_timeout", "execution.unwind_poll_interval",
	"simulation.slippage_bps", "simulation.max_fill_qty", "simulation.latency", "simulation.fill_chunks",
	"backtest.interval", "backtest.start", "backtest.end", "backtest.speed",
}

// LoadRunConfig reads a YAML/JSON run file, applies GRIDBOT_* environment
// overrides and defaults, then validates it
func LoadRunConfig(path string) (*RunConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRIDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range knownKeys {
		v.SetDefault(key, nil)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read run config %s: %w", path, err)
	}
	return decode(v)
}

// LoadRunConfigFromViper decodes an already populated viper instance
func LoadRunConfigFromViper(v *viper.Viper) (*RunConfig, error) {
	return decode(v)
}

func decode(v *viper.Viper) (*RunConfig, error) {
	var raw runFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode run config: %w", err)
	}
	cfg, err := raw.build()
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *runFile) build() (*RunConfig, error) {
	p := &parser{}
	cfg := &RunConfig{
		RunID:          strings.TrimSpace(f.RunID),
		Mode:           TradingMode(strings.ToLower(f.Mode)),
		InitialBalance: p.decimal("initial_balance", f.InitialBalance),
		Exchange: ExchangeConfig{
			Name:    strings.ToLower(f.Exchange.Name),
			Pair:    f.Exchange.Pair,
			FeeRate: p.decimal("exchange.fee_rate", f.Exchange.FeeRate),
			Testnet: f.Exchange.Testnet,
		},
		Grid: GridConfig{
			Top:               p.decimal("grid.top", f.Grid.Top),
			Bottom:            p.decimal("grid.bottom", f.Grid.Bottom),
			Count:             f.Grid.Count,
			Spacing:           SpacingMode(strings.ToLower(f.Grid.Spacing)),
			Strategy:          StrategyMode(strings.ToLower(f.Grid.Strategy)),
			Range:             RangeMode(strings.ToLower(f.Grid.RangeMode)),
			Sizing:            OrderSizing(strings.ToLower(f.Grid.OrderSizing)),
			PricePrecision:    precision(f.Grid.PricePrecision),
			QuantityPrecision: precision(f.Grid.QuantityPrecision),
			CrossingOrder:     CrossingOrder(strings.ToLower(f.Grid.CrossingOrder)),
		},
		Risk: RiskConfig{
			StopLoss:       p.threshold("risk.stop_loss", f.Risk.StopLoss),
			TakeProfit:     p.threshold("risk.take_profit", f.Risk.TakeProfit),
			MaxDrawdownPct: p.decimal("risk.max_drawdown_pct", f.Risk.MaxDrawdownPct),
		},
		Execution: ExecutionConfig{
			SubmitRetries:      f.Execution.SubmitRetries,
			RetryBackoff:       f.Execution.RetryBackoff,
			MaxBackoff:         f.Execution.MaxBackoff,
			PortTimeout:        f.Execution.PortTimeout,
			LiquidationRetries: f.Execution.LiquidationRetries,
			PositionEpsilon:    p.decimal("execution.position_epsilon", f.Execution.PositionEpsilon),
			LiquidateOnFinish:  f.Execution.LiquidateOnFinish,
			UnwindTimeout:      f.Execution.UnwindTimeout,
			UnwindPollInterval: f.Execution.UnwindPollInterval,
		},
		Simulation: SimulationConfig{
			SlippageBps: p.decimal("simulation.slippage_bps", f.Simulation.SlippageBps),
			MaxFillQty:  p.decimal("simulation.max_fill_qty", f.Simulation.MaxFillQty),
			Latency:     f.Simulation.Latency,
			FillChunks:  f.Simulation.FillChunks,
		},
		Backtest: BacktestConfig{
			Interval: f.Backtest.Interval,
			Start:    p.time("backtest.start", f.Backtest.Start),
			End:      p.time("backtest.end", f.Backtest.End),
			Speed:    f.Backtest.Speed,
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// precision keeps an explicit 0 and defaults an absent key
func precision(v *int32) int32 {
	if v == nil {
		return DefaultPrecision
	}
	return *v
}

// parser keeps the first conversion error
type parser struct {
	err error
}

func (p *parser) decimal(field, s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" || p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = Errorf(field, "invalid decimal %q", s)
		return decimal.Zero
	}
	return d
}

func (p *parser) time(field, s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || p.err != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	p.err = Errorf(field, "invalid time %q", s)
	return time.Time{}
}

func (p *parser) threshold(field string, t thresholdFile) Threshold {
	return Threshold{
		Enabled: t.Enabled,
		Kind:    ThresholdKind(strings.ToLower(t.Kind)),
		Value:   p.decimal(field+".threshold", t.Threshold),
	}
}
