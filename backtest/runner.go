package backtest

import (
	"context"
	"fmt"

	"gridbot/config"
	"gridbot/kernel"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/trader/replay"
	"gridbot/trader/types"
)

// Report result of a backtest with its summary
type Report struct {
	Result  *kernel.Result `json:"result"`
	Summary Summary        `json:"summary"`
}

// Runner replays historical price events through the engine over the replay port
type Runner struct {
	cfg    *config.RunConfig
	port   *replay.Port
	engine *kernel.Engine
}

// NewRunner wires a replay port and an engine for cfg
func NewRunner(cfg *config.RunConfig, opts kernel.Options) (*Runner, error) {
	port := replay.FromConfig(cfg)
	engine, err := kernel.New(cfg, port, opts)
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, port: port, engine: engine}, nil
}

// Engine the engine driving the replay, for status readers
func (r *Runner) Engine() *kernel.Engine {
	return r.engine
}

// Run replays events and summarizes the run. The report is returned even
// when the run fails so that the partial history can be inspected.
func (r *Runner) Run(ctx context.Context, events []types.PriceEvent) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src := market.NewSliceSource(events, r.cfg.Backtest.Speed)
	prices, err := src.Stream(ctx)
	if err != nil {
		return nil, err
	}

	logger.Infof("📊 [Backtest] replaying %d events for %s", src.Len(), r.cfg.Exchange.Symbol())
	res, runErr := r.engine.Run(ctx, kernel.PricesOnly(ctx, prices))

	report := &Report{Result: res}
	if res != nil {
		report.Summary = Summarize(res.Snapshots, res.InitialEquity, res.Stats)
		logger.Infof("📊 [Backtest] %s: ROI %s%%, max drawdown %s%%, %d orders, realized %s, fees %s",
			res.State,
			report.Summary.ROI.Shift(2).StringFixed(2),
			report.Summary.MaxDrawdown.Shift(2).StringFixed(2),
			report.Summary.OrderCount,
			report.Summary.RealizedPnL.StringFixed(4),
			report.Summary.FeesPaid.StringFixed(4))
	}
	return report, runErr
}

// Run replays events for cfg in one call
func Run(ctx context.Context, cfg *config.RunConfig, events []types.PriceEvent, opts kernel.Options) (*Report, error) {
	r, err := NewRunner(cfg, opts)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, events)
}

// LoadEvents fetches the configured backtest window from the exchange
func LoadEvents(ctx context.Context, cfg *config.RunConfig, loader *market.KlineLoader) ([]types.PriceEvent, error) {
	if cfg.Backtest.Start.IsZero() || cfg.Backtest.End.IsZero() {
		return nil, config.Errorf("backtest", "start and end are required to download history")
	}
	events, err := loader.Load(ctx, cfg.Exchange.Symbol(), cfg.Backtest.Interval, cfg.Backtest.Start, cfg.Backtest.End)
	if err != nil {
		return nil, fmt.Errorf("load %s %s klines: %w", cfg.Exchange.Symbol(), cfg.Backtest.Interval, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no klines for %s between %s and %s", cfg.Exchange.Symbol(), cfg.Backtest.Start, cfg.Backtest.End)
	}
	return events, nil
}
