package trader

import (
	"fmt"
	"strings"

	"gridbot/config"
	"gridbot/logger"
	"gridbot/trader/types"
)

// Re-export types so callers only import trader
type (
	ExecutionPort = types.ExecutionPort
	FillStreamer  = types.FillStreamer
	OrderRequest  = types.OrderRequest
	OrderHandle   = types.OrderHandle
	FillEvent     = types.FillEvent
	PriceEvent    = types.PriceEvent
	Balance       = types.Balance
)

// Factory builds the execution port for a trading mode
type Factory func(cfg *config.RunConfig) (ExecutionPort, error)

// Registry maps trading modes to port factories
type Registry struct {
	factories map[config.TradingMode]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[config.TradingMode]Factory)}
}

// Register adds a factory for a mode
func (r *Registry) Register(mode config.TradingMode, f Factory) {
	r.factories[mode] = f
}

// Build creates the port for cfg.Mode
func (r *Registry) Build(cfg *config.RunConfig) (ExecutionPort, error) {
	f, ok := r.factories[cfg.Mode]
	if !ok {
		modes := make([]string, 0, len(r.factories))
		for m := range r.factories {
			modes = append(modes, string(m))
		}
		return nil, fmt.Errorf("no execution port for mode %q (available: %s)", cfg.Mode, strings.Join(modes, ", "))
	}
	port, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s port: %w", cfg.Mode, err)
	}
	logger.Infof("[Trader] %s execution port ready for %s", cfg.Mode, cfg.Exchange.Symbol())
	return port, nil
}
