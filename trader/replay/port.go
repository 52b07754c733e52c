// Package replay is the historical-replay execution port: every order is
// matched synchronously against the price event being replayed.
package replay

import (
	"context"
	"sync"

	"gridbot/config"
	"gridbot/logger"
	"gridbot/trader/sim"
	"gridbot/trader/types"

	"github.com/shopspring/decimal"
)

// Port replay execution port
type Port struct {
	mu      sync.Mutex
	venue   *sim.Venue
	pending []types.FillEvent
}

// New creates a replay port over the given venue model
func New(cfg sim.Config) *Port {
	return &Port{venue: sim.NewVenue(cfg)}
}

// FromConfig creates a replay port seeded with the run's initial balance
func FromConfig(cfg *config.RunConfig) *Port {
	return New(sim.Config{
		FeeRate:     cfg.Exchange.FeeRate,
		SlippageBps: cfg.Simulation.SlippageBps,
		MaxFillQty:  cfg.Simulation.MaxFillQty,
		Initial:     types.Balance{Base: decimal.Zero, Quote: cfg.InitialBalance},
	})
}

func (p *Port) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderHandle{}, types.WrapPortError("place", types.ErrDisconnected, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	h, fills, err := p.venue.Place(req)
	if err != nil {
		return types.OrderHandle{}, err
	}
	p.pending = append(p.pending, fills...)
	logger.Debugf("[Replay] placed %s %s %s @ %s (%s), immediate fills: %d",
		req.Side, req.Type, req.Quantity, req.Price, h.VenueID, len(fills))
	return h, nil
}

func (p *Port) CancelOrder(ctx context.Context, h types.OrderHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.venue.Cancel(h)
}

func (p *Port) PollFills(ctx context.Context) ([]types.FillEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out, nil
}

func (p *Port) CurrentBalance(ctx context.Context) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.venue.Balance(), nil
}

func (p *Port) ObservePrice(ev types.PriceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, p.venue.Observe(ev)...)
}

// Resting number of orders still waiting at the simulated venue
func (p *Port) Resting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.venue.RestingCount()
}
