// Package paper is the simulated-live execution port. It matches orders with
// the same venue model as the replay port but delivers fills asynchronously,
// after a latency, on a stream.
package paper

import (
	"context"
	"errors"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/logger"
	"gridbot/trader/sim"
	"gridbot/trader/types"

	"github.com/shopspring/decimal"
)

type delayed struct {
	due  time.Time
	fill types.FillEvent
}

// Port paper trading port. Each fill is delivered once: on the stream when
// its latency has passed, or by PollFills if polled first.
type Port struct {
	mu      sync.Mutex
	venue   *sim.Venue
	latency time.Duration
	chunks  int

	// inflight fills waiting for their latency, ordered by due time
	inflight []delayed

	wake  chan struct{}
	fills chan types.FillEvent
	done  chan struct{}
	once  sync.Once
}

// Options paper port settings
type Options struct {
	Venue   sim.Config
	Latency time.Duration
	// Chunks splits each venue fill into that many partial fills
	Chunks int
	Buffer int
}

// New creates the port and starts its delivery goroutine
func New(opts Options) *Port {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	p := &Port{
		venue:   sim.NewVenue(opts.Venue),
		latency: opts.Latency,
		chunks:  opts.Chunks,
		wake:    make(chan struct{}, 1),
		fills:   make(chan types.FillEvent, opts.Buffer),
		done:    make(chan struct{}),
	}
	go p.deliverLoop()
	return p
}

// FromConfig creates a paper port from the run configuration
func FromConfig(cfg *config.RunConfig) *Port {
	return New(Options{
		Venue: sim.Config{
			FeeRate:     cfg.Exchange.FeeRate,
			SlippageBps: cfg.Simulation.SlippageBps,
			MaxFillQty:  cfg.Simulation.MaxFillQty,
			Initial:     types.Balance{Base: decimal.Zero, Quote: cfg.InitialBalance},
		},
		Latency: cfg.Simulation.Latency,
		Chunks:  cfg.Simulation.FillChunks,
	})
}

func (p *Port) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderHandle{}, types.WrapPortError("place", types.ErrDisconnected, err)
	}
	p.mu.Lock()
	h, fills, err := p.venue.Place(req)
	p.mu.Unlock()
	if err != nil {
		return types.OrderHandle{}, err
	}
	logger.Infof("[Paper] %s %s %s @ %s accepted as %s", req.Side, req.Type, req.Quantity, req.Price, h.VenueID)
	p.schedule(fills)
	return h, nil
}

// CancelOrder cancels at the venue. Fills the venue executed before the
// cancel are released at once, so a poll right after the cancel sees them.
// The same holds when the order turns out to be filled already.
func (p *Port) CancelOrder(ctx context.Context, h types.OrderHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.venue.Cancel(h)
	if err != nil && !errors.Is(err, types.ErrAlreadyFilled) {
		return err
	}
	var released, rest []delayed
	for _, d := range p.inflight {
		if d.fill.OrderID == h.ClientID {
			d.due = time.Time{}
			released = append(released, d)
		} else {
			rest = append(rest, d)
		}
	}
	if len(released) > 0 {
		p.inflight = append(released, rest...)
		p.signal()
	}
	return err
}

// PollFills returns the fills whose latency has passed and that the stream
// has not delivered yet
func (p *Port) PollFills(ctx context.Context) ([]types.FillEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	due := p.takeDue(time.Now())
	out := make([]types.FillEvent, len(due))
	for i, d := range due {
		out[i] = d.fill
	}
	return out, nil
}

func (p *Port) CurrentBalance(ctx context.Context) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.venue.Balance(), nil
}

func (p *Port) ObservePrice(ev types.PriceEvent) {
	p.mu.Lock()
	fills := p.venue.Observe(ev)
	p.mu.Unlock()
	p.schedule(fills)
}

// Fills stream of fills, in venue order
func (p *Port) Fills() <-chan types.FillEvent {
	return p.fills
}

// Close stops delivery. Fills still in flight are dropped.
func (p *Port) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *Port) schedule(fills []types.FillEvent) {
	if len(fills) == 0 {
		return
	}
	due := time.Now().Add(p.latency)
	p.mu.Lock()
	for _, f := range fills {
		for _, part := range split(f, p.chunks) {
			p.inflight = append(p.inflight, delayed{due: due, fill: part})
		}
	}
	p.mu.Unlock()
	p.signal()
}

func (p *Port) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// takeDue removes and returns the fills due at now. Callers hold mu.
func (p *Port) takeDue(now time.Time) []delayed {
	n := 0
	for n < len(p.inflight) && !p.inflight[n].due.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]delayed, n)
	copy(due, p.inflight[:n])
	p.inflight = append(p.inflight[:0], p.inflight[n:]...)
	return due
}

func (p *Port) deliverLoop() {
	for {
		p.mu.Lock()
		due := p.takeDue(time.Now())
		var next time.Time
		if len(p.inflight) > 0 {
			next = p.inflight[0].due
		}
		p.mu.Unlock()

		for _, d := range due {
			select {
			case p.fills <- d.fill:
			case <-p.done:
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		if next.IsZero() {
			select {
			case <-p.wake:
			case <-p.done:
				return
			}
			continue
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
		case <-p.wake:
		case <-p.done:
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// split breaks one fill into n partial fills with distinct sequence numbers.
// Quantities and fees of the parts add up exactly to the original.
func split(f types.FillEvent, n int) []types.FillEvent {
	if n <= 1 {
		return []types.FillEvent{f}
	}
	nd := decimal.NewFromInt(int64(n))
	partQty := f.Quantity.DivRound(nd, 8).Truncate(8)
	if !partQty.IsPositive() {
		return []types.FillEvent{f}
	}
	partFee := f.Fee.DivRound(nd, 12).Truncate(12)

	parts := make([]types.FillEvent, n)
	qtyLeft, feeLeft := f.Quantity, f.Fee
	for i := 0; i < n; i++ {
		part := f
		part.Seq = f.Seq*1000 + int64(i)
		if i == n-1 {
			part.Quantity, part.Fee = qtyLeft, feeLeft
		} else {
			part.Quantity, part.Fee = partQty, partFee
			qtyLeft = qtyLeft.Sub(partQty)
			feeLeft = feeLeft.Sub(partFee)
		}
		parts[i] = part
	}
	return parts
}
