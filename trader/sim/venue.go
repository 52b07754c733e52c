// Package sim is the matching model behind the replay and paper ports: limit
// orders fill at their limit once the observed price range reaches them,
// market orders fill at the last price plus slippage.
package sim

import (
	"strconv"
	"time"

	"gridbot/trader/types"

	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Config venue model parameters
type Config struct {
	FeeRate     decimal.Decimal
	SlippageBps decimal.Decimal
	// MaxFillQty caps how much of one limit order fills per price event, 0 = no cap
	MaxFillQty decimal.Decimal
	Initial    types.Balance
}

type resting struct {
	req           types.OrderRequest
	venueID       string
	filled        decimal.Decimal
	seq           int64
	lastFill      time.Time
	reservedQuote decimal.Decimal
	reservedBase  decimal.Decimal
}

func (r *resting) remaining() decimal.Decimal {
	return r.req.Quantity.Sub(r.filled)
}

// Venue in-memory exchange holding a working copy of the balance.
// Not safe for concurrent use; ports serialize access.
type Venue struct {
	cfg     Config
	balance types.Balance
	reserve types.Balance

	resting map[string]*resting
	order   []string
	filled  map[string]bool

	current  types.PriceEvent
	hasPrice bool
	venueSeq int64
}

// NewVenue creates a venue seeded with cfg.Initial
func NewVenue(cfg Config) *Venue {
	return &Venue{
		cfg:     cfg,
		balance: cfg.Initial,
		resting: make(map[string]*resting),
		filled:  make(map[string]bool),
	}
}

// Balance total holdings, including amounts committed to resting orders
func (v *Venue) Balance() types.Balance {
	return v.balance
}

// LastPrice last observed price event
func (v *Venue) LastPrice() (types.PriceEvent, bool) {
	return v.current, v.hasPrice
}

// RestingCount number of orders waiting at the venue
func (v *Venue) RestingCount() int {
	return len(v.resting)
}

// Place accepts an order and fills it immediately if the current price allows
func (v *Venue) Place(req types.OrderRequest) (types.OrderHandle, []types.FillEvent, error) {
	if !v.hasPrice {
		return types.OrderHandle{}, nil, types.NewPortError("place", types.ErrDisconnected, "no price observed yet")
	}
	if req.ClientID == "" || !req.Quantity.IsPositive() {
		return types.OrderHandle{}, nil, types.NewPortError("place", types.ErrRejected, "invalid quantity or client id")
	}
	if req.Type == types.OrderTypeLimit && !req.Price.IsPositive() {
		return types.OrderHandle{}, nil, types.NewPortError("place", types.ErrRejected, "limit order without price")
	}
	if _, dup := v.resting[req.ClientID]; dup || v.filled[req.ClientID] {
		return types.OrderHandle{}, nil, types.NewPortError("place", types.ErrRejected, "duplicate client id "+req.ClientID)
	}

	r := &resting{req: req}
	switch req.Side {
	case types.SideBuy:
		need := req.Quantity.Mul(v.referencePrice(req)).Mul(decimal.NewFromInt(1).Add(v.cfg.FeeRate))
		if v.balance.Quote.Sub(v.reserve.Quote).LessThan(need) {
			return types.OrderHandle{}, nil, types.NewPortError("place", types.ErrRejected, "insufficient quote balance")
		}
		r.reservedQuote = need
		v.reserve.Quote = v.reserve.Quote.Add(need)
	case types.SideSell:
		if v.balance.Base.Sub(v.reserve.Base).LessThan(req.Quantity) {
			return types.OrderHandle{}, nil, types.NewPortError("place", types.ErrRejected, "insufficient base balance")
		}
		r.reservedBase = req.Quantity
		v.reserve.Base = v.reserve.Base.Add(req.Quantity)
	default:
		return types.OrderHandle{}, nil, types.NewPortError("place", types.ErrRejected, "unknown side "+string(req.Side))
	}

	v.venueSeq++
	r.venueID = "SIM-" + strconv.FormatInt(v.venueSeq, 10)
	v.resting[req.ClientID] = r
	v.order = append(v.order, req.ClientID)

	var fills []types.FillEvent
	if f, ok := v.tryFill(r); ok {
		fills = append(fills, f)
	}
	return types.OrderHandle{ClientID: req.ClientID, VenueID: r.venueID}, fills, nil
}

// Cancel removes a resting order
func (v *Venue) Cancel(h types.OrderHandle) error {
	r, ok := v.resting[h.ClientID]
	if !ok {
		if v.filled[h.ClientID] {
			return types.NewPortError("cancel", types.ErrAlreadyFilled, h.ClientID)
		}
		return types.NewPortError("cancel", types.ErrNotFound, h.ClientID)
	}
	v.remove(r)
	return nil
}

// Observe advances the venue to a new price event and fills what it reaches
func (v *Venue) Observe(ev types.PriceEvent) []types.FillEvent {
	v.current = ev.Normalize()
	v.hasPrice = true

	var fills []types.FillEvent
	for _, id := range append([]string(nil), v.order...) {
		r, ok := v.resting[id]
		if !ok {
			continue
		}
		if f, ok := v.tryFill(r); ok {
			fills = append(fills, f)
		}
	}
	return fills
}

func (v *Venue) referencePrice(req types.OrderRequest) decimal.Decimal {
	if req.Type == types.OrderTypeLimit {
		return req.Price
	}
	return v.marketPrice(req.Side)
}

func (v *Venue) marketPrice(side types.Side) decimal.Decimal {
	slip := v.current.Price.Mul(v.cfg.SlippageBps).Div(bpsDivisor)
	if side == types.SideBuy {
		return v.current.Price.Add(slip)
	}
	return v.current.Price.Sub(slip)
}

// tryFill fills at most once per order per price event
func (v *Venue) tryFill(r *resting) (types.FillEvent, bool) {
	if !r.lastFill.IsZero() && r.lastFill.Equal(v.current.Timestamp) {
		return types.FillEvent{}, false
	}

	var price decimal.Decimal
	switch {
	case r.req.Type == types.OrderTypeMarket:
		price = v.marketPrice(r.req.Side)
	case r.req.Side == types.SideBuy && v.current.Low.LessThanOrEqual(r.req.Price):
		price = r.req.Price
	case r.req.Side == types.SideSell && v.current.High.GreaterThanOrEqual(r.req.Price):
		price = r.req.Price
	default:
		return types.FillEvent{}, false
	}

	qty := r.remaining()
	if r.req.Type == types.OrderTypeLimit && v.cfg.MaxFillQty.IsPositive() && qty.GreaterThan(v.cfg.MaxFillQty) {
		qty = v.cfg.MaxFillQty
	}
	notional := qty.Mul(price)
	fee := notional.Mul(v.cfg.FeeRate)

	if r.req.Side == types.SideBuy {
		v.balance.Quote = v.balance.Quote.Sub(notional).Sub(fee)
		v.balance.Base = v.balance.Base.Add(qty)
	} else {
		v.balance.Base = v.balance.Base.Sub(qty)
		v.balance.Quote = v.balance.Quote.Add(notional).Sub(fee)
		used := decimal.Min(qty, r.reservedBase)
		r.reservedBase = r.reservedBase.Sub(used)
		v.reserve.Base = v.reserve.Base.Sub(used)
	}

	r.filled = r.filled.Add(qty)
	r.seq++
	r.lastFill = v.current.Timestamp

	fill := types.FillEvent{
		OrderID:   r.req.ClientID,
		Seq:       r.seq,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Timestamp: v.current.Timestamp,
	}

	if !r.remaining().IsPositive() {
		v.filled[r.req.ClientID] = true
		v.remove(r)
	} else if r.req.Side == types.SideBuy {
		keep := r.remaining().Mul(v.referencePrice(r.req)).Mul(decimal.NewFromInt(1).Add(v.cfg.FeeRate))
		if keep.LessThan(r.reservedQuote) {
			v.reserve.Quote = v.reserve.Quote.Sub(r.reservedQuote.Sub(keep))
			r.reservedQuote = keep
		}
	}
	return fill, true
}

func (v *Venue) remove(r *resting) {
	v.reserve.Quote = v.reserve.Quote.Sub(r.reservedQuote)
	v.reserve.Base = v.reserve.Base.Sub(r.reservedBase)
	r.reservedQuote = decimal.Zero
	r.reservedBase = decimal.Zero
	delete(v.resting, r.req.ClientID)
	for i, id := range v.order {
		if id == r.req.ClientID {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}
