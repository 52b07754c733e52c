package types

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType limit or market
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// PriceEvent one unit of market data. Ticks carry High == Low == Price,
// historical bars carry the bar range with Price as the close.
type PriceEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
}

// NewTick builds a PriceEvent for a single trade price
func NewTick(ts time.Time, price decimal.Decimal) PriceEvent {
	return PriceEvent{Timestamp: ts, Price: price, High: price, Low: price}
}

// Normalize makes sure High/Low bracket Price
func (e PriceEvent) Normalize() PriceEvent {
	if e.High.IsZero() || e.High.LessThan(e.Price) {
		e.High = e.Price
	}
	if e.Low.IsZero() || e.Low.GreaterThan(e.Price) {
		e.Low = e.Price
	}
	return e
}

// FillEvent a (partial) execution reported by a port. (OrderID, Seq) is unique.
type FillEvent struct {
	OrderID   string          `json:"order_id"`
	Seq       int64           `json:"seq"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// Key is the idempotency key of the fill
func (f FillEvent) Key() string {
	return fmt.Sprintf("%s#%d", f.OrderID, f.Seq)
}

// Balance free amounts of both assets of the pair
type Balance struct {
	Base  decimal.Decimal `json:"base"`
	Quote decimal.Decimal `json:"quote"`
}

// OrderRequest intent handed to a port. ClientID is the ledger order id.
type OrderRequest struct {
	ClientID string          `json:"client_id"`
	Side     Side            `json:"side"`
	Type     OrderType       `json:"type"`
	Price    decimal.Decimal `json:"price"` // ignored for market orders
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderHandle identifies a placed order at the venue
type OrderHandle struct {
	ClientID string `json:"client_id"`
	VenueID  string `json:"venue_id"`
}

// ExecutionPort the only boundary between the engine and a venue.
// Implementations: historical replay, simulated live (paper), real exchange.
type ExecutionPort interface {
	// PlaceOrder places an order; errors wrap ErrRejected, ErrRateLimited or ErrDisconnected
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)

	// CancelOrder cancels an order; errors wrap ErrNotFound or ErrAlreadyFilled
	CancelOrder(ctx context.Context, h OrderHandle) error

	// PollFills returns fills not reported before
	PollFills(ctx context.Context) ([]FillEvent, error)

	// CurrentBalance returns the venue balance of the pair assets
	CurrentBalance(ctx context.Context) (Balance, error)

	// ObservePrice tells the venue model which price event is being processed.
	// Real venues ignore it.
	ObservePrice(ev PriceEvent)
}

// FillStreamer is implemented by ports that push fills asynchronously
type FillStreamer interface {
	Fills() <-chan FillEvent
}

// OrderPlacer is the subset of the port the ledger needs to submit an order
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
}
