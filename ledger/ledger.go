// Package ledger owns every order of a run, the fills applied to them and the
// balance they produce. The balance changes only through ApplyFill.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gridbot/trader/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State order lifecycle state
type State string

const (
	StateArmed     State = "armed"
	StatePlaced    State = "placed"
	StatePartial   State = "partially-filled"
	StateFilled    State = "filled"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled
}

// Working reports whether the order rests at the venue
func (s State) Working() bool {
	return s == StatePlaced || s == StatePartial
}

// Purpose why an order exists
type Purpose string

const (
	PurposeGrid        Purpose = "grid"
	PurposeInitial     Purpose = "initial-purchase"
	PurposeLiquidation Purpose = "liquidation"
)

// NoLevel level index of orders outside the ladder
const NoLevel = -1

// Order a single order tracked by the ledger
type Order struct {
	ID           string          `json:"id"`
	LevelIndex   int             `json:"level_index"`
	Purpose      Purpose         `json:"purpose"`
	Side         types.Side      `json:"side"`
	Type         types.OrderType `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	State        State           `json:"state"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Fee          decimal.Decimal `json:"fee"`
	VenueID      string          `json:"venue_id,omitempty"`
	Submitted    bool            `json:"submitted"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	reservedQuote decimal.Decimal
	reservedBase  decimal.Decimal
}

// Remaining unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Handle venue handle of the order
func (o *Order) Handle() types.OrderHandle {
	return types.OrderHandle{ClientID: o.ID, VenueID: o.VenueID}
}

// Balance holdings of both assets; reserved amounts are committed to working orders
type Balance struct {
	Base          decimal.Decimal `json:"base"`
	Quote         decimal.Decimal `json:"quote"`
	ReservedBase  decimal.Decimal `json:"reserved_base"`
	ReservedQuote decimal.Decimal `json:"reserved_quote"`
}

// AvailableBase base not committed to working sells
func (b Balance) AvailableBase() decimal.Decimal {
	return b.Base.Sub(b.ReservedBase)
}

// AvailableQuote quote not committed to working buys
func (b Balance) AvailableQuote() decimal.Decimal {
	return b.Quote.Sub(b.ReservedQuote)
}

// Stats aggregates derived from the fills
type Stats struct {
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	OrderCount  int             `json:"order_count"`
	BuyFills    int             `json:"buy_fills"`
	SellFills   int             `json:"sell_fills"`
	BuyVolume   decimal.Decimal `json:"buy_volume"`
	SellVolume  decimal.Decimal `json:"sell_volume"`
}

// totals accumulated independently of the balance, used by the invariant check
type totals struct {
	buyQty       decimal.Decimal
	buyCost      decimal.Decimal
	buyFees      decimal.Decimal
	sellQty      decimal.Decimal
	sellProceeds decimal.Decimal
	sellFees     decimal.Decimal
}

// Ledger single owner of orders, fills and balance for one run. Not safe for
// concurrent use: the engine's event loop is its only caller.
type Ledger struct {
	runID   string
	ns      uuid.UUID
	seq     int64
	feeRate decimal.Decimal

	orders    map[string]*Order
	seqIDs    []string
	open      []string
	submitted int
	fills     []types.FillEvent
	seen      map[string]struct{}

	initial types.Balance
	balance Balance
	totals  totals

	costBasis decimal.Decimal
	realized  decimal.Decimal
	buyFills  int
	sellFills int
}

// New creates a ledger seeded with the initial balance. feeRate is only used
// to size reservations; the fee charged is whatever each fill reports.
func New(runID string, initial types.Balance, feeRate decimal.Decimal) *Ledger {
	return &Ledger{
		runID:   runID,
		ns:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("gridbot:"+runID)),
		feeRate: feeRate,
		orders:  make(map[string]*Order),
		seen:    make(map[string]struct{}),
		initial: initial,
		balance: Balance{Base: initial.Base, Quote: initial.Quote},
	}
}

// RunID run the ledger belongs to
func (l *Ledger) RunID() string {
	return l.runID
}

// MarkCostBasis values base held before the first fill at price, so that
// realized PnL of selling it is measured from the run start
func (l *Ledger) MarkCostBasis(price decimal.Decimal) {
	l.costBasis = l.balance.Base.Mul(price)
}

// nextID deterministic per run: identical runs produce identical ids
func (l *Ledger) nextID() string {
	l.seq++
	return uuid.NewSHA1(l.ns, []byte(strconv.FormatInt(l.seq, 10))).String()
}

// Arm creates an order in the armed state. Bookkeeping only.
func (l *Ledger) Arm(level int, purpose Purpose, side types.Side, typ types.OrderType, price, qty decimal.Decimal, at time.Time) *Order {
	o := &Order{
		ID:         l.nextID(),
		LevelIndex: level,
		Purpose:    purpose,
		Side:       side,
		Type:       typ,
		Price:      price,
		Quantity:   qty,
		State:      StateArmed,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	l.orders[o.ID] = o
	l.seqIDs = append(l.seqIDs, o.ID)
	l.open = append(l.open, o.ID)
	return o.clone()
}

// Submit moves an armed order to placed and hands it to the port. If the port
// fails the order goes back to armed and the error is returned unchanged;
// retry policy belongs to the caller.
func (l *Ledger) Submit(ctx context.Context, id string, placer types.OrderPlacer, at time.Time) error {
	o, ok := l.orders[id]
	if !ok {
		return &UnknownOrderError{OrderID: id}
	}
	if o.State != StateArmed {
		return &StateError{OrderID: id, Op: "submit", State: o.State}
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: order %s has quantity %s", types.ErrInvalidRequest, id, o.Quantity)
	}

	if err := l.reserve(o); err != nil {
		return err
	}
	o.State = StatePlaced

	handle, err := placer.PlaceOrder(ctx, types.OrderRequest{
		ClientID: o.ID,
		Side:     o.Side,
		Type:     o.Type,
		Price:    o.Price,
		Quantity: o.Quantity,
	})
	if err != nil {
		l.release(o)
		o.State = StateArmed
		return err
	}

	o.VenueID = handle.VenueID
	o.Submitted = true
	l.submitted++
	o.UpdatedAt = at
	return nil
}

func (l *Ledger) reserve(o *Order) error {
	switch o.Side {
	case types.SideBuy:
		need := l.quoteReservation(o, o.Quantity)
		if l.balance.AvailableQuote().LessThan(need) {
			return fmt.Errorf("%w: buy %s needs %s quote, %s available",
				ErrInsufficientFunds, o.ID, need, l.balance.AvailableQuote())
		}
		o.reservedQuote = need
		l.balance.ReservedQuote = l.balance.ReservedQuote.Add(need)
	case types.SideSell:
		if l.balance.AvailableBase().LessThan(o.Quantity) {
			return fmt.Errorf("%w: sell %s needs %s base, %s available",
				ErrInsufficientFunds, o.ID, o.Quantity, l.balance.AvailableBase())
		}
		o.reservedBase = o.Quantity
		l.balance.ReservedBase = l.balance.ReservedBase.Add(o.Quantity)
	}
	return nil
}

func (l *Ledger) quoteReservation(o *Order, qty decimal.Decimal) decimal.Decimal {
	return qty.Mul(o.Price).Mul(decimal.NewFromInt(1).Add(l.feeRate))
}

func (l *Ledger) release(o *Order) {
	l.balance.ReservedQuote = l.balance.ReservedQuote.Sub(o.reservedQuote)
	l.balance.ReservedBase = l.balance.ReservedBase.Sub(o.reservedBase)
	o.reservedQuote = decimal.Zero
	o.reservedBase = decimal.Zero
}

// ApplyFill applies a fill to its order and the balance in one step. A fill
// already applied (same order id and seq) is ignored and reported as false.
//
// A cancelled order that reached the venue still accepts fills up to its
// quantity: the venue may have executed them before the cancel landed. Such
// a late fill moves the balance and leaves the order cancelled. A fill on an
// order that never reached the venue, on a filled order, or beyond the order
// quantity is a LedgerConsistencyError.
func (l *Ledger) ApplyFill(f types.FillEvent) (bool, error) {
	if _, dup := l.seen[f.Key()]; dup {
		return false, nil
	}
	o, ok := l.orders[f.OrderID]
	if !ok {
		return false, &UnknownOrderError{OrderID: f.OrderID}
	}
	late := o.State == StateCancelled && o.Submitted
	if !o.State.Working() && !late {
		if o.State == StateArmed {
			return false, &StateError{OrderID: o.ID, Op: "fill", State: o.State}
		}
		return false, &LedgerConsistencyError{
			Reason: fmt.Sprintf("fill %s on %s order %s", f.Key(), o.State, o.ID),
			Actual: f.Quantity.String(),
		}
	}
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() || f.Fee.IsNegative() {
		return false, fmt.Errorf("%w: %s qty=%s price=%s fee=%s", ErrInvalidFill, f.Key(), f.Quantity, f.Price, f.Fee)
	}
	if o.FilledQty.Add(f.Quantity).GreaterThan(o.Quantity) {
		return false, &LedgerConsistencyError{
			Reason:   fmt.Sprintf("overfill on order %s", o.ID),
			Expected: o.Remaining().String(),
			Actual:   f.Quantity.String(),
		}
	}

	notional := f.Quantity.Mul(f.Price)
	newFilled := o.FilledQty.Add(f.Quantity)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(notional).DivRound(newFilled, 16)
	o.FilledQty = newFilled
	o.Fee = o.Fee.Add(f.Fee)
	o.UpdatedAt = f.Timestamp
	switch {
	case late:
	case o.FilledQty.Equal(o.Quantity):
		o.State = StateFilled
	default:
		o.State = StatePartial
	}

	switch o.Side {
	case types.SideBuy:
		l.balance.Quote = l.balance.Quote.Sub(notional).Sub(f.Fee)
		l.balance.Base = l.balance.Base.Add(f.Quantity)
		l.totals.buyQty = l.totals.buyQty.Add(f.Quantity)
		l.totals.buyCost = l.totals.buyCost.Add(notional)
		l.totals.buyFees = l.totals.buyFees.Add(f.Fee)
		l.costBasis = l.costBasis.Add(notional)
		l.buyFills++

		keep := decimal.Zero
		if o.State != StateFilled {
			keep = decimal.Min(o.reservedQuote, l.quoteReservation(o, o.Remaining()))
		}
		l.balance.ReservedQuote = l.balance.ReservedQuote.Sub(o.reservedQuote.Sub(keep))
		o.reservedQuote = keep
	case types.SideSell:
		baseBefore := l.balance.Base
		l.balance.Base = l.balance.Base.Sub(f.Quantity)
		l.balance.Quote = l.balance.Quote.Add(notional).Sub(f.Fee)
		l.totals.sellQty = l.totals.sellQty.Add(f.Quantity)
		l.totals.sellProceeds = l.totals.sellProceeds.Add(notional)
		l.totals.sellFees = l.totals.sellFees.Add(f.Fee)
		l.sellFills++

		if baseBefore.IsPositive() {
			avgCost := l.costBasis.DivRound(baseBefore, 16)
			l.realized = l.realized.Add(f.Price.Sub(avgCost).Mul(f.Quantity))
			l.costBasis = l.costBasis.Sub(avgCost.Mul(f.Quantity))
			if !l.balance.Base.IsPositive() {
				l.costBasis = decimal.Zero
			}
		}

		used := decimal.Min(o.reservedBase, f.Quantity)
		if o.State == StateFilled {
			used = o.reservedBase
		}
		l.balance.ReservedBase = l.balance.ReservedBase.Sub(used)
		o.reservedBase = o.reservedBase.Sub(used)
	}

	l.fills = append(l.fills, f)
	l.seen[f.Key()] = struct{}{}

	if err := l.checkInvariant(); err != nil {
		return true, err
	}
	return true, nil
}

// Cancel voids the unfilled remainder of an order. Filled quantity stays applied.
func (l *Ledger) Cancel(id string, at time.Time) error {
	o, ok := l.orders[id]
	if !ok {
		return &UnknownOrderError{OrderID: id}
	}
	if o.State.Terminal() {
		return &StateError{OrderID: id, Op: "cancel", State: o.State}
	}
	l.release(o)
	o.State = StateCancelled
	o.UpdatedAt = at
	return nil
}

// checkInvariant verifies the balance against the independent totals
func (l *Ledger) checkInvariant() error {
	wantQuote := l.initial.Quote.
		Add(l.totals.sellProceeds).Sub(l.totals.sellFees).
		Sub(l.totals.buyCost).Sub(l.totals.buyFees)
	if !wantQuote.Equal(l.balance.Quote) {
		return &LedgerConsistencyError{Reason: "quote balance", Expected: wantQuote.String(), Actual: l.balance.Quote.String()}
	}
	wantBase := l.initial.Base.Add(l.totals.buyQty).Sub(l.totals.sellQty)
	if !wantBase.Equal(l.balance.Base) {
		return &LedgerConsistencyError{Reason: "base balance", Expected: wantBase.String(), Actual: l.balance.Base.String()}
	}
	if l.balance.ReservedBase.IsNegative() || l.balance.ReservedQuote.IsNegative() {
		return &LedgerConsistencyError{Reason: "negative reservation",
			Actual: fmt.Sprintf("base=%s quote=%s", l.balance.ReservedBase, l.balance.ReservedQuote)}
	}
	return nil
}

// Reconcile recomputes the balance from the fill journal alone
func (l *Ledger) Reconcile() error {
	base, quote := l.initial.Base, l.initial.Quote
	for _, f := range l.fills {
		o, ok := l.orders[f.OrderID]
		if !ok {
			return &LedgerConsistencyError{Reason: "fill without order " + f.OrderID}
		}
		notional := f.Quantity.Mul(f.Price)
		if o.Side == types.SideBuy {
			base = base.Add(f.Quantity)
			quote = quote.Sub(notional).Sub(f.Fee)
		} else {
			base = base.Sub(f.Quantity)
			quote = quote.Add(notional).Sub(f.Fee)
		}
	}
	if !quote.Equal(l.balance.Quote) {
		return &LedgerConsistencyError{Reason: "quote does not reconcile with fills", Expected: quote.String(), Actual: l.balance.Quote.String()}
	}
	if !base.Equal(l.balance.Base) {
		return &LedgerConsistencyError{Reason: "base does not reconcile with fills", Expected: base.String(), Actual: l.balance.Base.String()}
	}
	return l.checkInvariant()
}

// Balance current balance
func (l *Ledger) Balance() Balance {
	return l.balance
}

// Initial balance the run started with
func (l *Ledger) Initial() types.Balance {
	return l.initial
}

// Equity quote-equivalent value at price
func (l *Ledger) Equity(price decimal.Decimal) decimal.Decimal {
	return l.balance.Quote.Add(l.balance.Base.Mul(price))
}

// Snapshot equity snapshot at price and time
func (l *Ledger) Snapshot(at time.Time, price decimal.Decimal) EquitySnapshot {
	return EquitySnapshot{
		Timestamp: at,
		Price:     price,
		Base:      l.balance.Base,
		Quote:     l.balance.Quote,
		Equity:    l.Equity(price),
	}
}

// Order returns a copy of the order
func (l *Ledger) Order(id string) (Order, bool) {
	o, ok := l.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o.clone(), true
}

// Orders copies of all orders in creation order
func (l *Ledger) Orders() []Order {
	out := make([]Order, 0, len(l.seqIDs))
	for _, id := range l.seqIDs {
		out = append(out, *l.orders[id].clone())
	}
	return out
}

// Working orders resting at the venue
func (l *Ledger) Working() []Order {
	return l.openOrders(func(o *Order) bool { return o.State.Working() })
}

// Armed orders not yet submitted
func (l *Ledger) Armed() []Order {
	return l.openOrders(func(o *Order) bool { return o.State == StateArmed })
}

// openOrders walks the open index in creation order, dropping ids that have
// since become terminal
func (l *Ledger) openOrders(keep func(*Order) bool) []Order {
	var out []Order
	live := l.open[:0]
	for _, id := range l.open {
		o := l.orders[id]
		if o.State.Terminal() {
			continue
		}
		live = append(live, id)
		if keep(o) {
			out = append(out, *o.clone())
		}
	}
	for i := len(live); i < len(l.open); i++ {
		l.open[i] = ""
	}
	l.open = live
	return out
}

// Fills the applied fills in application order
func (l *Ledger) Fills() []types.FillEvent {
	out := make([]types.FillEvent, len(l.fills))
	copy(out, l.fills)
	return out
}

// Stats aggregates for the performance summary
func (l *Ledger) Stats() Stats {
	return Stats{
		RealizedPnL: l.realized,
		FeesPaid:    l.totals.buyFees.Add(l.totals.sellFees),
		OrderCount:  l.submitted,
		BuyFills:    l.buyFills,
		SellFills:   l.sellFills,
		BuyVolume:   l.totals.buyCost,
		SellVolume:  l.totals.sellProceeds,
	}
}

func (o *Order) clone() *Order {
	c := *o
	return &c
}
