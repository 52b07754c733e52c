package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"gridbot/trader/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placerFunc func(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error)

func (f placerFunc) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	return f(ctx, req)
}

var acceptAll = placerFunc(func(_ context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	return types.OrderHandle{ClientID: req.ClientID, VenueID: "V-" + req.ClientID[:8]}, nil
})

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger() *Ledger {
	return New("run-1", types.Balance{Base: decimal.Zero, Quote: d("1000")}, d("0.001"))
}

func fill(id string, seq int64, qty, price, fee string) types.FillEvent {
	return types.FillEvent{
		OrderID:   id,
		Seq:       seq,
		Quantity:  d(qty),
		Price:     d(price),
		Fee:       d(fee),
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
	}
}

func armAndSubmit(t *testing.T, l *Ledger, side types.Side, price, qty string) *Order {
	t.Helper()
	o := l.Arm(0, PurposeGrid, side, types.OrderTypeLimit, d(price), d(qty), t0)
	require.NoError(t, l.Submit(context.Background(), o.ID, acceptAll, t0))
	return o
}

func TestBuyThenSellRoundTrip(t *testing.T) {
	l := newTestLedger()
	buy := armAndSubmit(t, l, types.SideBuy, "100", "2")

	bal := l.Balance()
	assert.True(t, d("200.2").Equal(bal.ReservedQuote), "reserved %s", bal.ReservedQuote)

	applied, err := l.ApplyFill(fill(buy.ID, 1, "1", "100", "0.1"))
	require.NoError(t, err)
	assert.True(t, applied)

	o, _ := l.Order(buy.ID)
	assert.Equal(t, StatePartial, o.State)
	bal = l.Balance()
	assert.True(t, d("899.9").Equal(bal.Quote))
	assert.True(t, d("1").Equal(bal.Base))
	assert.True(t, d("100.1").Equal(bal.ReservedQuote), "reserved %s", bal.ReservedQuote)

	_, err = l.ApplyFill(fill(buy.ID, 2, "1", "100", "0.1"))
	require.NoError(t, err)
	o, _ = l.Order(buy.ID)
	assert.Equal(t, StateFilled, o.State)
	assert.True(t, d("100").Equal(o.AvgFillPrice))
	assert.True(t, l.Balance().ReservedQuote.IsZero())

	sell := armAndSubmit(t, l, types.SideSell, "110", "2")
	assert.True(t, d("2").Equal(l.Balance().ReservedBase))

	_, err = l.ApplyFill(fill(sell.ID, 1, "2", "110", "0.22"))
	require.NoError(t, err)

	bal = l.Balance()
	assert.True(t, bal.Base.IsZero())
	assert.True(t, d("1019.58").Equal(bal.Quote), "quote %s", bal.Quote)
	assert.True(t, bal.ReservedBase.IsZero())

	stats := l.Stats()
	assert.True(t, d("20").Equal(stats.RealizedPnL), "pnl %s", stats.RealizedPnL)
	assert.True(t, d("0.42").Equal(stats.FeesPaid))
	assert.Equal(t, 2, stats.OrderCount)
	assert.Equal(t, 2, stats.BuyFills)
	assert.Equal(t, 1, stats.SellFills)

	assert.Len(t, l.Fills(), 3)
	assert.NoError(t, l.Reconcile())
}

func TestApplyFillIsIdempotent(t *testing.T) {
	l := newTestLedger()
	buy := armAndSubmit(t, l, types.SideBuy, "100", "2")

	f := fill(buy.ID, 1, "1", "100", "0.1")
	applied, err := l.ApplyFill(f)
	require.NoError(t, err)
	require.True(t, applied)
	before := l.Balance()

	applied, err = l.ApplyFill(f)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, before, l.Balance())
	assert.Len(t, l.Fills(), 1)
}

func TestApplyFillRejections(t *testing.T) {
	l := newTestLedger()
	buy := armAndSubmit(t, l, types.SideBuy, "100", "2")
	armed := l.Arm(1, PurposeGrid, types.SideBuy, types.OrderTypeLimit, d("90"), d("1"), t0)

	t.Run("unknown order", func(t *testing.T) {
		_, err := l.ApplyFill(fill("nope", 1, "1", "100", "0"))
		var unknown *UnknownOrderError
		assert.True(t, errors.As(err, &unknown))
		assert.False(t, IsFatal(err))
	})

	t.Run("order not working", func(t *testing.T) {
		_, err := l.ApplyFill(fill(armed.ID, 1, "1", "90", "0"))
		var stateErr *StateError
		assert.True(t, errors.As(err, &stateErr))
	})

	t.Run("negative fee", func(t *testing.T) {
		_, err := l.ApplyFill(fill(buy.ID, 1, "1", "100", "-1"))
		assert.ErrorIs(t, err, ErrInvalidFill)
	})

	t.Run("overfill is fatal", func(t *testing.T) {
		_, err := l.ApplyFill(fill(buy.ID, 1, "3", "100", "0"))
		var lce *LedgerConsistencyError
		assert.True(t, errors.As(err, &lce))
		assert.True(t, IsFatal(err))
	})

	assert.Empty(t, l.Fills())
	assert.True(t, d("1000").Equal(l.Balance().Quote))
}

func TestSubmitInsufficientFunds(t *testing.T) {
	l := newTestLedger()
	o := l.Arm(0, PurposeGrid, types.SideBuy, types.OrderTypeLimit, d("100"), d("20"), t0)

	err := l.Submit(context.Background(), o.ID, acceptAll, t0)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	got, _ := l.Order(o.ID)
	assert.Equal(t, StateArmed, got.State)
	assert.True(t, l.Balance().ReservedQuote.IsZero())

	sell := l.Arm(0, PurposeGrid, types.SideSell, types.OrderTypeLimit, d("100"), d("1"), t0)
	assert.ErrorIs(t, l.Submit(context.Background(), sell.ID, acceptAll, t0), ErrInsufficientFunds)
}

func TestSubmitPortFailureRestoresArmed(t *testing.T) {
	l := newTestLedger()
	o := l.Arm(0, PurposeGrid, types.SideBuy, types.OrderTypeLimit, d("100"), d("1"), t0)

	down := placerFunc(func(context.Context, types.OrderRequest) (types.OrderHandle, error) {
		return types.OrderHandle{}, types.NewPortError("place", types.ErrDisconnected, "socket closed")
	})
	err := l.Submit(context.Background(), o.ID, down, t0)
	assert.ErrorIs(t, err, types.ErrDisconnected)

	got, _ := l.Order(o.ID)
	assert.Equal(t, StateArmed, got.State)
	assert.False(t, got.Submitted)
	assert.True(t, l.Balance().ReservedQuote.IsZero())

	require.NoError(t, l.Submit(context.Background(), o.ID, acceptAll, t0))
	got, _ = l.Order(o.ID)
	assert.Equal(t, StatePlaced, got.State)
	assert.NotEmpty(t, got.VenueID)

	var stateErr *StateError
	assert.True(t, errors.As(l.Submit(context.Background(), o.ID, acceptAll, t0), &stateErr))
}

func TestCancelReleasesReservation(t *testing.T) {
	l := newTestLedger()
	buy := armAndSubmit(t, l, types.SideBuy, "100", "2")
	_, err := l.ApplyFill(fill(buy.ID, 1, "0.5", "100", "0"))
	require.NoError(t, err)

	require.NoError(t, l.Cancel(buy.ID, t0))
	got, _ := l.Order(buy.ID)
	assert.Equal(t, StateCancelled, got.State)
	assert.True(t, d("0.5").Equal(got.FilledQty))
	assert.True(t, l.Balance().ReservedQuote.IsZero())
	assert.True(t, d("0.5").Equal(l.Balance().Base))

	var stateErr *StateError
	assert.True(t, errors.As(l.Cancel(buy.ID, t0), &stateErr))
	assert.NoError(t, l.Reconcile())
}

func TestLateFillOnCancelledOrder(t *testing.T) {
	l := newTestLedger()
	buy := armAndSubmit(t, l, types.SideBuy, "100", "2")
	_, err := l.ApplyFill(fill(buy.ID, 1, "0.5", "100", "0.05"))
	require.NoError(t, err)
	require.NoError(t, l.Cancel(buy.ID, t0))

	// executed at the venue before the cancel landed
	applied, err := l.ApplyFill(fill(buy.ID, 2, "0.5", "100", "0.05"))
	require.NoError(t, err)
	assert.True(t, applied)

	got, _ := l.Order(buy.ID)
	assert.Equal(t, StateCancelled, got.State)
	assert.True(t, d("1").Equal(got.FilledQty))
	assert.True(t, d("1").Equal(l.Balance().Base))
	assert.True(t, d("899.9").Equal(l.Balance().Quote), "quote %s", l.Balance().Quote)
	assert.True(t, l.Balance().ReservedQuote.IsZero())
	assert.Empty(t, l.Working())
	assert.NoError(t, l.Reconcile())

	_, err = l.ApplyFill(fill(buy.ID, 3, "1.5", "100", "0"))
	assert.True(t, IsFatal(err), "overfill past the order quantity: %v", err)

	t.Run("cancelled before reaching the venue", func(t *testing.T) {
		armed := l.Arm(1, PurposeGrid, types.SideBuy, types.OrderTypeLimit, d("90"), d("1"), t0)
		require.NoError(t, l.Cancel(armed.ID, t0))
		_, err := l.ApplyFill(fill(armed.ID, 1, "1", "90", "0"))
		assert.True(t, IsFatal(err))
	})

	t.Run("filled order", func(t *testing.T) {
		sell := armAndSubmit(t, l, types.SideSell, "110", "1")
		_, err := l.ApplyFill(fill(sell.ID, 1, "1", "110", "0"))
		require.NoError(t, err)
		_, err = l.ApplyFill(fill(sell.ID, 2, "0.1", "110", "0"))
		assert.True(t, IsFatal(err))
	})
}

// TestBalanceMatchesFillTotals drives random sequences of partial buys and
// sells and checks the balance against the closed form
// quote = initial + sum(sell notional) - sum(buy notional) - sum(fees).
func TestBalanceMatchesFillTotals(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1234, 99991} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			l := New("run-rand", types.Balance{Base: d("5"), Quote: d("10000")}, d("0.001"))
			l.MarkCostBasis(d("100"))

			wantBase, wantQuote := d("5"), d("10000")
			var seq int64
			for i := 0; i < 40; i++ {
				side := types.SideBuy
				if rng.Intn(2) == 0 {
					side = types.SideSell
				}
				price := decimal.NewFromInt(int64(80 + rng.Intn(40)))
				qty := decimal.New(int64(1+rng.Intn(20)), -1)
				o := l.Arm(i, PurposeGrid, side, types.OrderTypeLimit, price, qty, t0)
				if err := l.Submit(context.Background(), o.ID, acceptAll, t0); err != nil {
					require.ErrorIs(t, err, ErrInsufficientFunds)
					continue
				}

				// split into up to three partial fills, optionally cancelling midway
				remaining := qty
				for part := 0; part < 3 && remaining.IsPositive(); part++ {
					q := remaining
					if part < 2 && rng.Intn(2) == 0 {
						q = remaining.Div(decimal.NewFromInt(2)).Truncate(2)
						if !q.IsPositive() {
							q = remaining
						}
					}
					fee := q.Mul(price).Mul(d("0.001")).Round(8)
					seq++
					_, err := l.ApplyFill(fill(o.ID, seq, q.String(), price.String(), fee.String()))
					require.NoError(t, err)
					remaining = remaining.Sub(q)

					notional := q.Mul(price)
					if side == types.SideBuy {
						wantBase = wantBase.Add(q)
						wantQuote = wantQuote.Sub(notional).Sub(fee)
					} else {
						wantBase = wantBase.Sub(q)
						wantQuote = wantQuote.Add(notional).Sub(fee)
					}
					if remaining.IsPositive() && rng.Intn(4) == 0 {
						require.NoError(t, l.Cancel(o.ID, t0))
					}
				}
			}

			bal := l.Balance()
			assert.True(t, wantBase.Equal(bal.Base), "base want %s got %s", wantBase, bal.Base)
			assert.True(t, wantQuote.Equal(bal.Quote), "quote want %s got %s", wantQuote, bal.Quote)
			assert.True(t, bal.ReservedBase.IsZero(), "reserved base %s", bal.ReservedBase)
			assert.True(t, bal.ReservedQuote.IsZero(), "reserved quote %s", bal.ReservedQuote)
			assert.NoError(t, l.Reconcile())
		})
	}
}

func TestOrderIDsAreDeterministic(t *testing.T) {
	ids := func(runID string) []string {
		l := New(runID, types.Balance{Quote: d("1000")}, decimal.Zero)
		var out []string
		for i := 0; i < 3; i++ {
			out = append(out, l.Arm(i, PurposeGrid, types.SideBuy, types.OrderTypeLimit, d("10"), d("1"), t0).ID)
		}
		return out
	}

	first := ids("run-a")
	assert.Equal(t, first, ids("run-a"))
	assert.NotEqual(t, first, ids("run-b"))
	assert.NotEqual(t, first[0], first[1])
}

func TestOrderViews(t *testing.T) {
	l := newTestLedger()
	working := armAndSubmit(t, l, types.SideBuy, "100", "1")
	armed := l.Arm(1, PurposeGrid, types.SideBuy, types.OrderTypeLimit, d("90"), d("1"), t0)

	require.Len(t, l.Working(), 1)
	assert.Equal(t, working.ID, l.Working()[0].ID)
	require.Len(t, l.Armed(), 1)
	assert.Equal(t, armed.ID, l.Armed()[0].ID)
	assert.Len(t, l.Orders(), 2)
	assert.True(t, d("1000").Equal(l.Equity(d("123"))))

	_, err := l.ApplyFill(fill(working.ID, 1, "1", "100", "0.1"))
	require.NoError(t, err)
	require.NoError(t, l.Cancel(armed.ID, t0))
	later := l.Arm(2, PurposeGrid, types.SideSell, types.OrderTypeLimit, d("110"), d("1"), t0)

	assert.Empty(t, l.Working())
	require.Len(t, l.Armed(), 1)
	assert.Equal(t, later.ID, l.Armed()[0].ID)
	assert.Len(t, l.Orders(), 3)
	assert.Equal(t, 1, l.Stats().OrderCount)
}

func TestMarkCostBasis(t *testing.T) {
	l := New("run-1", types.Balance{Base: d("1"), Quote: d("0")}, decimal.Zero)
	l.MarkCostBasis(d("100"))
	sell := armAndSubmit(t, l, types.SideSell, "120", "1")

	_, err := l.ApplyFill(fill(sell.ID, 1, "1", "120", "0"))
	require.NoError(t, err)
	assert.True(t, d("20").Equal(l.Stats().RealizedPnL))
}

func TestEquityCurve(t *testing.T) {
	var c EquityCurve
	snap := func(sec int, equity string) EquitySnapshot {
		return EquitySnapshot{Timestamp: t0.Add(time.Duration(sec) * time.Second), Equity: d(equity)}
	}

	require.NoError(t, c.Record(snap(0, "100")))
	require.NoError(t, c.Record(snap(1, "120")))
	require.NoError(t, c.Record(snap(1, "110")))
	assert.Equal(t, 2, c.Len())

	last, ok := c.Last()
	require.True(t, ok)
	assert.True(t, d("110").Equal(last.Equity))
	// the replaced 120 still counts toward the peak
	assert.True(t, d("120").Equal(c.Peak()))

	assert.Error(t, c.Record(snap(0, "90")))
	assert.Len(t, c.Points(), 2)
}
