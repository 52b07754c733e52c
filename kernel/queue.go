package kernel

import (
	"context"
	"time"

	"gridbot/logger"
	"gridbot/trader/types"
)

const handOffTimeout = time.Second

// Event one item of the engine's serialized queue: a price or a fill
type Event struct {
	Price *types.PriceEvent
	Fill  *types.FillEvent
}

// PriceOf wraps a price event
func PriceOf(ev types.PriceEvent) Event {
	return Event{Price: &ev}
}

// FillOf wraps a fill event
func FillOf(f types.FillEvent) Event {
	return Event{Fill: &f}
}

// MergeEvents serializes a price stream and an optional fill stream into the
// single queue the engine consumes. The queue closes when the price stream
// ends (after draining fills already waiting) or ctx is done.
func MergeEvents(ctx context.Context, prices <-chan types.PriceEvent, fills <-chan types.FillEvent) <-chan Event {
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				if ev.Fill != nil {
					handOff(out, ev)
				}
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-fills:
				if !ok {
					fills = nil
					continue
				}
				if !send(FillOf(f)) {
					return
				}
			case p, ok := <-prices:
				if !ok {
					drainFills(fills, send)
					return
				}
				if !send(PriceOf(p)) {
					return
				}
			}
		}
	}()
	return out
}

// handOff gives a fill already taken off the stream a bounded chance to reach
// the engine after cancellation; the engine drains the queue while stopping
func handOff(out chan<- Event, ev Event) {
	t := time.NewTimer(handOffTimeout)
	defer t.Stop()
	select {
	case out <- ev:
	case <-t.C:
		logger.Warnf("[Queue] dropped fill %s after cancellation", ev.Fill.Key())
	}
}

func drainFills(fills <-chan types.FillEvent, send func(Event) bool) {
	if fills == nil {
		return
	}
	for {
		select {
		case f, ok := <-fills:
			if !ok || !send(FillOf(f)) {
				return
			}
		default:
			return
		}
	}
}

// PricesOnly adapts a price stream to the queue without a fill stream
func PricesOnly(ctx context.Context, prices <-chan types.PriceEvent) <-chan Event {
	return MergeEvents(ctx, prices, nil)
}
