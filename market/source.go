package market

import (
	"context"
	"fmt"
	"time"

	"gridbot/trader/types"
)

// Source produces price events in timestamp order. The channel is closed
// when a finite source is exhausted or ctx is done.
type Source interface {
	Stream(ctx context.Context) (<-chan types.PriceEvent, error)
}

// SliceSource replays a fixed, ordered list of events
type SliceSource struct {
	events []types.PriceEvent
	// Speed > 0 paces the replay: 60 means one minute of data per second
	speed float64
}

// NewSliceSource creates a replay source
func NewSliceSource(events []types.PriceEvent, speed float64) *SliceSource {
	return &SliceSource{events: events, speed: speed}
}

// Len number of events
func (s *SliceSource) Len() int {
	return len(s.events)
}

func (s *SliceSource) Stream(ctx context.Context) (<-chan types.PriceEvent, error) {
	for i := 1; i < len(s.events); i++ {
		if s.events[i].Timestamp.Before(s.events[i-1].Timestamp) {
			return nil, fmt.Errorf("event %d at %s is older than event %d", i,
				s.events[i].Timestamp.Format(time.RFC3339), i-1)
		}
	}

	out := make(chan types.PriceEvent)
	go func() {
		defer close(out)
		for i, ev := range s.events {
			if s.speed > 0 && i > 0 {
				gap := ev.Timestamp.Sub(s.events[i-1].Timestamp)
				wait := time.Duration(float64(gap) / s.speed)
				if wait > 0 {
					timer := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						timer.Stop()
						return
					case <-timer.C:
					}
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
