package market

import (
	"context"
	"fmt"
	"time"

	"gridbot/logger"
	"gridbot/trader/types"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

const klinePageSize = 1000

// KlineLoader downloads historical bars from Binance spot for backtests
type KlineLoader struct {
	client *binance.Client
}

// NewKlineLoader creates a loader; klines are public so no keys are needed
func NewKlineLoader() *KlineLoader {
	return &KlineLoader{client: binance.NewClient("", "")}
}

// Load returns bars between start and end as price events stamped with the
// bar close time
func (l *KlineLoader) Load(ctx context.Context, symbol, interval string, start, end time.Time) ([]types.PriceEvent, error) {
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-30 * 24 * time.Hour)
	}

	var events []types.PriceEvent
	cursor := start.UnixMilli()
	for cursor < end.UnixMilli() {
		klines, err := l.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor).
			EndTime(end.UnixMilli()).
			Limit(klinePageSize).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			ev, err := KlineToEvent(k)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		cursor = klines[len(klines)-1].CloseTime + 1
		if len(klines) < klinePageSize {
			break
		}
	}

	logger.Infof("[Market] loaded %d %s bars for %s", len(events), interval, symbol)
	return events, nil
}

// KlineToEvent converts one bar
func KlineToEvent(k *binance.Kline) (types.PriceEvent, error) {
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return types.PriceEvent{}, fmt.Errorf("bad close %q: %w", k.Close, err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return types.PriceEvent{}, fmt.Errorf("bad high %q: %w", k.High, err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return types.PriceEvent{}, fmt.Errorf("bad low %q: %w", k.Low, err)
	}
	return types.PriceEvent{
		Timestamp: time.UnixMilli(k.CloseTime).UTC(),
		Price:     closePrice,
		High:      high,
		Low:       low,
	}.Normalize(), nil
}
