package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridbot/logger"
	"gridbot/trader/types"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	spotStreamURL    = "wss://stream.binance.com:9443/ws/"
	testnetStreamURL = "wss://stream.testnet.binance.vision/ws/"
)

// TradeStream live trade ticks from the Binance spot websocket, used as the
// price source of paper and live runs
type TradeStream struct {
	url            string
	reconnectDelay time.Duration
	dialer         websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTradeStream creates a stream for symbol (e.g. SOLUSDT)
func NewTradeStream(symbol string, testnet bool) *TradeStream {
	base := spotStreamURL
	if testnet {
		base = testnetStreamURL
	}
	return &TradeStream{
		url:            base + strings.ToLower(symbol) + "@trade",
		reconnectDelay: 3 * time.Second,
		dialer:         websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (s *TradeStream) Stream(ctx context.Context) (<-chan types.PriceEvent, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	out := make(chan types.PriceEvent, 256)
	go s.readLoop(ctx, out)
	return out, nil
}

func (s *TradeStream) connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("trade stream connection failed: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	logger.Infof("[Market] trade stream connected: %s", s.url)
	return nil
}

func (s *TradeStream) readLoop(ctx context.Context, out chan<- types.PriceEvent) {
	defer close(out)
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("[Market] trade stream read failed: %v, reconnecting in %s", err, s.reconnectDelay)
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		ev, err := ParseTrade(message)
		if err != nil {
			logger.Debugf("[Market] ignoring stream message: %v", err)
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *TradeStream) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.reconnectDelay):
		}
		if err := s.connect(ctx); err != nil {
			logger.Warnf("[Market] trade stream reconnection failed: %v", err)
			continue
		}
		return true
	}
}

// Close closes the connection
func (s *TradeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// tradeMessage Binance <symbol>@trade payload
type tradeMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// ParseTrade converts a trade message into a tick
func ParseTrade(message []byte) (types.PriceEvent, error) {
	var msg tradeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return types.PriceEvent{}, fmt.Errorf("failed to parse trade message: %w", err)
	}
	if msg.EventType != "trade" {
		return types.PriceEvent{}, fmt.Errorf("unexpected event type %q", msg.EventType)
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return types.PriceEvent{}, fmt.Errorf("bad trade price %q: %w", msg.Price, err)
	}
	return types.NewTick(time.UnixMilli(msg.TradeTime).UTC(), price), nil
}
