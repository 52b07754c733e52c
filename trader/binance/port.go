// Package binance is the real-exchange execution port for Binance spot.
package binance

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/logger"
	"gridbot/trader/types"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// Binance API error codes the port distinguishes
const (
	codeDisconnected   = -1001
	codeTooManyReqs    = -1003
	codeTooManyOrders  = -1015
	codeTimestamp      = -1021
	codeNewOrderReject = -2010
	codeCancelReject   = -2011
	codeNoSuchOrder    = -2013
)

// recoverTimeout bounds the order lookup after a failed placement
const recoverTimeout = 5 * time.Second

// Port Binance spot execution port
type Port struct {
	client  *binance.Client
	symbol  string
	base    string
	quote   string
	feeRate decimal.Decimal
	since   time.Time

	mu      sync.Mutex
	byVenue map[int64]string // exchange order id -> ledger order id
	pending map[string]bool  // client ids sent but not yet tied to an exchange order id
	foreign map[int64]bool   // exchange order ids placed by someone else

	// pollMu serializes trade polling; lastTradeID only moves under it
	pollMu      sync.Mutex
	lastTradeID int64

	pollInterval time.Duration
	fills        chan types.FillEvent
}

// Options port settings
type Options struct {
	APIKey       string
	SecretKey    string
	Testnet      bool
	PollInterval time.Duration
	// BaseURL overrides the REST endpoint, e.g. for a proxy
	BaseURL string
}

// New creates a Binance port for the run's pair
func New(opts Options, cfg *config.RunConfig) *Port {
	binance.UseTestnet = opts.Testnet || cfg.Exchange.Testnet
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	client := binance.NewClient(opts.APIKey, opts.SecretKey)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	return &Port{
		client:       client,
		symbol:       cfg.Exchange.Symbol(),
		base:         cfg.Exchange.Base(),
		quote:        cfg.Exchange.Quote(),
		feeRate:      cfg.Exchange.FeeRate,
		since:        time.Now(),
		byVenue:      make(map[int64]string),
		pending:      make(map[string]bool),
		foreign:      make(map[int64]bool),
		pollInterval: opts.PollInterval,
		fills:        make(chan types.FillEvent, 1024),
	}
}

func (p *Port) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	svc := p.client.NewCreateOrderService().
		Symbol(p.symbol).
		Side(binance.SideType(req.Side)).
		NewClientOrderID(req.ClientID).
		Quantity(req.Quantity.String())

	if req.Type == types.OrderTypeMarket {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	}

	// registered before sending: a market order can trade, and the trade be
	// polled, before the response arrives
	p.mu.Lock()
	p.pending[req.ClientID] = true
	p.mu.Unlock()

	resp, err := svc.Do(ctx)
	if err != nil {
		perr := mapError("place", err)
		if h, ok := p.recoverPlaced(ctx, req.ClientID, perr); ok {
			return h, nil
		}
		return types.OrderHandle{}, perr
	}
	p.register(resp.OrderID, req.ClientID)

	logger.Infof("[Binance] %s %s %s %s @ %s -> order %d (%s)",
		p.symbol, req.Side, req.Type, req.Quantity, req.Price, resp.OrderID, resp.Status)
	return types.OrderHandle{ClientID: req.ClientID, VenueID: strconv.FormatInt(resp.OrderID, 10)}, nil
}

// recoverPlaced asks the exchange whether a placement that failed in flight
// was accepted anyway. A timeout can hit after the order went live, and a
// retry under the same client id is then rejected as a duplicate.
func (p *Port) recoverPlaced(ctx context.Context, clientID string, cause error) (types.OrderHandle, bool) {
	if !errors.Is(cause, types.ErrDisconnected) && !errors.Is(cause, types.ErrRejected) {
		return types.OrderHandle{}, false
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoverTimeout)
	defer cancel()
	order, err := p.client.NewGetOrderService().Symbol(p.symbol).OrigClientOrderID(clientID).Do(lctx)
	if err != nil {
		if errors.Is(mapError("recover", err), types.ErrNotFound) {
			p.mu.Lock()
			delete(p.pending, clientID)
			p.mu.Unlock()
		}
		return types.OrderHandle{}, false
	}
	p.register(order.OrderID, clientID)
	logger.Warnf("[Binance] order %s was accepted as %d (%s) despite: %v", clientID, order.OrderID, order.Status, cause)
	return types.OrderHandle{ClientID: clientID, VenueID: strconv.FormatInt(order.OrderID, 10)}, true
}

func (p *Port) register(orderID int64, clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byVenue[orderID] = clientID
	delete(p.pending, clientID)
	delete(p.foreign, orderID)
}

func (p *Port) CancelOrder(ctx context.Context, h types.OrderHandle) error {
	_, err := p.client.NewCancelOrderService().
		Symbol(p.symbol).
		OrigClientOrderID(h.ClientID).
		Do(ctx)
	if err == nil {
		return nil
	}

	perr := mapError("cancel", err)
	if !errors.Is(perr, types.ErrNotFound) {
		return perr
	}
	// unknown to the matching engine: either never existed or already done
	order, qerr := p.client.NewGetOrderService().Symbol(p.symbol).OrigClientOrderID(h.ClientID).Do(ctx)
	if qerr == nil && order.Status == binance.OrderStatusTypeFilled {
		return types.NewPortError("cancel", types.ErrAlreadyFilled, h.ClientID)
	}
	return perr
}

// PollFills fetches account trades newer than the last seen trade id and
// keeps those belonging to orders placed through this port. The cursor never
// moves past a trade whose owner could not be resolved.
func (p *Port) PollFills(ctx context.Context) ([]types.FillEvent, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	svc := p.client.NewListTradesService().Symbol(p.symbol).Limit(1000)
	if p.lastTradeID > 0 {
		svc = svc.FromID(p.lastTradeID + 1)
	} else {
		svc = svc.StartTime(p.since.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError("poll", err)
	}

	var out []types.FillEvent
	for _, t := range trades {
		clientID, ok, err := p.owner(ctx, t.OrderID)
		if err != nil {
			logger.Warnf("[Binance] cannot resolve order %d of trade %d, retrying next poll: %v", t.OrderID, t.ID, err)
			break
		}
		if t.ID > p.lastTradeID {
			p.lastTradeID = t.ID
		}
		if !ok {
			continue
		}
		fill, err := p.toFill(clientID, t)
		if err != nil {
			logger.Warnf("[Binance] skipping trade %d: %v", t.ID, err)
			continue
		}
		out = append(out, fill)
	}
	return out, nil
}

// owner maps an exchange order id to the ledger order that placed it. While
// placements are pending an unknown id is looked up and claimed when its
// client id is one of them.
func (p *Port) owner(ctx context.Context, orderID int64) (string, bool, error) {
	p.mu.Lock()
	if id, ok := p.byVenue[orderID]; ok {
		p.mu.Unlock()
		return id, true, nil
	}
	if p.foreign[orderID] || len(p.pending) == 0 {
		p.mu.Unlock()
		return "", false, nil
	}
	p.mu.Unlock()

	order, err := p.client.NewGetOrderService().Symbol(p.symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return "", false, mapError("poll", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending[order.ClientOrderID] {
		p.foreign[orderID] = true
		return "", false, nil
	}
	p.byVenue[orderID] = order.ClientOrderID
	delete(p.pending, order.ClientOrderID)
	return order.ClientOrderID, true, nil
}

func (p *Port) toFill(clientID string, t *binance.TradeV3) (types.FillEvent, error) {
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return types.FillEvent{}, err
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return types.FillEvent{}, err
	}
	fee := p.feeInQuote(t.CommissionAsset, t.Commission, qty, price)
	return types.FillEvent{
		OrderID:   clientID,
		Seq:       t.ID,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Timestamp: time.UnixMilli(t.Time).UTC(),
	}, nil
}

// feeInQuote converts a commission to quote. Commissions charged in a third
// asset (e.g. BNB) are estimated from the configured fee rate.
func (p *Port) feeInQuote(asset, amount string, qty, price decimal.Decimal) decimal.Decimal {
	commission, err := decimal.NewFromString(amount)
	if err != nil {
		commission = decimal.Zero
	}
	switch strings.ToUpper(asset) {
	case p.quote:
		return commission
	case p.base:
		return commission.Mul(price)
	default:
		return qty.Mul(price).Mul(p.feeRate)
	}
}

func (p *Port) CurrentBalance(ctx context.Context) (types.Balance, error) {
	acc, err := p.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return types.Balance{}, mapError("balance", err)
	}
	bal := types.Balance{Base: decimal.Zero, Quote: decimal.Zero}
	for _, b := range acc.Balances {
		total := sumStrings(b.Free, b.Locked)
		switch strings.ToUpper(b.Asset) {
		case p.base:
			bal.Base = total
		case p.quote:
			bal.Quote = total
		}
	}
	return bal, nil
}

// ObservePrice the exchange has its own prices
func (p *Port) ObservePrice(types.PriceEvent) {}

// Fills stream fed by Run
func (p *Port) Fills() <-chan types.FillEvent {
	return p.fills
}

// Run polls trades until ctx is done and pushes new fills on Fills()
func (p *Port) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fills, err := p.PollFills(ctx)
			if err != nil {
				logger.Warnf("[Binance] trade poll failed: %v", err)
				continue
			}
			for _, f := range fills {
				select {
				case p.fills <- f:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func sumStrings(values ...string) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		if d, err := decimal.NewFromString(v); err == nil {
			total = total.Add(d)
		}
	}
	return total
}

// mapError translates Binance errors into the port error taxonomy
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.WrapPortError(op, types.ErrDisconnected, err)
	}
	if common.IsAPIError(err) {
		apiErr := err.(*common.APIError)
		switch apiErr.Code {
		case codeTooManyReqs, codeTooManyOrders:
			return types.WrapPortError(op, types.ErrRateLimited, err)
		case codeCancelReject, codeNoSuchOrder:
			return types.WrapPortError(op, types.ErrNotFound, err)
		case codeDisconnected, codeTimestamp:
			return types.WrapPortError(op, types.ErrDisconnected, err)
		case codeNewOrderReject:
			return types.WrapPortError(op, types.ErrRejected, err)
		default:
			return types.WrapPortError(op, types.ErrRejected, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return types.WrapPortError(op, types.ErrDisconnected, err)
	}
	return types.WrapPortError(op, types.ErrRejected, err)
}
