// Package kernel runs a grid: it consumes the serialized event queue, arms and
// submits ladder orders through an execution port, applies fills to the ledger
// and unwinds the position when the risk overlay or the caller says so.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/grid"
	"gridbot/ledger"
	"gridbot/logger"
	"gridbot/risk"
	"gridbot/trader/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrLiquidationFailed the position could not be closed while unwinding
var ErrLiquidationFailed = errors.New("liquidation failed")

// Journal persists the run as it happens. Failures are logged, never fatal.
type Journal interface {
	SaveLadder(ctx context.Context, runID string, levels []grid.Level) error
	SaveOrder(ctx context.Context, runID string, o ledger.Order) error
	SaveFill(ctx context.Context, runID string, f types.FillEvent) error
	SaveSnapshot(ctx context.Context, runID string, s ledger.EquitySnapshot) error
	SaveEvent(ctx context.Context, runID, kind, message string, at time.Time) error
}

// Notifier pushes operator-facing messages
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Recorder receives engine metrics
type Recorder interface {
	EventProcessed(d time.Duration)
	OrderSubmitted(side string)
	SubmitFailed(reason string)
	FillApplied(side string, qty decimal.Decimal)
	LevelDegraded()
	Snapshot(s ledger.EquitySnapshot)
	StateChanged(state, risk string)
}

// Options optional collaborators of the engine
type Options struct {
	Journal  Journal
	Notifier Notifier
	Recorder Recorder
	// Fills push stream of the port, drained while unwinding after the event
	// queue has been shut down
	Fills <-chan types.FillEvent
	// Sleep waits between retries; tests replace it to run without delays
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine strategy engine of one run. Run must be called once; Status and
// EquityCurve may be called concurrently from other goroutines.
type Engine struct {
	cfg   config.RunConfig
	port  types.ExecutionPort
	opts  Options
	runID string
	log   *logrus.Entry

	monitor *risk.Monitor
	ladder  *grid.Ladder
	ledger  *ledger.Ledger
	curve   ledger.EquityCurve

	state  RunState
	risk   risk.State
	reason string

	initialEquity decimal.Decimal
	last          types.PriceEvent
	hasLast       bool
	events        int64
	degraded      map[string]bool
	// starved orders were crossed but could not be funded yet
	starved map[string]bool
	// closing suppresses re-arming while a finished run cancels its orders
	closing bool

	statusMu  sync.RWMutex
	status    Status
	published []ledger.EquitySnapshot
}

// New validates the configuration and creates an engine bound to port
func New(cfg *config.RunConfig, port types.ExecutionPort, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, config.Errorf("run", "configuration is required")
	}
	if port == nil {
		return nil, errors.New("execution port is required")
	}
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	e := &Engine{
		cfg:      c,
		port:     port,
		opts:     opts,
		runID:    c.RunID,
		log:      logger.WithRun(c.RunID),
		monitor:  risk.NewMonitor(c.Risk),
		state:    StateInitializing,
		risk:     risk.StateNormal,
		degraded: make(map[string]bool),
		starved:  make(map[string]bool),
	}
	e.status = Status{
		RunID:  c.RunID,
		Symbol: c.Exchange.Symbol(),
		Mode:   string(c.Mode),
		State:  StateInitializing,
		Risk:   risk.StateNormal,
	}
	return e, nil
}

// RunID id of the run
func (e *Engine) RunID() string {
	return e.runID
}

// Run consumes events until the run terminates, the queue closes or ctx is
// cancelled. Cancellation unwinds the position before returning.
func (e *Engine) Run(ctx context.Context, events <-chan Event) (*Result, error) {
	e.log.Infof("🚀 [Engine] starting %s run on %s (%d levels, %s/%s)",
		e.cfg.Mode, e.cfg.Exchange.Symbol(), e.cfg.Grid.Count, e.cfg.Grid.Spacing, e.cfg.Grid.Strategy)

	for {
		if ctx.Err() != nil {
			return e.stop(ctx, events, "run cancelled")
		}
		select {
		case <-ctx.Done():
			continue
		case ev, ok := <-events:
			if !ok {
				return e.finish(ctx)
			}
			if err := e.handle(ctx, ev); err != nil {
				return e.fail(err)
			}
			if e.state == StateTerminated {
				return e.complete()
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev Event) error {
	start := time.Now()
	if ev.Fill != nil {
		if err := e.onFill(*ev.Fill); err != nil {
			return err
		}
		switch e.state {
		case StateRunning:
			if e.hasLast {
				e.retryStarved(ctx, e.last.Price, ev.Fill.Timestamp)
			}
		case StateUnwinding:
			e.checkFlat()
		}
	}
	if ev.Price != nil {
		if err := e.onPrice(ctx, *ev.Price); err != nil {
			return err
		}
	}
	if e.opts.Recorder != nil {
		e.opts.Recorder.EventProcessed(time.Since(start))
	}
	e.publish()
	return nil
}

func (e *Engine) onPrice(ctx context.Context, ev types.PriceEvent) error {
	ev = ev.Normalize()
	if e.hasLast && ev.Timestamp.Before(e.last.Timestamp) {
		e.log.Warnf("[Engine] dropping out-of-order price event at %s (last %s)",
			ev.Timestamp.Format(time.RFC3339), e.last.Timestamp.Format(time.RFC3339))
		return nil
	}
	e.events++
	e.port.ObservePrice(ev)

	prev := ev.Price
	if e.hasLast {
		prev = e.last.Price
	}

	if e.state == StateInitializing {
		if err := e.openLedger(ctx, ev); err != nil {
			return err
		}
		if reason, triggered := e.evaluateRisk(ev); triggered {
			e.log.Warnf("🛑 [Engine] %s before the first order, nothing placed", reason)
			e.last, e.hasLast = ev, true
			e.record(ev, true)
			e.setState(StateTerminated, reason)
			return nil
		}
		if err := e.initialize(ctx, ev); err != nil {
			return err
		}
	}

	if reason, triggered := e.evaluateRisk(ev); triggered && e.state == StateRunning {
		e.beginUnwind(reason)
	}

	switch e.state {
	case StateRunning:
		e.clearDegraded(ev)
		e.submitCrossed(ctx, prev, ev)
		if err := e.collectFills(ctx); err != nil {
			return err
		}
		e.retryStarved(ctx, ev.Price, ev.Timestamp)
	case StateUnwinding:
		if err := e.unwindStep(ctx, ev); err != nil {
			return err
		}
	}

	e.last = ev
	e.hasLast = true
	e.record(ev, true)
	return nil
}

// evaluateRisk snapshots equity ahead of any order for the event and moves
// the risk state forward. Reports the trigger when the state changed.
func (e *Engine) evaluateRisk(ev types.PriceEvent) (string, bool) {
	snap := e.record(ev, false)
	next := e.monitor.Evaluate(risk.Input{Snapshot: snap, InitialEquity: e.initialEquity, PeakEquity: e.curve.Peak()})
	advanced := risk.Advance(e.risk, next)
	if advanced == e.risk {
		return "", false
	}
	e.risk = advanced
	return fmt.Sprintf("%s at price %s, equity %s", advanced, ev.Price, snap.Equity.StringFixed(2)), true
}

// openLedger reads the starting balance and values it at the first price
func (e *Engine) openLedger(ctx context.Context, ev types.PriceEvent) error {
	bal, err := e.currentBalance(ctx)
	if err != nil {
		return fmt.Errorf("read initial balance: %w", err)
	}
	e.ledger = ledger.New(e.runID, bal, e.cfg.Exchange.FeeRate)
	e.ledger.MarkCostBasis(ev.Price)
	e.initialEquity = bal.Quote.Add(bal.Base.Mul(ev.Price))
	return nil
}

// initialize builds the ladder from the first price and arms it
func (e *Engine) initialize(ctx context.Context, ev types.PriceEvent) error {
	bal := e.ledger.Initial()

	params := grid.ResolveRange(grid.ParamsFromConfig(&e.cfg, e.initialEquity), e.cfg.Grid.Range, ev.Price)
	ladder, err := grid.Calculate(params, ev.Price)
	if err != nil {
		return err
	}
	e.ladder = ladder
	e.log.Infof("📐 [Engine] ladder %s - %s, %d levels, reference %s, equity %s",
		ladder.Bottom(), ladder.Top(), ladder.Len(), ev.Price, e.initialEquity)
	e.persist(func(ctx context.Context, j Journal) error {
		return j.SaveLadder(ctx, e.runID, ladder.Levels)
	})
	e.setState(StateRunning, "")
	e.notify("▶️ %s grid started on %s: %d levels %s - %s", e.cfg.Mode, e.cfg.Exchange.Symbol(),
		ladder.Len(), ladder.Bottom(), ladder.Top())

	if need := ladder.BaseRequired().Sub(bal.Base); need.IsPositive() {
		o := e.ledger.Arm(ledger.NoLevel, ledger.PurposeInitial, types.SideBuy, types.OrderTypeMarket, ev.Price, need, ev.Timestamp)
		if err := e.submit(ctx, o.ID, ev.Timestamp); err != nil {
			e.log.Warnf("[Engine] initial purchase of %s failed, sell levels wait for base: %v", need, err)
			_ = e.ledger.Cancel(o.ID, ev.Timestamp)
		} else if err := e.awaitOrder(ctx, o.ID); err != nil {
			return err
		}
	}

	for _, a := range ladder.InitialArms() {
		e.arm(a, ev.Timestamp)
	}
	return nil
}

// awaitOrder collects fills until the order is terminal, for at most
// PortTimeout worth of poll intervals. Asynchronous ports deliver the
// initial purchase after a delay and the sell anchors need that base.
func (e *Engine) awaitOrder(ctx context.Context, id string) error {
	exec := e.cfg.Execution
	polls := 1
	if exec.UnwindPollInterval > 0 {
		polls = max(int(exec.PortTimeout/exec.UnwindPollInterval), 1)
	}
	for i := 0; ; i++ {
		if err := e.collectFills(ctx); err != nil {
			return err
		}
		if err := e.drainStream(); err != nil {
			return err
		}
		o, _ := e.ledger.Order(id)
		if o.State.Terminal() {
			return nil
		}
		if i >= polls {
			e.log.Warnf("[Engine] order %s still %s after %s, continuing", id, o.State, exec.PortTimeout)
			return nil
		}
		if err := e.opts.Sleep(ctx, exec.UnwindPollInterval); err != nil {
			return nil
		}
	}
}

func (e *Engine) arm(a grid.Arm, at time.Time) {
	o := e.ledger.Arm(a.Level, ledger.PurposeGrid, a.Side, types.OrderTypeLimit, a.Price, a.Quantity, at)
	e.log.Debugf("[Engine] armed %s %s @ %s on level %d", o.Side, o.Quantity, o.Price, o.LevelIndex)
	e.saveOrder(o.ID)
}

// submitCrossed submits every armed grid order the event crossed, in the
// ladder's processing order
func (e *Engine) submitCrossed(ctx context.Context, prev decimal.Decimal, ev types.PriceEvent) {
	var cands []grid.Candidate
	for _, o := range e.ledger.Armed() {
		if o.Purpose != ledger.PurposeGrid || e.degraded[o.ID] {
			continue
		}
		cands = append(cands, grid.Candidate{OrderID: o.ID, Level: o.LevelIndex, Side: o.Side, Price: o.Price})
	}

	for _, c := range e.ladder.Crossed(prev, ev, cands) {
		if ctx.Err() != nil {
			return
		}
		err := e.submit(ctx, c.OrderID, ev.Timestamp)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			e.starved[c.OrderID] = true
			continue
		}
		if err == nil || ctx.Err() != nil {
			continue
		}
		var se *ledger.StateError
		if errors.As(err, &se) {
			continue
		}
		e.degrade(c, err)
	}
}

// submit places an armed order, retrying retryable port errors with
// exponential backoff. Returns the last error when the order stays armed.
func (e *Engine) submit(ctx context.Context, id string, at time.Time) error {
	exec := e.cfg.Execution
	backoff := exec.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= exec.SubmitRetries; attempt++ {
		if attempt > 0 {
			if err := e.opts.Sleep(ctx, backoff); err != nil {
				break
			}
			backoff = min(backoff*2, exec.MaxBackoff)
		}

		callCtx, cancel := context.WithTimeout(ctx, exec.PortTimeout)
		err := e.ledger.Submit(callCtx, id, e.port, at)
		cancel()
		if err == nil {
			o, _ := e.ledger.Order(id)
			e.log.Infof("📤 [Engine] %s %s %s @ %s (level %d, %s)", o.Side, o.Type, o.Quantity, o.Price, o.LevelIndex, o.Purpose)
			if e.opts.Recorder != nil {
				e.opts.Recorder.OrderSubmitted(string(o.Side))
			}
			e.saveOrder(id)
			return nil
		}
		lastErr = err

		if errors.Is(err, ledger.ErrInsufficientFunds) {
			e.log.Warnf("[Engine] order %s left armed: %v", id, err)
			e.recordFailure("insufficient_funds")
			return err
		}
		var se *ledger.StateError
		if errors.As(err, &se) {
			e.log.Warnf("[Engine] %v", err)
			return err
		}
		e.recordFailure(failureReason(err))
		if !types.IsRetryable(err) {
			break
		}
		e.log.Warnf("[Engine] submit %s failed (attempt %d/%d): %v", id, attempt+1, exec.SubmitRetries+1, err)
	}

	e.log.Errorf("[Engine] giving up on order %s: %v", id, lastErr)
	return lastErr
}

func failureReason(err error) string {
	for _, kind := range []error{types.ErrRateLimited, types.ErrDisconnected, types.ErrRejected, types.ErrInvalidRequest} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "other"
}

func (e *Engine) recordFailure(reason string) {
	if e.opts.Recorder != nil {
		e.opts.Recorder.SubmitFailed(reason)
	}
}

// degrade stops retrying an order until price moves back across its level
func (e *Engine) degrade(c grid.Candidate, err error) {
	e.degraded[c.OrderID] = true
	e.log.Errorf("⚠️ [Engine] level %d %s @ %s degraded: %v", c.Level, c.Side, c.Price, err)
	if e.opts.Recorder != nil {
		e.opts.Recorder.LevelDegraded()
	}
	e.saveEvent("degraded", fmt.Sprintf("level %d %s @ %s: %v", c.Level, c.Side, c.Price, err))
	e.notify("⚠️ level %d %s @ %s degraded after retries: %v", c.Level, c.Side, c.Price, err)
}

// retryStarved submits crossed orders that lacked funds once fills have
// freed them. An order whose level the price has moved back across waits for
// the next crossing instead.
func (e *Engine) retryStarved(ctx context.Context, price decimal.Decimal, at time.Time) {
	if len(e.starved) == 0 {
		return
	}
	for _, o := range e.ledger.Armed() {
		if !e.starved[o.ID] {
			continue
		}
		stillCrossed := (o.Side == types.SideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == types.SideSell && price.GreaterThanOrEqual(o.Price))
		if !stillCrossed {
			delete(e.starved, o.ID)
			continue
		}
		err := e.submit(ctx, o.ID, at)
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
		case err == nil:
			delete(e.starved, o.ID)
		default:
			delete(e.starved, o.ID)
			var se *ledger.StateError
			if !errors.As(err, &se) && ctx.Err() == nil {
				e.degrade(grid.Candidate{OrderID: o.ID, Level: o.LevelIndex, Side: o.Side, Price: o.Price}, err)
			}
		}
	}
	for id := range e.starved {
		if o, ok := e.ledger.Order(id); !ok || o.State != ledger.StateArmed {
			delete(e.starved, id)
		}
	}
}

func (e *Engine) clearDegraded(ev types.PriceEvent) {
	for id := range e.degraded {
		o, ok := e.ledger.Order(id)
		if !ok || o.State != ledger.StateArmed {
			delete(e.degraded, id)
			continue
		}
		back := (o.Side == types.SideBuy && ev.Price.GreaterThan(o.Price)) ||
			(o.Side == types.SideSell && ev.Price.LessThan(o.Price))
		if back {
			delete(e.degraded, id)
			e.log.Infof("[Engine] level %d %s @ %s eligible again", o.LevelIndex, o.Side, o.Price)
		}
	}
}

// collectFills drains the port's fills into the ledger
func (e *Engine) collectFills(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Execution.PortTimeout)
	fills, err := e.port.PollFills(callCtx)
	cancel()
	if err != nil {
		e.log.Warnf("[Engine] polling fills failed: %v", err)
	}
	for _, f := range fills {
		if err := e.onFill(f); err != nil {
			return err
		}
	}
	return nil
}

// drainStream takes whatever the push stream already holds
func (e *Engine) drainStream() error {
	if e.opts.Fills == nil {
		return nil
	}
	for {
		select {
		case f, ok := <-e.opts.Fills:
			if !ok {
				e.opts.Fills = nil
				return nil
			}
			if err := e.onFill(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// onFill applies one fill and re-arms the ladder when a grid order completes
func (e *Engine) onFill(f types.FillEvent) error {
	if e.ledger == nil {
		e.log.Warnf("[Engine] fill %s before initialization, ignored", f.Key())
		return nil
	}
	applied, err := e.ledger.ApplyFill(f)
	if err != nil {
		if ledger.IsFatal(err) {
			return err
		}
		e.log.Warnf("[Engine] ignoring fill %s: %v", f.Key(), err)
		return nil
	}
	if !applied {
		e.log.Debugf("[Engine] duplicate fill %s", f.Key())
		return nil
	}

	o, _ := e.ledger.Order(f.OrderID)
	e.log.Infof("✅ [Engine] fill %s %s @ %s fee %s (level %d, %s, %s)",
		o.Side, f.Quantity, f.Price, f.Fee, o.LevelIndex, o.Purpose, o.State)
	if e.opts.Recorder != nil {
		e.opts.Recorder.FillApplied(string(o.Side), f.Quantity)
	}
	e.persist(func(ctx context.Context, j Journal) error {
		return j.SaveFill(ctx, e.runID, f)
	})
	e.saveOrder(o.ID)

	if o.State == ledger.StateFilled && o.Purpose == ledger.PurposeGrid && e.state == StateRunning && !e.closing {
		if a, ok := e.ladder.Rearm(o.LevelIndex, o.Side, o.FilledQty); ok {
			if holder, busy := e.levelHolder(a.Level); busy {
				e.log.Debugf("[Engine] level %d already holds %s %s, not arming %s", a.Level, holder.State, holder.Side, a.Side)
			} else {
				e.arm(a, f.Timestamp)
			}
		}
	}
	return nil
}

// levelHolder finds the armed or working grid order occupying a level. A
// level carries one intent at a time.
func (e *Engine) levelHolder(level int) (ledger.Order, bool) {
	for _, orders := range [][]ledger.Order{e.ledger.Armed(), e.ledger.Working()} {
		for _, o := range orders {
			if o.Purpose == ledger.PurposeGrid && o.LevelIndex == level {
				return o, true
			}
		}
	}
	return ledger.Order{}, false
}

func (e *Engine) beginUnwind(reason string) {
	e.log.Warnf("🛑 [Engine] unwinding: %s", reason)
	e.setState(StateUnwinding, reason)
	e.notify("🛑 %s unwinding: %s", e.cfg.Exchange.Symbol(), reason)
}

// unwindStep cancels what is still open and liquidates the base position
func (e *Engine) unwindStep(ctx context.Context, ev types.PriceEvent) error {
	if err := e.collectFills(ctx); err != nil {
		return err
	}
	if err := e.cancelOpen(ctx, ev.Timestamp); err != nil {
		return err
	}
	if err := e.collectFills(ctx); err != nil {
		return err
	}
	if e.checkFlat() || e.liquidating() {
		return nil
	}
	return e.liquidate(ctx, ev)
}

// cancelOpen voids armed orders and cancels working grid orders at the venue.
// Fills the venue executed before a cancel are collected before the ledger
// closes the order; any that still arrive later apply as late fills.
func (e *Engine) cancelOpen(ctx context.Context, at time.Time) error {
	for _, o := range e.ledger.Armed() {
		if err := e.ledger.Cancel(o.ID, at); err == nil {
			delete(e.degraded, o.ID)
			delete(e.starved, o.ID)
			e.saveOrder(o.ID)
		}
	}
	for _, o := range e.ledger.Working() {
		if o.Purpose == ledger.PurposeLiquidation {
			continue
		}
		err := e.cancelAtVenue(ctx, o)
		switch {
		case err == nil, errors.Is(err, types.ErrNotFound):
			if err := e.settle(ctx); err != nil {
				return err
			}
			if cerr := e.ledger.Cancel(o.ID, at); cerr == nil {
				e.saveOrder(o.ID)
			}
		case errors.Is(err, types.ErrAlreadyFilled):
			e.log.Debugf("[Engine] order %s already filled, waiting for its fill", o.ID)
			if err := e.awaitOrder(ctx, o.ID); err != nil {
				return err
			}
		default:
			e.log.Warnf("[Engine] cancel %s failed, will retry: %v", o.ID, err)
		}
	}
	return nil
}

// settle applies what the port has delivered so far, polled and pushed
func (e *Engine) settle(ctx context.Context) error {
	if err := e.collectFills(ctx); err != nil {
		return err
	}
	return e.drainStream()
}

func (e *Engine) cancelAtVenue(ctx context.Context, o ledger.Order) error {
	exec := e.cfg.Execution
	backoff := exec.RetryBackoff
	var err error
	for attempt := 0; attempt <= exec.SubmitRetries; attempt++ {
		if attempt > 0 {
			if serr := e.opts.Sleep(ctx, backoff); serr != nil {
				return err
			}
			backoff = min(backoff*2, exec.MaxBackoff)
		}
		callCtx, cancel := context.WithTimeout(ctx, exec.PortTimeout)
		err = e.port.CancelOrder(callCtx, o.Handle())
		cancel()
		if err == nil || errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrAlreadyFilled) || !types.IsRetryable(err) {
			return err
		}
	}
	return err
}

func (e *Engine) liquidating() bool {
	for _, o := range e.ledger.Working() {
		if o.Purpose == ledger.PurposeLiquidation {
			return true
		}
	}
	return false
}

// flat reports whether the base position is closed: below the epsilon or
// dust smaller than one quantity step
func (e *Engine) flat() bool {
	base := e.ledger.Balance().Base
	return base.LessThanOrEqual(e.cfg.Execution.PositionEpsilon) ||
		base.Truncate(e.cfg.Grid.QuantityPrecision).IsZero()
}

// checkFlat terminates an unwinding run once the position is closed and
// nothing is left working at the venue
func (e *Engine) checkFlat() bool {
	if e.state != StateUnwinding || !e.flat() || len(e.ledger.Working()) > 0 {
		return e.state == StateTerminated
	}
	e.log.Infof("🏁 [Engine] position closed, base %s", e.ledger.Balance().Base)
	e.setState(StateTerminated, "")
	return true
}

// liquidate market-sells the available base, retrying a bounded number of times
func (e *Engine) liquidate(ctx context.Context, ev types.PriceEvent) error {
	qty := e.ledger.Balance().AvailableBase().Truncate(e.cfg.Grid.QuantityPrecision)
	if !qty.IsPositive() {
		return nil
	}

	exec := e.cfg.Execution
	attempts := max(exec.LiquidationRetries, 1)
	backoff := exec.RetryBackoff
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := e.opts.Sleep(ctx, backoff); err != nil {
				break
			}
			backoff = min(backoff*2, exec.MaxBackoff)
		}
		o := e.ledger.Arm(ledger.NoLevel, ledger.PurposeLiquidation, types.SideSell, types.OrderTypeMarket, ev.Price, qty, ev.Timestamp)
		callCtx, cancel := context.WithTimeout(ctx, exec.PortTimeout)
		err := e.ledger.Submit(callCtx, o.ID, e.port, ev.Timestamp)
		cancel()
		if err == nil {
			e.log.Infof("📤 [Engine] liquidating %s at market (~%s)", qty, ev.Price)
			e.saveOrder(o.ID)
			if err := e.collectFills(ctx); err != nil {
				return err
			}
			e.checkFlat()
			return nil
		}
		_ = e.ledger.Cancel(o.ID, ev.Timestamp)
		e.saveOrder(o.ID)
		lastErr = err
		e.log.Warnf("[Engine] liquidation attempt %d/%d failed: %v", attempt+1, attempts, err)
	}

	e.notify("❌ %s liquidation failed: %v", e.cfg.Exchange.Symbol(), lastErr)
	return fmt.Errorf("%w after %d attempts: %v", ErrLiquidationFailed, attempts, lastErr)
}

// stop handles cancellation of the run context
func (e *Engine) stop(ctx context.Context, events <-chan Event, reason string) (*Result, error) {
	if err := e.drainQueued(events); err != nil {
		return e.fail(err)
	}
	switch e.state {
	case StateInitializing:
		e.setState(StateTerminated, reason)
		return e.complete()
	case StateRunning:
		e.beginUnwind(reason)
	}
	return e.drainUnwind(ctx)
}

// drainQueued applies the fills still queued when the run is cancelled.
// Queued prices are dropped. Waits at most one poll interval for the queue
// to close.
func (e *Engine) drainQueued(events <-chan Event) error {
	grace := time.NewTimer(e.cfg.Execution.UnwindPollInterval)
	defer grace.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Fill != nil {
				if err := e.onFill(*ev.Fill); err != nil {
					return err
				}
			}
		case <-grace.C:
			return nil
		}
	}
}

// finish handles the end of a finite event source
func (e *Engine) finish(ctx context.Context) (*Result, error) {
	switch e.state {
	case StateInitializing:
		e.setState(StateTerminated, "no price events")
		return e.complete()
	case StateRunning:
		if e.cfg.Execution.LiquidateOnFinish {
			e.beginUnwind("event source exhausted")
			break
		}
		uctx, cancel := e.unwindContext(ctx)
		defer cancel()
		if err := e.collectFills(uctx); err != nil {
			return e.fail(err)
		}
		e.closing = true
		if err := e.cancelOpen(uctx, e.last.Timestamp); err != nil {
			return e.fail(err)
		}
		if err := e.settle(uctx); err != nil {
			return e.fail(err)
		}
		e.setState(StateTerminated, "event source exhausted")
		return e.complete()
	}
	return e.drainUnwind(ctx)
}

func (e *Engine) unwindContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Execution.UnwindTimeout)
}

// drainUnwind keeps unwinding outside the event queue until the position is
// closed or the unwind timeout expires
func (e *Engine) drainUnwind(ctx context.Context) (*Result, error) {
	uctx, cancel := e.unwindContext(ctx)
	defer cancel()

	for e.state != StateTerminated {
		if err := e.unwindStep(uctx, e.last); err != nil {
			return e.fail(err)
		}
		if e.state == StateTerminated {
			break
		}
		if err := e.opts.Sleep(uctx, e.cfg.Execution.UnwindPollInterval); err != nil {
			return e.fail(fmt.Errorf("%w: base %s still open after %s",
				ErrLiquidationFailed, e.ledger.Balance().Base, e.cfg.Execution.UnwindTimeout))
		}
		if err := e.drainStream(); err != nil {
			return e.fail(err)
		}
		e.checkFlat()
	}
	return e.complete()
}

// complete reconciles the ledger and returns the final result
func (e *Engine) complete() (*Result, error) {
	if e.ledger != nil {
		if err := e.ledger.Reconcile(); err != nil {
			return e.fail(err)
		}
	}
	e.publish()
	e.log.Infof("🏁 [Engine] run finished (%s, risk %s)", e.state, e.risk)
	e.notify("🏁 %s grid finished: %s", e.cfg.Exchange.Symbol(), e.finalSummary())
	return e.result(), nil
}

func (e *Engine) fail(err error) (*Result, error) {
	e.log.Errorf("❌ [Engine] run failed: %v", err)
	e.state = StateTerminated
	e.reason = err.Error()
	e.saveEvent("fatal", err.Error())
	e.notify("❌ %s grid stopped: %v", e.cfg.Exchange.Symbol(), err)
	e.publish()
	return e.result(), err
}

func (e *Engine) finalSummary() string {
	if e.ledger == nil {
		return "no trades"
	}
	last, _ := e.curve.Last()
	stats := e.ledger.Stats()
	return fmt.Sprintf("equity %s (start %s), realized %s, fees %s, %d orders",
		last.Equity.StringFixed(2), e.initialEquity.StringFixed(2),
		stats.RealizedPnL.StringFixed(2), stats.FeesPaid.StringFixed(4), stats.OrderCount)
}

func (e *Engine) setState(s RunState, reason string) {
	e.state = s
	if reason != "" {
		e.reason = reason
	}
	if e.opts.Recorder != nil {
		e.opts.Recorder.StateChanged(string(s), string(e.risk))
	}
	msg := string(s)
	if reason != "" {
		msg += ": " + reason
	}
	e.saveEvent("state", msg)
}

// record snapshots equity at the event; a second record at the same
// timestamp replaces the first
func (e *Engine) record(ev types.PriceEvent, final bool) ledger.EquitySnapshot {
	snap := e.ledger.Snapshot(ev.Timestamp, ev.Price)
	if err := e.curve.Record(snap); err != nil {
		e.log.Warnf("[Engine] %v", err)
	}
	if final {
		if e.opts.Recorder != nil {
			e.opts.Recorder.Snapshot(snap)
		}
		e.persist(func(ctx context.Context, j Journal) error {
			return j.SaveSnapshot(ctx, e.runID, snap)
		})
	}
	return snap
}

func (e *Engine) currentBalance(ctx context.Context) (types.Balance, error) {
	exec := e.cfg.Execution
	backoff := exec.RetryBackoff
	var err error
	for attempt := 0; attempt <= exec.SubmitRetries; attempt++ {
		if attempt > 0 {
			if serr := e.opts.Sleep(ctx, backoff); serr != nil {
				return types.Balance{}, err
			}
			backoff = min(backoff*2, exec.MaxBackoff)
		}
		callCtx, cancel := context.WithTimeout(ctx, exec.PortTimeout)
		var bal types.Balance
		bal, err = e.port.CurrentBalance(callCtx)
		cancel()
		if err == nil {
			return bal, nil
		}
		if !types.IsRetryable(err) {
			return types.Balance{}, err
		}
	}
	return types.Balance{}, err
}

func (e *Engine) saveOrder(id string) {
	if e.opts.Journal == nil {
		return
	}
	o, ok := e.ledger.Order(id)
	if !ok {
		return
	}
	e.persist(func(ctx context.Context, j Journal) error {
		return j.SaveOrder(ctx, e.runID, o)
	})
}

func (e *Engine) saveEvent(kind, message string) {
	at := e.last.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	e.persist(func(ctx context.Context, j Journal) error {
		return j.SaveEvent(ctx, e.runID, kind, message, at)
	})
}

func (e *Engine) persist(fn func(ctx context.Context, j Journal) error) {
	if e.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx, e.opts.Journal); err != nil {
		e.log.Warnf("[Engine] journal write failed: %v", err)
	}
}

func (e *Engine) notify(format string, args ...interface{}) {
	if e.opts.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.Notifier.Notify(ctx, fmt.Sprintf(format, args...)); err != nil {
		e.log.Warnf("[Engine] notification failed: %v", err)
	}
}

// publish copies the loop-owned state for concurrent readers
func (e *Engine) publish() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	s := &e.status
	s.State = e.state
	s.Risk = e.risk
	s.Reason = e.reason
	s.Events = e.events
	s.LastPrice = e.last.Price
	s.LastEvent = e.last.Timestamp
	s.InitialEquity = e.initialEquity
	s.Degraded = len(e.degraded)
	if e.ladder != nil && s.Levels == nil {
		s.Levels = append([]grid.Level(nil), e.ladder.Levels...)
	}
	if e.ledger == nil {
		return
	}
	s.Balance = e.ledger.Balance()
	s.Equity = e.ledger.Equity(e.last.Price)
	s.Stats = e.ledger.Stats()
	s.Armed = len(e.ledger.Armed())
	s.Working = len(e.ledger.Working())

	if last, ok := e.curve.Last(); ok {
		n := len(e.published)
		if n > 0 && e.published[n-1].Timestamp.Equal(last.Timestamp) {
			e.published[n-1] = last
		} else {
			e.published = append(e.published, last)
		}
	}
}

// Status snapshot of the engine state
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	s := e.status
	s.Levels = append([]grid.Level(nil), e.status.Levels...)
	return s
}

// EquityCurve copy of the equity snapshots published so far
func (e *Engine) EquityCurve() []ledger.EquitySnapshot {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return append([]ledger.EquitySnapshot(nil), e.published...)
}

func (e *Engine) result() *Result {
	r := &Result{
		RunID:         e.runID,
		State:         e.state,
		Risk:          e.risk,
		Reason:        e.reason,
		Ladder:        e.ladder,
		Snapshots:     e.curve.Points(),
		InitialEquity: e.initialEquity,
	}
	if e.ledger != nil {
		r.Orders = e.ledger.Orders()
		r.Fills = e.ledger.Fills()
		r.Initial = e.ledger.Initial()
		r.Balance = e.ledger.Balance()
		r.Stats = e.ledger.Stats()
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
