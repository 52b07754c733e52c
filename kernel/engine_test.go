package kernel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gridbot/config"
	"gridbot/grid"
	"gridbot/ledger"
	"gridbot/risk"
	"gridbot/trader/paper"
	"gridbot/trader/replay"
	"gridbot/trader/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() *config.RunConfig {
	cfg := &config.RunConfig{
		RunID:          "test-run",
		Mode:           config.ModeBacktest,
		Exchange:       config.ExchangeConfig{Pair: "SOL/USDT"},
		InitialBalance: d("1000"),
		Grid: config.GridConfig{
			Top:               d("236"),
			Bottom:            d("196"),
			Count:             5,
			PricePrecision:    2,
			QuantityPrecision: 4,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func path(prices ...string) []types.PriceEvent {
	out := make([]types.PriceEvent, len(prices))
	for i, p := range prices {
		out[i] = types.NewTick(start.Add(time.Duration(i)*time.Minute), d(p))
	}
	return out
}

func queue(events []types.PriceEvent) <-chan Event {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- PriceOf(ev)
	}
	close(ch)
	return ch
}

type memJournal struct {
	mu        sync.Mutex
	ladders   int
	orders    map[string]ledger.Order
	fills     []types.FillEvent
	snapshots int
	events    []string
}

func newMemJournal() *memJournal {
	return &memJournal{orders: make(map[string]ledger.Order)}
}

func (j *memJournal) SaveLadder(_ context.Context, _ string, _ []grid.Level) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ladders++
	return nil
}

func (j *memJournal) SaveOrder(_ context.Context, _ string, o ledger.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders[o.ID] = o
	return nil
}

func (j *memJournal) SaveFill(_ context.Context, _ string, f types.FillEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, f)
	return nil
}

func (j *memJournal) SaveSnapshot(context.Context, string, ledger.EquitySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots++
	return nil
}

func (j *memJournal) SaveEvent(_ context.Context, _ string, kind, message string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, kind+": "+message)
	return nil
}

type memNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *memNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

type countingRecorder struct {
	submitted int
	failures  []string
	fills     int
	degraded  int
	states    []string
}

func (r *countingRecorder) EventProcessed(time.Duration)        {}
func (r *countingRecorder) OrderSubmitted(string)               { r.submitted++ }
func (r *countingRecorder) SubmitFailed(reason string)          { r.failures = append(r.failures, reason) }
func (r *countingRecorder) FillApplied(string, decimal.Decimal) { r.fills++ }
func (r *countingRecorder) LevelDegraded()                      { r.degraded++ }
func (r *countingRecorder) Snapshot(ledger.EquitySnapshot)      {}
func (r *countingRecorder) StateChanged(state, _ string)        { r.states = append(r.states, state) }

// flakyPort fails the next n limit orders with a disconnect
type flakyPort struct {
	*replay.Port
	failLimits int
}

func (p *flakyPort) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	if req.Type == types.OrderTypeLimit && p.failLimits > 0 {
		p.failLimits--
		return types.OrderHandle{}, types.NewPortError("place", types.ErrDisconnected, "connection reset")
	}
	return p.Port.PlaceOrder(ctx, req)
}

func run(t *testing.T, cfg *config.RunConfig, port types.ExecutionPort, opts Options, events []types.PriceEvent) *Result {
	t.Helper()
	eng, err := New(cfg, port, opts)
	require.NoError(t, err)
	res, err := eng.Run(context.Background(), queue(events))
	require.NoError(t, err)
	return res
}

func gridFills(res *Result) []ledger.Order {
	byID := make(map[string]ledger.Order)
	for _, o := range res.Orders {
		byID[o.ID] = o
	}
	var out []ledger.Order
	for _, f := range res.Fills {
		if o := byID[f.OrderID]; o.Purpose == ledger.PurposeGrid {
			out = append(out, o)
		}
	}
	return out
}

func TestGridRoundTrip(t *testing.T) {
	cfg := testConfig()
	journal := newMemJournal()
	notifier := &memNotifier{}
	res := run(t, cfg, replay.FromConfig(cfg), Options{Journal: journal, Notifier: notifier},
		path("196", "206", "216", "226", "236", "226", "216", "206", "196"))

	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, risk.StateNormal, res.Risk)
	assert.Equal(t, "event source exhausted", res.Reason)

	fills := gridFills(res)
	require.Len(t, fills, 8)
	wantSides := []types.Side{"SELL", "SELL", "SELL", "SELL", "BUY", "BUY", "BUY", "BUY"}
	wantPrices := []string{"206", "216", "226", "236", "226", "216", "206", "196"}
	for i, o := range fills {
		assert.Equal(t, wantSides[i], o.Side, "fill %d", i)
		assert.True(t, d(wantPrices[i]).Equal(o.Price), "fill %d at %s", i, o.Price)
	}

	assert.True(t, d("3.802").Equal(res.Balance.Base), "base %s", res.Balance.Base)
	assert.True(t, d("288.704").Equal(res.Balance.Quote), "quote %s", res.Balance.Quote)
	assert.True(t, d("88.669").Equal(res.Stats.RealizedPnL), "realized %s", res.Stats.RealizedPnL)
	assert.Equal(t, 4, res.Stats.SellFills)
	assert.Equal(t, 5, res.Stats.BuyFills)
	assert.True(t, d("1000").Equal(res.InitialEquity))

	// every armed order is cancelled when the source ends
	for _, o := range res.Orders {
		assert.True(t, o.State.Terminal(), "order %s left %s", o.ID, o.State)
	}

	require.Len(t, res.Snapshots, 9)
	assert.True(t, d("1033.896").Equal(res.Snapshots[8].Equity), "final equity %s", res.Snapshots[8].Equity)

	assert.Equal(t, 1, journal.ladders)
	assert.Len(t, journal.fills, 9)
	assert.Equal(t, 9, journal.snapshots)
	assert.NotEmpty(t, notifier.msgs)
}

func TestHundredDollarRoundTripWithFees(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBalance = d("100")
	cfg.Exchange.FeeRate = d("0.001")
	res := run(t, cfg, replay.FromConfig(cfg), Options{},
		path("196", "206", "216", "226", "236", "226", "216", "206", "196"))

	var buys, sells int
	for _, o := range gridFills(res) {
		if o.Side == types.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	assert.Equal(t, 4, buys)
	assert.Equal(t, 4, sells)
	assert.True(t, res.Stats.RealizedPnL.IsPositive(), "realized %s", res.Stats.RealizedPnL)
	assert.True(t, res.Stats.FeesPaid.IsPositive(), "fees %s", res.Stats.FeesPaid)
}

func TestLiquidateOnFinish(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.LiquidateOnFinish = true
	res := run(t, cfg, replay.FromConfig(cfg), Options{},
		path("196", "206", "216", "226", "236", "226", "216", "206", "196"))

	assert.Equal(t, StateTerminated, res.State)
	assert.True(t, res.Balance.Base.IsZero(), "base %s", res.Balance.Base)
	assert.True(t, d("1033.896").Equal(res.Balance.Quote), "quote %s", res.Balance.Quote)

	var liquidations int
	for _, o := range res.Orders {
		if o.Purpose == ledger.PurposeLiquidation {
			liquidations++
			assert.Equal(t, ledger.StateFilled, o.State)
		}
	}
	assert.Equal(t, 1, liquidations)
}

func TestStopLossUnwinds(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.StopLoss = config.Threshold{Enabled: true, Kind: config.ThresholdPrice, Value: d("160")}
	notifier := &memNotifier{}
	res := run(t, cfg, replay.FromConfig(cfg), Options{Notifier: notifier},
		path("236", "226", "216", "206", "196", "150", "140"))

	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, risk.StateStopLossTriggered, res.Risk)
	assert.True(t, strings.HasPrefix(res.Reason, string(risk.StateStopLossTriggered)), res.Reason)

	fills := gridFills(res)
	require.Len(t, fills, 4)
	for _, o := range fills {
		assert.Equal(t, types.SideBuy, o.Side)
	}

	assert.True(t, res.Balance.Base.IsZero())
	assert.True(t, d("770.335").Equal(res.Balance.Quote), "quote %s", res.Balance.Quote)

	// the run stops at the trigger, later events are never consumed
	last := res.Snapshots[len(res.Snapshots)-1]
	assert.True(t, d("150").Equal(last.Price))

	found := false
	for _, m := range notifier.msgs {
		if strings.Contains(m, "unwinding") {
			found = true
		}
	}
	assert.True(t, found, "expected an unwinding notification, got %v", notifier.msgs)
}

func TestRiskOnFirstEventPlacesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Exchange.FeeRate = d("0.001")
	cfg.Risk.StopLoss = config.Threshold{Enabled: true, Kind: config.ThresholdPrice, Value: d("200")}
	port := replay.FromConfig(cfg)
	res := run(t, cfg, port, Options{}, path("199", "198"))

	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, risk.StateStopLossTriggered, res.Risk)
	assert.Empty(t, res.Orders)
	assert.Empty(t, res.Fills)
	assert.True(t, res.Stats.FeesPaid.IsZero(), "fees %s", res.Stats.FeesPaid)
	assert.True(t, d("1000").Equal(res.Balance.Quote), "quote %s", res.Balance.Quote)
	require.Len(t, res.Snapshots, 1)

	bal, err := port.CurrentBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Base.IsZero())
}

func TestHedgedKeepsOneOrderPerLevel(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Strategy = config.StrategyHedged
	res := run(t, cfg, replay.FromConfig(cfg), Options{}, path("211", "205", "217"))

	perLevel := make(map[int]int)
	for _, o := range res.Orders {
		if o.Purpose == ledger.PurposeGrid {
			perLevel[o.LevelIndex]++
		}
	}
	// the buy at 206 pairs with level 2, which still holds its sell anchor
	assert.Equal(t, 1, perLevel[2])

	fills := gridFills(res)
	require.Len(t, fills, 2)
	assert.Equal(t, types.SideBuy, fills[0].Side)
	assert.True(t, d("206").Equal(fills[0].Price))
	assert.Equal(t, types.SideSell, fills[1].Side)
	assert.True(t, d("216").Equal(fills[1].Price))
}

func TestRunIsDeterministic(t *testing.T) {
	events := path("196", "206", "216", "226", "236", "226", "216", "206", "196")
	runOnce := func() *Result {
		cfg := testConfig()
		cfg.RunID = "det"
		return run(t, cfg, replay.FromConfig(cfg), Options{}, events)
	}
	a, b := runOnce(), runOnce()

	require.Equal(t, len(a.Orders), len(b.Orders))
	for i := range a.Orders {
		assert.Equal(t, a.Orders[i].ID, b.Orders[i].ID)
		assert.Equal(t, a.Orders[i].State, b.Orders[i].State)
	}
	assert.Equal(t, a.Fills, b.Fills)
	assert.Equal(t, a.Snapshots, b.Snapshots)
}

func TestNoCrossingKeepsEquity(t *testing.T) {
	cfg := testConfig()
	res := run(t, cfg, replay.FromConfig(cfg), Options{}, path("216", "216", "216"))

	assert.Empty(t, gridFills(res))
	for _, s := range res.Snapshots {
		assert.True(t, d("1000").Equal(s.Equity), "equity %s", s.Equity)
	}
}

func TestSubmitRetriesWithBackoff(t *testing.T) {
	cfg := testConfig()
	port := &flakyPort{Port: replay.FromConfig(cfg), failLimits: 2}
	var sleeps []time.Duration
	rec := &countingRecorder{}
	opts := Options{
		Recorder: rec,
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	}
	res := run(t, cfg, port, opts, path("216", "226"))

	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, sleeps)
	assert.Equal(t, []string{"venue disconnected", "venue disconnected"}, rec.failures)
	fills := gridFills(res)
	require.Len(t, fills, 1)
	assert.True(t, d("226").Equal(fills[0].Price))
	assert.Equal(t, 0, rec.degraded)
}

func TestDegradedLevelRecoversAfterPriceReturns(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.SubmitRetries = 2
	port := &flakyPort{Port: replay.FromConfig(cfg), failLimits: 3}
	rec := &countingRecorder{}
	journal := newMemJournal()
	opts := Options{
		Recorder: rec,
		Journal:  journal,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}

	eng, err := New(cfg, port, opts)
	require.NoError(t, err)
	res, err := eng.Run(context.Background(), queue(path("216", "226", "236", "220", "226")))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.degraded)
	assert.Equal(t, 0, eng.Status().Degraded)

	fills := gridFills(res)
	require.Len(t, fills, 2)
	assert.True(t, d("236").Equal(fills[0].Price))
	assert.True(t, d("226").Equal(fills[1].Price))

	var degradedEvents int
	for _, ev := range journal.events {
		if strings.HasPrefix(ev, "degraded:") {
			degradedEvents++
		}
	}
	assert.Equal(t, 1, degradedEvents)
}

func TestCancellationUnwinds(t *testing.T) {
	cfg := testConfig()
	eng, err := New(cfg, replay.FromConfig(cfg), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event)
	done := make(chan struct{})
	var res *Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = eng.Run(ctx, events)
	}()

	for _, ev := range path("216", "226") {
		events <- PriceOf(ev)
	}
	require.Eventually(t, func() bool { return eng.Status().Events == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, eng.Status().State)
	assert.Equal(t, 1, eng.Status().Stats.SellFills)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}

	require.NoError(t, runErr)
	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, "run cancelled", res.Reason)
	assert.True(t, res.Balance.Base.IsZero(), "base %s", res.Balance.Base)
	assert.Equal(t, StateTerminated, eng.Status().State)
	assert.NotEmpty(t, eng.EquityCurve())
}

func paperConfig() *config.RunConfig {
	cfg := testConfig()
	cfg.Mode = config.ModePaper
	cfg.Exchange.FeeRate = d("0.001")
	cfg.Simulation.Latency = 50 * time.Millisecond
	cfg.Execution.UnwindPollInterval = 10 * time.Millisecond
	cfg.Execution.UnwindTimeout = 5 * time.Second
	return cfg
}

// runPaper feeds prices only; fills reach the engine by polling and by
// draining the port's stream
func runPaper(t *testing.T, cfg *config.RunConfig, events []types.PriceEvent) (*Result, *paper.Port) {
	t.Helper()
	port := paper.FromConfig(cfg)
	t.Cleanup(port.Close)
	res := run(t, cfg, port, Options{Fills: port.Fills()}, events)
	return res, port
}

func TestPaperPartialFillsSurviveStopLoss(t *testing.T) {
	cfg := paperConfig()
	cfg.Simulation.MaxFillQty = d("0.3")
	cfg.Simulation.Latency = 100 * time.Millisecond
	cfg.Risk.StopLoss = config.Threshold{Enabled: true, Kind: config.ThresholdPrice, Value: d("160")}
	res, port := runPaper(t, cfg, path("216", "205", "150"))

	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, risk.StateStopLossTriggered, res.Risk)

	venue, err := port.CurrentBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, venue.Base.IsZero(), "venue base %s", venue.Base)
	assert.True(t, venue.Base.Equal(res.Balance.Base), "ledger base %s, venue %s", res.Balance.Base, venue.Base)
	assert.True(t, venue.Quote.Equal(res.Balance.Quote), "ledger quote %s, venue %s", res.Balance.Quote, venue.Quote)

	// both partial fills of the cancelled buy at 206 were applied
	var partial decimal.Decimal
	for _, o := range res.Orders {
		if o.Purpose == ledger.PurposeGrid && o.Price.Equal(d("206")) {
			partial = partial.Add(o.FilledQty)
		}
	}
	assert.True(t, d("0.6").Equal(partial), "filled %s", partial)
}

func TestPaperMatchesReplay(t *testing.T) {
	events := path("216", "227")

	cfg := paperConfig()
	paperRes, _ := runPaper(t, cfg, events)

	rcfg := testConfig()
	rcfg.Exchange.FeeRate = d("0.001")
	replayRes := run(t, rcfg, replay.FromConfig(rcfg), Options{}, events)

	pf, rf := gridFills(paperRes), gridFills(replayRes)
	require.Len(t, rf, 1)
	require.Len(t, pf, 1, "the sell anchor at 226 needs the initial purchase")
	assert.True(t, rf[0].Price.Equal(pf[0].Price))
	assert.True(t, replayRes.Balance.Base.Equal(paperRes.Balance.Base), "paper base %s", paperRes.Balance.Base)
	assert.True(t, replayRes.Balance.Quote.Equal(paperRes.Balance.Quote), "paper quote %s", paperRes.Balance.Quote)
}

func TestFillEventsThroughTheQueue(t *testing.T) {
	cfg := testConfig()
	eng, err := New(cfg, replay.FromConfig(cfg), Options{})
	require.NoError(t, err)

	ch := make(chan Event, 4)
	ch <- FillOf(types.FillEvent{OrderID: "early", Seq: 1, Quantity: d("1"), Price: d("1")})
	ch <- PriceOf(types.NewTick(start, d("216")))
	ch <- FillOf(types.FillEvent{OrderID: "unknown", Seq: 1, Quantity: d("1"), Price: d("216"), Timestamp: start})
	ch <- PriceOf(types.NewTick(start.Add(time.Minute), d("216")))
	close(ch)

	res, err := eng.Run(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, res.State)
	assert.Len(t, res.Fills, 1, "only the initial purchase is applied")
}

func TestNoEvents(t *testing.T) {
	cfg := testConfig()
	res := run(t, cfg, replay.FromConfig(cfg), Options{}, nil)
	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, "no price events", res.Reason)
	assert.Empty(t, res.Orders)
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Count = 1
	_, err := New(cfg, replay.FromConfig(testConfig()), Options{})
	var cfgErr *config.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = New(testConfig(), nil, Options{})
	assert.Error(t, err)

	noID := testConfig()
	noID.RunID = ""
	eng, err := New(noID, replay.FromConfig(noID), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, eng.RunID())
	assert.Equal(t, StateInitializing, eng.Status().State)
}

func TestPriceOutsideGridFailsInitialization(t *testing.T) {
	cfg := testConfig()
	eng, err := New(cfg, replay.FromConfig(cfg), Options{})
	require.NoError(t, err)
	_, err = eng.Run(context.Background(), queue(path("300")))
	var cfgErr *config.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)
}

func TestMergeEvents(t *testing.T) {
	prices := make(chan types.PriceEvent, 2)
	fills := make(chan types.FillEvent, 2)
	prices <- types.NewTick(start, d("1"))
	prices <- types.NewTick(start.Add(time.Second), d("2"))
	close(prices)
	fills <- types.FillEvent{OrderID: "a", Seq: 1}

	var nPrices, nFills int
	for ev := range MergeEvents(context.Background(), prices, fills) {
		if ev.Price != nil {
			nPrices++
		}
		if ev.Fill != nil {
			nFills++
		}
	}
	assert.Equal(t, 2, nPrices)
	assert.Equal(t, 1, nFills)
}

func TestMergeEventsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := PricesOnly(ctx, make(chan types.PriceEvent))
	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("queue not closed after cancel")
	}
}

func TestMergeEventsKeepsFillTakenBeforeCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 257
	fills := make(chan types.FillEvent, n)
	for i := 0; i < n; i++ {
		fills <- types.FillEvent{OrderID: "a", Seq: int64(i + 1)}
	}
	out := MergeEvents(ctx, make(chan types.PriceEvent), fills)

	// the queue is full and the last fill is held by the merger
	require.Eventually(t, func() bool { return len(out) == cap(out) && len(fills) == 0 },
		2*time.Second, 5*time.Millisecond)
	cancel()

	var got int
	for ev := range out {
		if ev.Fill != nil {
			got++
		}
	}
	assert.Equal(t, n, got)
}
