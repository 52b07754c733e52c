// Package grid builds the price ladder of a grid run and decides which
// levels a price event crosses and how a fill re-arms the ladder.
package grid

import (
	"sort"

	"gridbot/config"
	"gridbot/trader/types"

	"github.com/shopspring/decimal"
)

// Intent is the role a level plays in the ladder
type Intent string

const (
	IntentBuy    Intent = "buy-anchor"
	IntentSell   Intent = "sell-anchor"
	IntentPaired Intent = "paired"
)

// Level one rung of the ladder, immutable for the whole run
type Level struct {
	Index    int             `json:"index"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Intent   Intent          `json:"intent"`
	// InitialSide is the side armed at start, empty when the level starts idle
	InitialSide types.Side `json:"initial_side,omitempty"`
}

// Params inputs of the calculator
type Params struct {
	Top               decimal.Decimal
	Bottom            decimal.Decimal
	Count             int
	Spacing           config.SpacingMode
	Strategy          config.StrategyMode
	Sizing            config.OrderSizing
	PricePrecision    int32
	QuantityPrecision int32
	CrossingOrder     config.CrossingOrder
	// Investment is the quote value spread evenly over the levels
	Investment decimal.Decimal
}

// ParamsFromConfig extracts calculator params from a run configuration
func ParamsFromConfig(cfg *config.RunConfig, investment decimal.Decimal) Params {
	g := cfg.Grid
	return Params{
		Top:               g.Top,
		Bottom:            g.Bottom,
		Count:             g.Count,
		Spacing:           g.Spacing,
		Strategy:          g.Strategy,
		Sizing:            g.Sizing,
		PricePrecision:    g.PricePrecision,
		QuantityPrecision: g.QuantityPrecision,
		CrossingOrder:     g.CrossingOrder,
		Investment:        investment,
	}
}

// ResolveRange fills top/bottom for range modes that derive them from price
func ResolveRange(p Params, mode config.RangeMode, price decimal.Decimal) Params {
	if mode != config.RangeCryptoZero {
		return p
	}
	bottom := price.DivRound(decimal.NewFromInt(5), p.PricePrecision)
	p.Bottom = bottom
	p.Top = price.Mul(decimal.NewFromInt(2)).Sub(bottom).Round(p.PricePrecision)
	return p
}

// Ladder the ordered levels of a run, ascending by price
type Ladder struct {
	Levels        []Level              `json:"levels"`
	Strategy      config.StrategyMode  `json:"strategy"`
	CrossingOrder config.CrossingOrder `json:"crossing_order"`
	Reference     decimal.Decimal      `json:"reference"`
}

// Arm a request to arm an order at a level
type Arm struct {
	Level    int
	Side     types.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Candidate an armed order the engine may submit
type Candidate struct {
	OrderID string
	Level   int
	Side    types.Side
	Price   decimal.Decimal
}

// Calculate builds the ladder for the current price
func Calculate(p Params, current decimal.Decimal) (*Ladder, error) {
	prices, err := Prices(p)
	if err != nil {
		return nil, err
	}
	if current.LessThan(p.Bottom) || current.GreaterThan(p.Top) {
		return nil, config.Errorf("grid", "current price %s is outside [%s, %s]", current, p.Bottom, p.Top)
	}

	slot := p.Investment.DivRound(decimal.NewFromInt(int64(p.Count)), 16)
	levels := make([]Level, len(prices))
	for i, price := range prices {
		qty := quantityFor(p, slot, price, current)
		if !qty.IsPositive() {
			return nil, config.Errorf("grid.order_sizing", "investment %s too small for %d levels", p.Investment, p.Count)
		}
		levels[i] = Level{
			Index:       i,
			Price:       price,
			Quantity:    qty,
			Intent:      intentFor(p.Strategy, price, current),
			InitialSide: initialSide(p.Strategy, price, current),
		}
	}

	return &Ladder{
		Levels:        levels,
		Strategy:      p.Strategy,
		CrossingOrder: p.CrossingOrder,
		Reference:     current,
	}, nil
}

// Prices generates the N level prices, ascending
func Prices(p Params) ([]decimal.Decimal, error) {
	if p.Count < 2 {
		return nil, config.Errorf("grid.count", "need at least 2 levels, got %d", p.Count)
	}
	if !p.Bottom.IsPositive() {
		return nil, config.Errorf("grid.bottom", "bottom must be positive, got %s", p.Bottom)
	}
	if p.Top.LessThanOrEqual(p.Bottom) {
		return nil, config.Errorf("grid.top", "top %s must be above bottom %s", p.Top, p.Bottom)
	}

	switch p.Spacing {
	case config.SpacingGeometric:
		return geometric(p), nil
	case config.SpacingArithmetic, "":
		return arithmetic(p), nil
	default:
		return nil, config.Errorf("grid.spacing", "unknown spacing %q", p.Spacing)
	}
}

func arithmetic(p Params) []decimal.Decimal {
	steps := decimal.NewFromInt(int64(p.Count - 1))
	step := p.Top.Sub(p.Bottom).DivRound(steps, p.PricePrecision)
	out := make([]decimal.Decimal, p.Count)
	for i := range out {
		out[i] = p.Bottom.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	out[p.Count-1] = p.Top.Round(p.PricePrecision)
	return out
}

func geometric(p Params) []decimal.Decimal {
	ratio := nthRoot(p.Top.DivRound(p.Bottom, workPrecision), int64(p.Count-1))
	out := make([]decimal.Decimal, p.Count)
	factor := decimal.NewFromInt(1)
	for i := range out {
		out[i] = p.Bottom.Mul(factor).Round(p.PricePrecision)
		factor = factor.Mul(ratio).Round(workPrecision)
	}
	out[p.Count-1] = p.Top.Round(p.PricePrecision)
	return out
}

func quantityFor(p Params, slot, price, current decimal.Decimal) decimal.Decimal {
	ref := price
	if p.Sizing == config.SizingEqualCrypto {
		ref = current
	}
	return slot.DivRound(ref, p.QuantityPrecision+8).Truncate(p.QuantityPrecision)
}

func intentFor(mode config.StrategyMode, price, current decimal.Decimal) Intent {
	if mode == config.StrategyHedged {
		return IntentPaired
	}
	if price.LessThanOrEqual(current) {
		return IntentBuy
	}
	return IntentSell
}

func initialSide(mode config.StrategyMode, price, current decimal.Decimal) types.Side {
	switch {
	case price.LessThan(current):
		return types.SideBuy
	case price.GreaterThan(current):
		return types.SideSell
	case mode == config.StrategySimple:
		return types.SideBuy
	default:
		return ""
	}
}

// Len number of levels
func (l *Ladder) Len() int {
	return len(l.Levels)
}

// Level returns the level at index i
func (l *Ladder) Level(i int) (Level, bool) {
	if i < 0 || i >= len(l.Levels) {
		return Level{}, false
	}
	return l.Levels[i], true
}

// Bottom lowest level price
func (l *Ladder) Bottom() decimal.Decimal {
	return l.Levels[0].Price
}

// Top highest level price
func (l *Ladder) Top() decimal.Decimal {
	return l.Levels[len(l.Levels)-1].Price
}

// InitialArms the orders to arm when the run starts, ascending by price
func (l *Ladder) InitialArms() []Arm {
	var arms []Arm
	for _, lv := range l.Levels {
		if lv.InitialSide == "" {
			continue
		}
		arms = append(arms, Arm{Level: lv.Index, Side: lv.InitialSide, Price: lv.Price, Quantity: lv.Quantity})
	}
	return arms
}

// BaseRequired base quantity the initial sell anchors need
func (l *Ladder) BaseRequired() decimal.Decimal {
	total := decimal.Zero
	for _, lv := range l.Levels {
		if lv.InitialSide == types.SideSell {
			total = total.Add(lv.Quantity)
		}
	}
	return total
}

// Rearm decides what a fill at level arms next. Simple grids re-arm the same
// level on the opposite side, hedged grids arm the adjacent paired level with
// the filled quantity.
func (l *Ladder) Rearm(level int, filled types.Side, filledQty decimal.Decimal) (Arm, bool) {
	lv, ok := l.Level(level)
	if !ok {
		return Arm{}, false
	}
	side := filled.Opposite()

	if l.Strategy != config.StrategyHedged {
		return Arm{Level: lv.Index, Side: side, Price: lv.Price, Quantity: lv.Quantity}, true
	}

	pair := level + 1
	if filled == types.SideSell {
		pair = level - 1
	}
	target, ok := l.Level(pair)
	if !ok {
		return Arm{}, false
	}
	qty := filledQty
	if !qty.IsPositive() {
		qty = target.Quantity
	}
	return Arm{Level: target.Index, Side: side, Price: target.Price, Quantity: qty}, true
}

// Crosses reports whether a price event starting at prev reaches an order
// resting at price on side. Buys need price coming from above, sells from below.
func Crosses(side types.Side, price, prev decimal.Decimal, ev types.PriceEvent) bool {
	if side == types.SideBuy {
		return prev.GreaterThan(price) && ev.Low.LessThanOrEqual(price)
	}
	return prev.LessThan(price) && ev.High.GreaterThanOrEqual(price)
}

// Crossed filters candidates crossed by ev and sorts them in processing order
func (l *Ladder) Crossed(prev decimal.Decimal, ev types.PriceEvent, cands []Candidate) []Candidate {
	ev = ev.Normalize()
	var hit []Candidate
	for _, c := range cands {
		if Crosses(c.Side, c.Price, prev, ev) {
			hit = append(hit, c)
		}
	}
	l.sortCandidates(prev, hit)
	return hit
}

func (l *Ladder) sortCandidates(prev decimal.Decimal, cands []Candidate) {
	sideRank := func(s types.Side) int {
		switch {
		case l.CrossingOrder == config.CrossSellsFirst && s == types.SideSell:
			return 0
		case l.CrossingOrder == config.CrossSellsFirst:
			return 1
		case s == types.SideBuy:
			return 0
		default:
			return 1
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if l.CrossingOrder != config.CrossNearestFirst && a.Side != b.Side {
			return sideRank(a.Side) < sideRank(b.Side)
		}
		da, db := a.Price.Sub(prev).Abs(), b.Price.Sub(prev).Abs()
		if !da.Equal(db) {
			return da.LessThan(db)
		}
		if a.Side != b.Side {
			return sideRank(a.Side) < sideRank(b.Side)
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.OrderID < b.OrderID
	})
}
