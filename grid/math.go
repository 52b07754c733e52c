package grid

import (
	"math"

	"github.com/shopspring/decimal"
)

// digits kept while computing the geometric ratio
const workPrecision int32 = 24

// nthRoot solves x^n = a with Newton iterations in decimal arithmetic,
// seeded from the float estimate
func nthRoot(a decimal.Decimal, n int64) decimal.Decimal {
	if n <= 1 {
		return a
	}
	f, _ := a.Float64()
	x := decimal.NewFromFloat(math.Pow(f, 1/float64(n)))
	if !x.IsPositive() {
		x = decimal.NewFromInt(1)
	}

	nd := decimal.NewFromInt(n)
	n1 := decimal.NewFromInt(n - 1)
	eps := decimal.New(1, -(workPrecision - 2))

	for i := 0; i < 100; i++ {
		xp := powRound(x, n-1)
		next := n1.Mul(x).Add(a.DivRound(xp, workPrecision)).DivRound(nd, workPrecision)
		if next.Sub(x).Abs().LessThan(eps) {
			return next
		}
		x = next
	}
	return x
}

// powRound raises x to k by squaring, rounding every step to workPrecision
func powRound(x decimal.Decimal, k int64) decimal.Decimal {
	result := decimal.NewFromInt(1)
	base := x
	for k > 0 {
		if k&1 == 1 {
			result = result.Mul(base).Round(workPrecision)
		}
		base = base.Mul(base).Round(workPrecision)
		k >>= 1
	}
	return result
}
