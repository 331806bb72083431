// Package grid lays positions out over a price band.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
)

type Mode string

const (
	ModeGeometric  Mode = "geometric"
	ModeArithmetic Mode = "arithmetic"
)

// quoteScale bounds the quote split per position; the remainder stays
// unallocated rather than rounding a position up.
const quoteScale = 8

type Spec struct {
	Low           decimal.Decimal `json:"low"`
	High          decimal.Decimal `json:"high"`
	Levels        int             `json:"levels"`
	Mode          Mode            `json:"mode"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity"`
	// Tick rounds every price down to a multiple of it. Zero keeps raw prices.
	Tick decimal.Decimal `json:"tick"`
}

type Grid struct {
	Prices []decimal.Decimal
}

func Build(spec Spec) (Grid, error) {
	if spec.Levels < 1 {
		return Grid{}, errors.New("levels must be >= 1")
	}
	if spec.Low.Sign() <= 0 || spec.High.Cmp(spec.Low) <= 0 {
		return Grid{}, errors.New("invalid price range: need 0 < low < high")
	}
	mode := Mode(strings.ToLower(strings.TrimSpace(string(spec.Mode))))
	prices := make([]decimal.Decimal, spec.Levels+1)
	switch mode {
	case "", ModeGeometric:
		ratio := math.Pow(spec.High.Div(spec.Low).InexactFloat64(), 1/float64(spec.Levels))
		for i := 0; i < spec.Levels; i++ {
			prices[i] = spec.Low.Mul(decimal.NewFromFloat(math.Pow(ratio, float64(i))))
		}
	case ModeArithmetic:
		step := spec.High.Sub(spec.Low).Div(decimal.NewFromInt(int64(spec.Levels)))
		for i := 0; i < spec.Levels; i++ {
			prices[i] = spec.Low.Add(step.Mul(decimal.NewFromInt(int64(i))))
		}
	default:
		return Grid{}, fmt.Errorf("unknown grid mode %q", spec.Mode)
	}
	// the top level is pinned so float drift never moves the band edge
	prices[spec.Levels] = spec.High
	g := Grid{Prices: prices}
	if spec.Tick.Sign() > 0 {
		return Normalize(g, spec.Tick)
	}
	return g, nil
}

// Positions splits QuoteQuantity evenly over the grid. Position i buys in
// (p[i], p[i+1]) and sells in (p[i+2], p[i+3]), so every sell band sits one
// full level above its buy band.
func Positions(spec Spec) ([]core.Position, error) {
	if spec.QuoteQuantity.Sign() <= 0 {
		return nil, errors.New("quote_quantity must be > 0")
	}
	g, err := Build(spec)
	if err != nil {
		return nil, err
	}
	n := len(g.Prices) - 3
	if n < 1 {
		return nil, errors.New("grid needs at least 3 levels")
	}
	quote, _ := spec.QuoteQuantity.QuoRem(decimal.NewFromInt(int64(n)), quoteScale)
	positions := make([]core.Position, 0, n)
	for i := 0; i < n; i++ {
		positions = append(positions, core.Position{
			BuyingPrices:  core.Ranges{core.NewRange(g.Prices[i], g.Prices[i+1])},
			SellingPrices: core.Ranges{core.NewRange(g.Prices[i+2], g.Prices[i+3])},
			BaseQuantity:  decimal.Zero,
			QuoteQuantity: quote,
		})
	}
	return positions, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	quo, rem := value.QuoRem(step, 0)
	if rem.Sign() < 0 {
		quo = quo.Sub(decimal.NewFromInt(1))
	}
	return quo.Mul(step)
}

// Normalize rounds prices down to tick and drops levels that collapse.
func Normalize(g Grid, tick decimal.Decimal) (Grid, error) {
	if tick.Sign() <= 0 {
		return g, nil
	}
	out := make([]decimal.Decimal, 0, len(g.Prices))
	for _, p := range g.Prices {
		rp := RoundDown(p, tick)
		if len(out) == 0 || !rp.Equal(out[len(out)-1]) {
			out = append(out, rp)
		}
	}
	if len(out) < 2 {
		return Grid{}, errors.New("grid collapsed after tick normalization")
	}
	return Grid{Prices: out}, nil
}
