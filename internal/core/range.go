package core

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Range is an open price interval. Bounds may be given in either order.
type Range struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

func NewRange(a, b decimal.Decimal) Range {
	return Range{Low: a, High: b}
}

func (r Range) Min() decimal.Decimal {
	if r.Low.Cmp(r.High) <= 0 {
		return r.Low
	}
	return r.High
}

func (r Range) Max() decimal.Decimal {
	if r.Low.Cmp(r.High) >= 0 {
		return r.Low
	}
	return r.High
}

// Contains reports min < v < max. Boundaries are excluded.
func (r Range) Contains(v decimal.Decimal) bool {
	return r.Min().Cmp(v) < 0 && v.Cmp(r.Max()) < 0
}

func (r Range) String() string {
	return "(" + r.Low.String() + ", " + r.High.String() + ")"
}

func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]decimal.Decimal{r.Low, r.High})
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []decimal.Decimal
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("range must be a [low, high] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must have 2 bounds, got %d", len(pair))
	}
	r.Low, r.High = pair[0], pair[1]
	return nil
}

type Ranges []Range

// Contains is false for an empty list.
func (rs Ranges) Contains(v decimal.Decimal) bool {
	for _, r := range rs {
		if r.Contains(v) {
			return true
		}
	}
	return false
}
