// Package filter applies exchange symbol filters to order quantities.
//
// Correct turns a raw quantity into one that satisfies step sizes and asset
// precision. Validate checks the bounds that correction cannot fix and
// returns an error wrapping one of the Err* kinds.
package filter

import (
	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
)

// Kind selects whether a quantity is denominated in base or quote.
type Kind int

const (
	Base Kind = iota
	Quote
)

func (k Kind) String() string {
	if k == Quote {
		return "quote"
	}
	return "base"
}

func Validate(norms core.SymbolNorms, price, quantity decimal.Decimal, kind Kind) error {
	if kind == Quote {
		return validateQuote(norms, quantity)
	}
	return validateBase(norms, price, quantity)
}

func Correct(norms core.SymbolNorms, price, quantity decimal.Decimal, kind Kind) decimal.Decimal {
	if kind == Quote {
		return TruncatePrecision(quantity, norms.QuoteAssetPrecision)
	}
	corrected := quantity
	for _, f := range norms.Filters {
		switch f := f.(type) {
		case core.LotSize:
			corrected = alignStep(corrected, f.StepSize)
		case core.MarketLotSize:
			corrected = alignStep(corrected, f.StepSize)
		}
	}
	return TruncatePrecision(corrected, norms.BaseAssetPrecision)
}

func validateBase(norms core.SymbolNorms, price, quantity decimal.Decimal) error {
	for _, f := range norms.Filters {
		var err error
		switch f := f.(type) {
		case core.LotSize:
			err = checkLotSize(quantity, f)
		case core.MarketLotSize:
			err = checkMarketLotSize(quantity, f)
		case core.Notional:
			err = checkBaseNotional(price, quantity, f)
		}
		if err != nil {
			return err
		}
	}
	return checkPrecision(quantity, norms.BaseAssetPrecision)
}

func validateQuote(norms core.SymbolNorms, quantity decimal.Decimal) error {
	if err := checkPrecision(quantity, norms.QuoteAssetPrecision); err != nil {
		return err
	}
	for _, f := range norms.Filters {
		var err error
		switch f := f.(type) {
		case core.Notional:
			err = checkQuoteNotional(quantity, f)
		case core.MinNotional:
			err = checkMinNotional(quantity, f)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func checkLotSize(q decimal.Decimal, f core.LotSize) error {
	if q.Cmp(f.MaxQty) > 0 {
		return violation(ErrLotSize, "base quantity %s exceeds the maximum quantity %s", q, f.MaxQty)
	}
	if q.Cmp(f.MinQty) < 0 {
		return violation(ErrLotSize, "base quantity %s does not reach the minimum quantity %s", q, f.MinQty)
	}
	if !f.StepSize.IsZero() && !stepRemainder(q, f.StepSize).IsZero() {
		return violation(ErrLotSize, "the quantity %s is not a multiple of the required step size %s.", q, f.StepSize)
	}
	return nil
}

func checkMarketLotSize(q decimal.Decimal, f core.MarketLotSize) error {
	if q.Cmp(f.MaxQty) > 0 {
		return violation(ErrMarketLotSize, "base quantity %s exceeds the maximum market quantity %s", q, f.MaxQty)
	}
	if q.Cmp(f.MinQty) < 0 {
		return violation(ErrMarketLotSize, "base quantity %s does not reach the minimum market quantity %s", q, f.MinQty)
	}
	return nil
}

func checkBaseNotional(price, q decimal.Decimal, f core.Notional) error {
	notional := price.Mul(q)
	if f.ApplyMaxToMarket && notional.Cmp(f.MaxNotional) > 0 {
		return violation(ErrNotional, "the notional value of %s exceeds the maximum allowed notional value of %s for the market", notional, f.MaxNotional)
	}
	if f.ApplyMinToMarket && notional.Cmp(f.MinNotional) < 0 {
		return violation(ErrNotional, "the notional value of %s * %s = %s does not meet the minimum required notional value of %s for the market", price, q, notional, f.MinNotional)
	}
	return nil
}

// quote quantities are already notional, no price multiplication
func checkQuoteNotional(q decimal.Decimal, f core.Notional) error {
	if f.ApplyMaxToMarket && q.Cmp(f.MaxNotional) > 0 {
		return violation(ErrNotional, "the notional value of %s exceeds the maximum allowed notional value of %s for the market", q, f.MaxNotional)
	}
	if f.ApplyMinToMarket && q.Cmp(f.MinNotional) < 0 {
		return violation(ErrNotional, "the notional value of %s does not meet the minimum required notional value of %s for the market", q, f.MinNotional)
	}
	return nil
}

func checkMinNotional(q decimal.Decimal, f core.MinNotional) error {
	if f.ApplyToMarket && q.Cmp(f.MinNotional) < 0 {
		return violation(ErrMinNotional, "the notional value of %s does not meet the minimum required notional value of %s for the market", q, f.MinNotional)
	}
	return nil
}

func checkPrecision(q decimal.Decimal, precision uint32) error {
	scale := Scale(q)
	if scale > precision {
		return violation(ErrPrecision, "the quantity %s exceeds the maximum allowed precision of %d. Current precision is %d.", q, precision, scale)
	}
	return nil
}

func alignStep(q, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return q
	}
	return q.Sub(stepRemainder(q, step))
}

// stepRemainder is exact. Mod goes through Div, which rounds at 16 digits
// and can turn the remainder negative.
func stepRemainder(q, step decimal.Decimal) decimal.Decimal {
	_, rem := q.QuoRem(step, 0)
	return rem
}

// Scale is the number of fractional digits of d, trailing zeros included.
func Scale(d decimal.Decimal) uint32 {
	if exp := d.Exponent(); exp < 0 {
		return uint32(-exp)
	}
	return 0
}

// TruncatePrecision drops fractional digits beyond precision, toward zero.
func TruncatePrecision(d decimal.Decimal, precision uint32) decimal.Decimal {
	return d.Truncate(int32(precision))
}
