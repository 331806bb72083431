// Package backtest fills orders analytically and replays price feeds
// through the execution engine.
package backtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/filter"
)

var DefaultCommission = decimal.RequireFromString("0.001")

var errNonPositive = errors.New("price and quantity must be positive")

// SimulatedExecutor fills every order in full at the reference price and
// charges a flat commission rate on the asset received. It applies the
// symbol filters the way the exchange would.
type SimulatedExecutor struct {
	mu         sync.Mutex
	norms      core.SymbolNorms
	commission decimal.Decimal
	orderSeq   int64
	tradeSeq   int64
	now        func() time.Time
	stats      Stats
}

type Stats struct {
	Orders          int             `json:"orders"`
	Buys            int             `json:"buys"`
	Sells           int             `json:"sells"`
	QuoteSpent      decimal.Decimal `json:"quote_spent"`
	QuoteReceived   decimal.Decimal `json:"quote_received"`
	BaseBought      decimal.Decimal `json:"base_bought"`
	BaseSold        decimal.Decimal `json:"base_sold"`
	CommissionBase  decimal.Decimal `json:"commission_base"`
	CommissionQuote decimal.Decimal `json:"commission_quote"`
}

func NewSimulatedExecutor(norms core.SymbolNorms, commission decimal.Decimal) *SimulatedExecutor {
	s := &SimulatedExecutor{
		norms:      norms,
		commission: DefaultCommission,
		now:        time.Now,
		stats: Stats{
			QuoteSpent:      decimal.Zero,
			QuoteReceived:   decimal.Zero,
			BaseBought:      decimal.Zero,
			BaseSold:        decimal.Zero,
			CommissionBase:  decimal.Zero,
			CommissionQuote: decimal.Zero,
		},
	}
	if err := s.SetCommission(commission); err != nil {
		s.commission = DefaultCommission
	}
	return s
}

// SetCommission sets the rate charged on every fill. Rates outside [0, 1)
// are rejected.
func (s *SimulatedExecutor) SetCommission(rate decimal.Decimal) error {
	if rate.Sign() < 0 || rate.Cmp(decimal.NewFromInt(1)) >= 0 {
		return errors.New("commission rate must be in [0, 1)")
	}
	s.mu.Lock()
	s.commission = rate
	s.mu.Unlock()
	return nil
}

func (s *SimulatedExecutor) Commission() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commission
}

func (s *SimulatedExecutor) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Advance pins the clock to t. Replays call it once per tick.
func (s *SimulatedExecutor) Advance(t time.Time) {
	s.SetClock(func() time.Time { return t })
}

func (s *SimulatedExecutor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *SimulatedExecutor) Buy(_ context.Context, price, quoteQty decimal.Decimal) (core.OrderFill, error) {
	qty := filter.Correct(s.norms, price, quoteQty, filter.Quote)
	if price.Sign() <= 0 || qty.Sign() <= 0 {
		return core.OrderFill{}, errNonPositive
	}
	if err := filter.Validate(s.norms, price, qty, filter.Quote); err != nil {
		return core.OrderFill{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	gross := s.baseFor(qty, price)
	commission := gross.Mul(s.commission)
	s.stats.Orders++
	s.stats.Buys++
	s.stats.QuoteSpent = s.stats.QuoteSpent.Add(qty)
	s.stats.BaseBought = s.stats.BaseBought.Add(gross.Sub(commission))
	s.stats.CommissionBase = s.stats.CommissionBase.Add(commission)
	return s.fillLocked(core.Buy, price, gross, qty, commission, s.norms.BaseAsset), nil
}

func (s *SimulatedExecutor) Sell(_ context.Context, price, baseQty decimal.Decimal) (core.OrderFill, error) {
	qty := filter.Correct(s.norms, price, baseQty, filter.Base)
	if price.Sign() <= 0 || qty.Sign() <= 0 {
		return core.OrderFill{}, errNonPositive
	}
	if err := filter.Validate(s.norms, price, qty, filter.Base); err != nil {
		return core.OrderFill{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	gross := qty.Mul(price)
	commission := gross.Mul(s.commission)
	s.stats.Orders++
	s.stats.Sells++
	s.stats.BaseSold = s.stats.BaseSold.Add(qty)
	s.stats.QuoteReceived = s.stats.QuoteReceived.Add(gross.Sub(commission))
	s.stats.CommissionQuote = s.stats.CommissionQuote.Add(commission)
	return s.fillLocked(core.Sell, price, qty, gross, commission, s.norms.QuoteAsset), nil
}

// baseFor is the base quote buys at price, truncated to base precision so a
// fill is never worth more than what was spent. Unset precision falls back
// to decimal's division scale, still truncated.
func (s *SimulatedExecutor) baseFor(quote, price decimal.Decimal) decimal.Decimal {
	scale := int32(s.norms.BaseAssetPrecision)
	if scale == 0 {
		scale = int32(decimal.DivisionPrecision)
	}
	base, _ := quote.QuoRem(price, scale)
	return base
}

func (s *SimulatedExecutor) fillLocked(side core.Side, price, baseQty, quoteQty, commission decimal.Decimal, asset string) core.OrderFill {
	s.orderSeq++
	s.tradeSeq++
	return core.OrderFill{
		OrderID:             s.orderSeq,
		Symbol:              s.norms.Symbol,
		Side:                side,
		Status:              "FILLED",
		TransactTime:        s.now().UnixMilli(),
		ExecutedQty:         baseQty,
		CummulativeQuoteQty: quoteQty,
		Fills: []core.Fill{{
			Price:           price,
			Qty:             baseQty,
			Commission:      commission,
			CommissionAsset: asset,
			TradeID:         s.tradeSeq,
		}},
	}
}
