// Package execution runs positions against the current price: it decides
// which legs fire, sizes them with the filter engine and folds the fills
// back into the position balances.
package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/exchange"
)

// Trader places one leg. Buy spends quoteQty, Sell spends baseQty. price is
// the reference price of the pass; live traders ignore it.
type Trader interface {
	Buy(ctx context.Context, price, quoteQty decimal.Decimal) (core.OrderFill, error)
	Sell(ctx context.Context, price, baseQty decimal.Decimal) (core.OrderFill, error)
}

// LiveExecutor trades one symbol through an exchange.
type LiveExecutor struct {
	Exchange exchange.OrderExecutor
	Symbol   string
}

func NewLiveExecutor(ex exchange.OrderExecutor, symbol string) *LiveExecutor {
	return &LiveExecutor{Exchange: ex, Symbol: symbol}
}

func (l *LiveExecutor) Buy(ctx context.Context, _ decimal.Decimal, quoteQty decimal.Decimal) (core.OrderFill, error) {
	return l.place(ctx, core.Buy, quoteQty)
}

func (l *LiveExecutor) Sell(ctx context.Context, _ decimal.Decimal, baseQty decimal.Decimal) (core.OrderFill, error) {
	return l.place(ctx, core.Sell, baseQty)
}

func (l *LiveExecutor) place(ctx context.Context, side core.Side, qty decimal.Decimal) (core.OrderFill, error) {
	fill, err := l.Exchange.PlaceMarketOrder(ctx, core.MarketOrder{
		Symbol:   l.Symbol,
		Side:     side,
		Quantity: qty,
	})
	if err != nil {
		return core.OrderFill{}, fmt.Errorf("%w: %s %s %s: %w", core.ErrExecution, side, qty, l.Symbol, err)
	}
	return fill, nil
}
