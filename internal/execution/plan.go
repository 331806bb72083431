package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/uoaths/harmony/internal/core"
)

var ErrUnplannable = errors.New("position cannot be planned")

// Plan walks a position through its least profitable round trip: sell any
// held base at the lowest selling price, buy with all quote at the highest
// buying price, then sell what was bought. Any rejected leg aborts the plan.
func (e *Engine) Plan(ctx context.Context, symbol string, norms core.SymbolNorms, position core.Position) ([]core.Order, error) {
	buyPrice := position.MaxBuyingPrice()
	sellPrice, ok := position.MinSellingPrice()
	switch {
	case buyPrice.Sign() <= 0, !ok, sellPrice.Sign() <= 0:
		return nil, fmt.Errorf("%w: missing buying or selling prices", ErrUnplannable)
	case position.BaseQuantity.Sign() < 0, position.QuoteQuantity.Sign() < 0:
		return nil, fmt.Errorf("%w: negative balance", ErrUnplannable)
	}

	orders := make([]core.Order, 0, 3)
	quote := position.QuoteQuantity
	if position.BaseQuantity.Sign() > 0 {
		order, income, _, err := e.sell(ctx, symbol, sellPrice, norms, position.BaseQuantity)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		quote = quote.Add(income)
	}

	order, base, _, err := e.buy(ctx, symbol, buyPrice, norms, quote)
	if err != nil {
		return nil, err
	}
	orders = append(orders, order)

	order, _, _, err = e.sell(ctx, symbol, sellPrice, norms, base)
	if err != nil {
		return nil, err
	}
	return append(orders, order), nil
}
