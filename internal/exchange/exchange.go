package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
)

// MarketData supplies the inputs of an execution pass. Both calls are made
// fresh for every pass.
type MarketData interface {
	SymbolNorms(ctx context.Context, symbol string) (core.SymbolNorms, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OrderExecutor places market orders and reports their fills.
type OrderExecutor interface {
	PlaceMarketOrder(ctx context.Context, order core.MarketOrder) (core.OrderFill, error)
}
