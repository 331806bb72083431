package execution

import (
	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
)

// AggregateBuy turns the fills of a market buy into trades and returns the
// base received net of commission. Commission on a buy is charged in base,
// so each trade records it converted to quote.
func AggregateBuy(fill core.OrderFill) ([]core.Trade, decimal.Decimal) {
	trades := make([]core.Trade, 0, len(fill.Fills))
	qty := decimal.Zero
	commission := decimal.Zero
	for _, f := range fill.Fills {
		trades = append(trades, core.Trade{
			Side:                    core.Buy,
			Price:                   f.Price,
			BaseQuantity:            f.Qty,
			QuoteQuantityCommission: f.Price.Mul(f.Commission),
			Timestamp:               fill.TransactTime,
		})
		qty = qty.Add(f.Qty)
		commission = commission.Add(f.Commission)
	}
	return trades, qty.Sub(commission)
}

// AggregateSell turns the fills of a market sell into trades and returns
// the quote received net of commission.
func AggregateSell(fill core.OrderFill) ([]core.Trade, decimal.Decimal) {
	trades := make([]core.Trade, 0, len(fill.Fills))
	gross := decimal.Zero
	commission := decimal.Zero
	for _, f := range fill.Fills {
		trades = append(trades, core.Trade{
			Side:                    core.Sell,
			Price:                   f.Price,
			BaseQuantity:            f.Qty,
			QuoteQuantityCommission: f.Commission,
			Timestamp:               fill.TransactTime,
		})
		gross = gross.Add(f.Price.Mul(f.Qty))
		commission = commission.Add(f.Commission)
	}
	return trades, gross.Sub(commission)
}

func orderOf(symbol string, side core.Side, fill core.OrderFill, trades []core.Trade) core.Order {
	return core.Order{
		OrderID:   fill.OrderID,
		Symbol:    symbol,
		Side:      side,
		Timestamp: fill.TransactTime,
		Trades:    trades,
	}
}
