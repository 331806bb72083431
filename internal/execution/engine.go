package execution

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/alert"
	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/exchange"
	"github.com/uoaths/harmony/internal/filter"
)

// Engine executes positions with a Trader. It holds no state between
// passes; balances live in the positions handed in and out.
type Engine struct {
	Trader Trader
	Logger *zap.Logger
	Alerts alert.Alerter
}

func NewEngine(trader Trader, logger *zap.Logger, alerts alert.Alerter) *Engine {
	return &Engine{Trader: trader, Logger: logger, Alerts: alerts}
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// PassInputs fetches fresh norms and price for one pass.
func PassInputs(ctx context.Context, md exchange.MarketData, symbol string) (core.SymbolNorms, decimal.Decimal, error) {
	norms, err := md.SymbolNorms(ctx, symbol)
	if err != nil {
		return core.SymbolNorms{}, decimal.Zero, err
	}
	price, err := md.TickerPrice(ctx, symbol)
	if err != nil {
		return core.SymbolNorms{}, decimal.Zero, err
	}
	return norms, price, nil
}

// Execute runs one pass over positions at price. Each position may sell and
// then buy; the buy sees the quote balance left by the sell. A leg that
// fails filtering or placement is skipped and leaves the position as it
// was. The input slice is not modified.
func (e *Engine) Execute(ctx context.Context, symbol string, price decimal.Decimal, norms core.SymbolNorms, positions []core.Position) ([]core.Position, []core.Order) {
	out := make([]core.Position, len(positions))
	copy(out, positions)
	var orders []core.Order
	for i := range out {
		if ctx.Err() != nil {
			e.logger().Warn("execution pass cancelled",
				zap.String("event", "pass_cancelled"),
				zap.String("symbol", symbol),
				zap.Int("remaining", len(out)-i),
			)
			break
		}
		p := &out[i]
		if p.SellingPrices.Contains(price) {
			if order, ok := e.sellLeg(ctx, symbol, price, norms, i, p); ok {
				orders = append(orders, order)
			}
		}
		if p.BuyingPrices.Contains(price) {
			if order, ok := e.buyLeg(ctx, symbol, price, norms, i, p); ok {
				orders = append(orders, order)
			}
		}
	}
	return out, orders
}

func (e *Engine) sellLeg(ctx context.Context, symbol string, price decimal.Decimal, norms core.SymbolNorms, idx int, p *core.Position) (core.Order, bool) {
	order, income, qty, err := e.sell(ctx, symbol, price, norms, p.BaseQuantity)
	if err != nil {
		e.skipped(symbol, core.Sell, price, p.BaseQuantity, idx, err)
		return core.Order{}, false
	}
	p.QuoteQuantity = p.QuoteQuantity.Add(income)
	p.BaseQuantity = p.BaseQuantity.Sub(qty)
	return order, true
}

func (e *Engine) buyLeg(ctx context.Context, symbol string, price decimal.Decimal, norms core.SymbolNorms, idx int, p *core.Position) (core.Order, bool) {
	order, income, qty, err := e.buy(ctx, symbol, price, norms, p.QuoteQuantity)
	if err != nil {
		e.skipped(symbol, core.Buy, price, p.QuoteQuantity, idx, err)
		return core.Order{}, false
	}
	p.QuoteQuantity = p.QuoteQuantity.Sub(qty)
	p.BaseQuantity = p.BaseQuantity.Add(income)
	return order, true
}

// sell returns the order, the quote received and the base spent.
func (e *Engine) sell(ctx context.Context, symbol string, price decimal.Decimal, norms core.SymbolNorms, base decimal.Decimal) (core.Order, decimal.Decimal, decimal.Decimal, error) {
	qty := filter.Correct(norms, price, base, filter.Base)
	if err := filter.Validate(norms, price, qty, filter.Base); err != nil {
		return core.Order{}, decimal.Zero, decimal.Zero, err
	}
	fill, err := e.Trader.Sell(ctx, price, qty)
	if err != nil {
		return core.Order{}, decimal.Zero, decimal.Zero, err
	}
	trades, income := AggregateSell(fill)
	e.executed(symbol, core.Sell, price, qty, income, fill)
	return orderOf(symbol, core.Sell, fill, trades), income, qty, nil
}

// buy returns the order, the base received and the quote spent.
func (e *Engine) buy(ctx context.Context, symbol string, price decimal.Decimal, norms core.SymbolNorms, quote decimal.Decimal) (core.Order, decimal.Decimal, decimal.Decimal, error) {
	qty := filter.Correct(norms, price, quote, filter.Quote)
	if err := filter.Validate(norms, price, qty, filter.Quote); err != nil {
		return core.Order{}, decimal.Zero, decimal.Zero, err
	}
	fill, err := e.Trader.Buy(ctx, price, qty)
	if err != nil {
		return core.Order{}, decimal.Zero, decimal.Zero, err
	}
	trades, income := AggregateBuy(fill)
	e.executed(symbol, core.Buy, price, qty, income, fill)
	return orderOf(symbol, core.Buy, fill, trades), income, qty, nil
}

func (e *Engine) executed(symbol string, side core.Side, price, qty, income decimal.Decimal, fill core.OrderFill) {
	e.logger().Info("leg executed",
		zap.String("event", "leg_executed"),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Stringer("price", price),
		zap.Stringer("qty", qty),
		zap.Stringer("income", income),
		zap.Int64("order_id", fill.OrderID),
		zap.Int("fills", len(fill.Fills)),
	)
}

func (e *Engine) skipped(symbol string, side core.Side, price, qty decimal.Decimal, idx int, err error) {
	e.logger().Info("leg skipped",
		zap.String("event", "leg_skipped"),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Stringer("price", price),
		zap.Stringer("qty", qty),
		zap.Int("position", idx),
		zap.Error(err),
	)
	// filter rejections are routine, only placement failures are paged
	if e.Alerts != nil && errors.Is(err, core.ErrExecution) {
		e.Alerts.Important("leg_failed", map[string]string{
			"symbol": symbol,
			"side":   string(side),
			"price":  price.String(),
			"qty":    qty.String(),
			"error":  err.Error(),
		})
	}
}

// Track replays prices in order, feeding each pass the positions left by
// the previous one.
func (e *Engine) Track(ctx context.Context, symbol string, norms core.SymbolNorms, prices []decimal.Decimal, positions []core.Position) ([]core.Position, []core.Order) {
	var orders []core.Order
	for _, price := range prices {
		if ctx.Err() != nil {
			break
		}
		var pass []core.Order
		positions, pass = e.Execute(ctx, symbol, price, norms, positions)
		orders = append(orders, pass...)
	}
	return positions, orders
}
