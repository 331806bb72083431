package backtest

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/execution"
)

// Replay feeds every tick of Feed into one execution pass.
type Replay struct {
	Engine    *execution.Engine
	Feed      Feed
	Symbol    string
	Norms     core.SymbolNorms
	Positions []core.Position
}

type ReplayResult struct {
	Ticks            int              `json:"ticks"`
	Orders           []core.Order     `json:"orders"`
	Positions        []core.Position  `json:"positions"`
	Evaluation       core.Evaluation  `json:"evaluation"`
	StartPrice       decimal.Decimal  `json:"start_price"`
	EndPrice         decimal.Decimal  `json:"end_price"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
	StartEquityQuote decimal.Decimal  `json:"start_equity_quote"`
	EndEquityQuote   decimal.Decimal  `json:"end_equity_quote"`
	MaxDrawdownQuote decimal.Decimal  `json:"max_drawdown_quote"`
	MaxDrawdownPct   decimal.Decimal  `json:"max_drawdown_pct"`
	DailyEquity      []DailyEquity    `json:"daily_equity"`
}

type DailyEquity struct {
	Date        string          `json:"date"`
	EquityQuote decimal.Decimal `json:"equity_quote"`
	PnLQuote    decimal.Decimal `json:"pnl_quote"`
}

// clocked traders stamp fills with the tick time instead of the wall clock.
type clocked interface {
	Advance(t time.Time)
}

// clockOf finds a clocked trader through any wrappers that expose Unwrap.
func clockOf(t execution.Trader) (clocked, bool) {
	for t != nil {
		if c, ok := t.(clocked); ok {
			return c, true
		}
		w, ok := t.(interface{ Unwrap() execution.Trader })
		if !ok {
			return nil, false
		}
		t = w.Unwrap()
	}
	return nil, false
}

// Equity values all positions at price, in quote.
func Equity(positions []core.Position, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.QuoteQuantity).Add(p.BaseQuantity.Mul(price))
	}
	return total
}

func (r *Replay) Run(ctx context.Context) (ReplayResult, error) {
	if r.Engine == nil || r.Feed == nil {
		return ReplayResult{}, errors.New("replay needs an engine and a feed")
	}
	defer r.Feed.Close()

	result := ReplayResult{
		Positions:        append([]core.Position(nil), r.Positions...),
		MaxDrawdownQuote: decimal.Zero,
		MaxDrawdownPct:   decimal.Zero,
	}
	clock, hasClock := clockOf(r.Engine.Trader)
	highWatermark := decimal.Zero
	maxDrawdown := decimal.Zero
	dailyClose := make(map[string]decimal.Decimal)
	dayOrder := make([]string, 0)

	record := func(tick Tick) {
		equity := Equity(result.Positions, tick.Price)
		if equity.Cmp(highWatermark) > 0 {
			highWatermark = equity
		}
		if highWatermark.Sign() > 0 {
			drawdownQuote := highWatermark.Sub(equity)
			if drawdownQuote.Cmp(result.MaxDrawdownQuote) > 0 {
				result.MaxDrawdownQuote = drawdownQuote
			}
			if dd := drawdownQuote.Div(highWatermark); dd.Cmp(maxDrawdown) > 0 {
				maxDrawdown = dd
			}
		}
		day := tick.Time.UTC().Format("2006-01-02")
		if _, ok := dailyClose[day]; !ok {
			dayOrder = append(dayOrder, day)
		}
		dailyClose[day] = equity
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tick, err := r.Feed.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, err
		}
		if result.Ticks == 0 {
			result.StartPrice = tick.Price
			result.StartTime = tick.Time
			result.StartEquityQuote = Equity(result.Positions, tick.Price)
		}
		if hasClock {
			clock.Advance(tick.Time)
		}
		var orders []core.Order
		result.Positions, orders = r.Engine.Execute(ctx, r.Symbol, tick.Price, r.Norms, result.Positions)
		result.Orders = append(result.Orders, orders...)
		result.Ticks++
		result.EndPrice = tick.Price
		result.EndTime = tick.Time
		record(tick)
	}

	var trades []core.Trade
	for _, o := range result.Orders {
		trades = append(trades, o.Trades...)
	}
	result.Evaluation = core.Evaluate(trades)
	if result.Ticks > 0 {
		result.EndEquityQuote = Equity(result.Positions, result.EndPrice)
	}
	result.MaxDrawdownPct = maxDrawdown.Mul(decimal.NewFromInt(100))
	prevClose := result.StartEquityQuote
	for _, day := range dayOrder {
		closeEquity := dailyClose[day]
		result.DailyEquity = append(result.DailyEquity, DailyEquity{
			Date:        day,
			EquityQuote: closeEquity,
			PnLQuote:    closeEquity.Sub(prevClose),
		})
		prevClose = closeEquity
	}
	return result, nil
}
