package core

import "github.com/shopspring/decimal"

// Evaluation summarises a list of trades. Deltas are net of commission:
// buys pay commission in base, sells in quote.
type Evaluation struct {
	Trades     int             `json:"trades"`
	Buys       int             `json:"buys"`
	Sells      int             `json:"sells"`
	BuyVolume  decimal.Decimal `json:"buy_volume"`
	SellVolume decimal.Decimal `json:"sell_volume"`
	BaseDelta  decimal.Decimal `json:"base_delta"`
	QuoteDelta decimal.Decimal `json:"quote_delta"`
	Commission decimal.Decimal `json:"commission"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Profit     decimal.Decimal `json:"profit"`
}

func Evaluate(trades []Trade) Evaluation {
	ev := Evaluation{
		BuyVolume:  decimal.Zero,
		SellVolume: decimal.Zero,
		BaseDelta:  decimal.Zero,
		QuoteDelta: decimal.Zero,
		Commission: decimal.Zero,
		LastPrice:  decimal.Zero,
	}
	for _, t := range trades {
		notional := t.Price.Mul(t.BaseQuantity)
		switch t.Side {
		case Buy:
			ev.Buys++
			ev.BuyVolume = ev.BuyVolume.Add(t.BaseQuantity)
			ev.QuoteDelta = ev.QuoteDelta.Sub(notional)
			ev.BaseDelta = ev.BaseDelta.Add(t.BaseQuantity)
			if t.Price.Sign() > 0 {
				ev.BaseDelta = ev.BaseDelta.Sub(t.QuoteQuantityCommission.Div(t.Price))
			}
		case Sell:
			ev.Sells++
			ev.SellVolume = ev.SellVolume.Add(t.BaseQuantity)
			ev.QuoteDelta = ev.QuoteDelta.Add(notional).Sub(t.QuoteQuantityCommission)
			ev.BaseDelta = ev.BaseDelta.Sub(t.BaseQuantity)
		default:
			continue
		}
		ev.Trades++
		ev.Commission = ev.Commission.Add(t.QuoteQuantityCommission)
		ev.LastPrice = t.Price
	}
	ev.Profit = ev.ValueAt(ev.LastPrice)
	return ev
}

// ValueAt marks the base delta at price and adds it to the quote delta.
func (e Evaluation) ValueAt(price decimal.Decimal) decimal.Decimal {
	return e.QuoteDelta.Add(e.BaseDelta.Mul(price))
}
