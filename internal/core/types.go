package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Position is a trading intent with its running balances. Balances are
// updated after every successful leg of an execution pass.
type Position struct {
	BuyingPrices  Ranges          `json:"buying_prices"`
	SellingPrices Ranges          `json:"selling_prices"`
	BaseQuantity  decimal.Decimal `json:"base_quantity"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity"`
}

// MaxBuyingPrice returns the highest upper bound across buying ranges, or
// zero when there are none.
func (p Position) MaxBuyingPrice() decimal.Decimal {
	highest := decimal.Zero
	for _, r := range p.BuyingPrices {
		if r.Max().Cmp(highest) > 0 {
			highest = r.Max()
		}
	}
	return highest
}

// MinSellingPrice returns the lowest lower bound across selling ranges.
func (p Position) MinSellingPrice() (decimal.Decimal, bool) {
	if len(p.SellingPrices) == 0 {
		return decimal.Zero, false
	}
	lowest := p.SellingPrices[0].Min()
	for _, r := range p.SellingPrices[1:] {
		if r.Min().Cmp(lowest) < 0 {
			lowest = r.Min()
		}
	}
	return lowest, true
}

// Trade is one fill of an executed leg. For a buy QuoteQuantityCommission
// is the commission converted to quote (price * commission); for a sell it
// is the commission as charged.
type Trade struct {
	Side                    Side            `json:"side"`
	Price                   decimal.Decimal `json:"price"`
	BaseQuantity            decimal.Decimal `json:"base_quantity"`
	QuoteQuantityCommission decimal.Decimal `json:"quote_quantity_commission"`
	Timestamp               int64           `json:"timestamp"`
}

type Order struct {
	OrderID   int64   `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Timestamp int64   `json:"timestamp"`
	Trades    []Trade `json:"trades"`
}

// MarketOrder asks for a market execution. Quantity is quote for a buy and
// base for a sell.
type MarketOrder struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	ClientOrderID string
}

type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	TradeID         int64           `json:"trade_id"`
}

type OrderFill struct {
	OrderID             int64           `json:"order_id"`
	ClientOrderID       string          `json:"client_order_id"`
	Symbol              string          `json:"symbol"`
	Side                Side            `json:"side"`
	Status              string          `json:"status"`
	TransactTime        int64           `json:"transact_time"`
	ExecutedQty         decimal.Decimal `json:"executed_qty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulative_quote_qty"`
	Fills               []Fill          `json:"fills"`
}

func (f OrderFill) Time() time.Time {
	if f.TransactTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.TransactTime)
}
