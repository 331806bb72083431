package binance

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/filter"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type orderFullResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	Status              string          `json:"status"`
	Side                string          `json:"side"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price           decimal.Decimal `json:"price"`
		Qty             decimal.Decimal `json:"qty"`
		Commission      decimal.Decimal `json:"commission"`
		CommissionAsset string          `json:"commissionAsset"`
		TradeID         int64           `json:"tradeId"`
	} `json:"fills"`
}

func (r orderFullResponse) orderFill() core.OrderFill {
	fill := core.OrderFill{
		OrderID:             r.OrderID,
		ClientOrderID:       r.ClientOrderID,
		Symbol:              r.Symbol,
		Side:                core.Side(r.Side),
		Status:              r.Status,
		TransactTime:        r.TransactTime,
		ExecutedQty:         r.ExecutedQty,
		CummulativeQuoteQty: r.CummulativeQuoteQty,
		Fills:               make([]core.Fill, 0, len(r.Fills)),
	}
	for _, f := range r.Fills {
		fill.Fills = append(fill.Fills, core.Fill{
			Price:           f.Price,
			Qty:             f.Qty,
			Commission:      f.Commission,
			CommissionAsset: f.CommissionAsset,
			TradeID:         f.TradeID,
		})
	}
	return fill
}

// OrderInfo is the exchange view of a single order.
type OrderInfo struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	OrigQuoteOrderQty   decimal.Decimal `json:"origQuoteOrderQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	Time                int64           `json:"time"`
	UpdateTime          int64           `json:"updateTime"`
}

type AccountTrade struct {
	Symbol          string          `json:"symbol"`
	ID              int64           `json:"id"`
	OrderID         int64           `json:"orderId"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quoteQty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            int64           `json:"time"`
	IsBuyer         bool            `json:"isBuyer"`
	IsMaker         bool            `json:"isMaker"`
}

type UserAsset struct {
	Asset        string          `json:"asset"`
	Free         decimal.Decimal `json:"free"`
	Locked       decimal.Decimal `json:"locked"`
	Freeze       decimal.Decimal `json:"freeze"`
	Withdrawing  decimal.Decimal `json:"withdrawing"`
	Ipoable      decimal.Decimal `json:"ipoable"`
	BtcValuation decimal.Decimal `json:"btcValuation"`
}

type CommissionRates struct {
	Maker  decimal.Decimal `json:"maker"`
	Taker  decimal.Decimal `json:"taker"`
	Buyer  decimal.Decimal `json:"buyer"`
	Seller decimal.Decimal `json:"seller"`
}

type Commission struct {
	Symbol             string          `json:"symbol"`
	StandardCommission CommissionRates `json:"standardCommission"`
	TaxCommission      CommissionRates `json:"taxCommission"`
	Discount           struct {
		EnabledForAccount bool            `json:"enabledForAccount"`
		EnabledForSymbol  bool            `json:"enabledForSymbol"`
		DiscountAsset     string          `json:"discountAsset"`
		Discount          decimal.Decimal `json:"discount"`
	} `json:"discount"`
}

type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol              string `json:"symbol"`
	BaseAsset           string `json:"baseAsset"`
	QuoteAsset          string `json:"quoteAsset"`
	BaseAssetPrecision  uint32 `json:"baseAssetPrecision"`
	QuoteAssetPrecision uint32 `json:"quoteAssetPrecision"`
	Filters             []struct {
		FilterType       string `json:"filterType"`
		MinQty           string `json:"minQty"`
		MaxQty           string `json:"maxQty"`
		StepSize         string `json:"stepSize"`
		MinNotional      string `json:"minNotional"`
		MaxNotional      string `json:"maxNotional"`
		ApplyMinToMarket bool   `json:"applyMinToMarket"`
		ApplyMaxToMarket bool   `json:"applyMaxToMarket"`
		ApplyToMarket    bool   `json:"applyToMarket"`
	} `json:"filters"`
}

// ParseSymbolNorms decodes one symbol object of an exchangeInfo document,
// or a whole document with exactly one symbol.
func ParseSymbolNorms(data []byte) (core.SymbolNorms, error) {
	var doc exchangeInfoResponse
	if err := json.Unmarshal(data, &doc); err == nil && doc.Symbols != nil {
		if len(doc.Symbols) == 0 {
			return core.SymbolNorms{}, core.ErrSymbolNotFound
		}
		return parseSymbolNorms(doc.Symbols[0])
	}
	var src symbolInfoResponse
	if err := json.Unmarshal(data, &src); err != nil {
		return core.SymbolNorms{}, err
	}
	return parseSymbolNorms(src)
}

func parseSymbolNorms(src symbolInfoResponse) (core.SymbolNorms, error) {
	norms := core.SymbolNorms{
		Symbol:              src.Symbol,
		BaseAsset:           src.BaseAsset,
		QuoteAsset:          src.QuoteAsset,
		BaseAssetPrecision:  src.BaseAssetPrecision,
		QuoteAssetPrecision: src.QuoteAssetPrecision,
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case core.FilterLotSize, core.FilterMarketLotSize:
			minQty, err := parseFilterDecimal("minQty", f.MinQty)
			if err != nil {
				return core.SymbolNorms{}, err
			}
			maxQty, err := parseFilterDecimal("maxQty", f.MaxQty)
			if err != nil {
				return core.SymbolNorms{}, err
			}
			step, err := parseFilterDecimal("stepSize", f.StepSize)
			if err != nil {
				return core.SymbolNorms{}, err
			}
			if f.FilterType == core.FilterLotSize {
				norms.Filters = append(norms.Filters, core.LotSize{MinQty: minQty, MaxQty: maxQty, StepSize: step})
			} else {
				norms.Filters = append(norms.Filters, core.MarketLotSize{MinQty: minQty, MaxQty: maxQty, StepSize: step})
			}
		case core.FilterNotional:
			minNotional, err := parseFilterDecimal("minNotional", f.MinNotional)
			if err != nil {
				return core.SymbolNorms{}, err
			}
			maxNotional, err := parseFilterDecimal("maxNotional", f.MaxNotional)
			if err != nil {
				return core.SymbolNorms{}, err
			}
			norms.Filters = append(norms.Filters, core.Notional{
				MinNotional:      minNotional,
				MaxNotional:      maxNotional,
				ApplyMinToMarket: f.ApplyMinToMarket,
				ApplyMaxToMarket: f.ApplyMaxToMarket,
			})
		case core.FilterMinNotional:
			minNotional, err := parseFilterDecimal("minNotional", f.MinNotional)
			if err != nil {
				return core.SymbolNorms{}, err
			}
			norms.Filters = append(norms.Filters, core.MinNotional{
				MinNotional:   minNotional,
				ApplyToMarket: f.ApplyToMarket,
			})
		}
	}
	return norms, nil
}

func parseFilterDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, filter.DecimalError(field, raw, err)
	}
	return v, nil
}
