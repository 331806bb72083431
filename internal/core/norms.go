package core

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// SymbolNorms are the trading rules the exchange publishes for a symbol.
type SymbolNorms struct {
	Symbol              string
	BaseAsset           string
	QuoteAsset          string
	BaseAssetPrecision  uint32
	QuoteAssetPrecision uint32
	Filters             []SymbolFilter
}

// SymbolFilter is one of LotSize, MarketLotSize, Notional or MinNotional.
type SymbolFilter interface {
	FilterType() string
}

type LotSize struct {
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	StepSize decimal.Decimal
}

type MarketLotSize struct {
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	StepSize decimal.Decimal
}

type Notional struct {
	MinNotional      decimal.Decimal
	MaxNotional      decimal.Decimal
	ApplyMinToMarket bool
	ApplyMaxToMarket bool
}

type MinNotional struct {
	MinNotional   decimal.Decimal
	ApplyToMarket bool
}

const (
	FilterLotSize       = "LOT_SIZE"
	FilterMarketLotSize = "MARKET_LOT_SIZE"
	FilterNotional      = "NOTIONAL"
	FilterMinNotional   = "MIN_NOTIONAL"
)

func (LotSize) FilterType() string       { return FilterLotSize }
func (MarketLotSize) FilterType() string { return FilterMarketLotSize }
func (Notional) FilterType() string      { return FilterNotional }
func (MinNotional) FilterType() string   { return FilterMinNotional }

type symbolNormsJSON struct {
	Symbol              string            `json:"symbol"`
	BaseAsset           string            `json:"baseAsset"`
	QuoteAsset          string            `json:"quoteAsset"`
	BaseAssetPrecision  uint32            `json:"baseAssetPrecision"`
	QuoteAssetPrecision uint32            `json:"quoteAssetPrecision"`
	Filters             []json.RawMessage `json:"filters"`
}

// MarshalJSON writes the exchange layout: camelCase fields and filters
// discriminated by filterType.
func (n SymbolNorms) MarshalJSON() ([]byte, error) {
	out := symbolNormsJSON{
		Symbol:              n.Symbol,
		BaseAsset:           n.BaseAsset,
		QuoteAsset:          n.QuoteAsset,
		BaseAssetPrecision:  n.BaseAssetPrecision,
		QuoteAssetPrecision: n.QuoteAssetPrecision,
		Filters:             make([]json.RawMessage, 0, len(n.Filters)),
	}
	for _, f := range n.Filters {
		var v any
		switch f := f.(type) {
		case LotSize:
			v = map[string]any{"filterType": FilterLotSize, "minQty": f.MinQty, "maxQty": f.MaxQty, "stepSize": f.StepSize}
		case MarketLotSize:
			v = map[string]any{"filterType": FilterMarketLotSize, "minQty": f.MinQty, "maxQty": f.MaxQty, "stepSize": f.StepSize}
		case Notional:
			v = map[string]any{
				"filterType":       FilterNotional,
				"minNotional":      f.MinNotional,
				"maxNotional":      f.MaxNotional,
				"applyMinToMarket": f.ApplyMinToMarket,
				"applyMaxToMarket": f.ApplyMaxToMarket,
			}
		case MinNotional:
			v = map[string]any{"filterType": FilterMinNotional, "minNotional": f.MinNotional, "applyToMarket": f.ApplyToMarket}
		default:
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out.Filters = append(out.Filters, raw)
	}
	return json.Marshal(out)
}
