package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/exchange/binance"
	"github.com/uoaths/harmony/internal/execution"
	"github.com/uoaths/harmony/internal/safety"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]int64{"timestamp": s.now().UnixMilli()})
}

type priceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol, err := normalizeSymbol(r.URL.Query().Get("symbol"))
	if err != nil {
		respondError(w, err)
		return
	}
	price, err := s.market.TickerPrice(r.Context(), symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, priceResponse{Symbol: symbol, Price: price})
}

func (s *Server) handleNormal(w http.ResponseWriter, r *http.Request) {
	symbol, err := normalizeSymbol(r.URL.Query().Get("symbol"))
	if err != nil {
		respondError(w, err)
		return
	}
	norms, err := s.market.SymbolNorms(r.Context(), symbol)
	if err != nil {
		respondError(w, normsError(err))
		return
	}
	respondOK(w, norms)
}

type orderPayload struct {
	credentials
	Symbol    string          `json:"symbol"`
	Positions []core.Position `json:"positions"`
}

type orderResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Positions []core.Position `json:"positions"`
	Orders    []core.Order    `json:"orders"`
}

// handleOrder runs one execution pass of the posted positions at the
// current ticker price.
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var p orderPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	client, err := s.signedClient(p.credentials)
	if err != nil {
		respondError(w, err)
		return
	}
	defer client.Close()

	ctx := r.Context()
	norms, price, err := execution.PassInputs(ctx, client, symbol)
	if err != nil {
		respondError(w, normsError(err))
		return
	}

	reqID := requestID(ctx)
	logger := s.logger.With(zap.String("request_id", reqID))
	engine := execution.NewEngine(s.liveTrader(client, symbol), logger, s.alerts)
	positions, orders := engine.Execute(ctx, symbol, price, norms, p.Positions)
	if orders == nil {
		orders = []core.Order{}
	}
	if err := s.journal.Record(reqID, symbol, price, orders); err != nil {
		logger.Warn("journal write failed",
			zap.String("event", "journal_write_failed"),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
	respondOK(w, orderResponse{Symbol: symbol, Price: price, Positions: positions, Orders: orders})
}

func (s *Server) liveTrader(client *binance.Client, symbol string) execution.Trader {
	var trader execution.Trader = execution.NewLiveExecutor(client, symbol)
	if s.breaker != nil {
		trader = safety.NewGuardedTrader(trader, s.breaker)
	}
	return trader
}

type buyPayload struct {
	credentials
	Symbol        string          `json:"symbol"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity"`
}

type sellPayload struct {
	credentials
	Symbol       string          `json:"symbol"`
	BaseQuantity decimal.Decimal `json:"base_quantity"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var p buyPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	s.placeSingle(w, r, p.credentials, p.Symbol, core.Buy, p.QuoteQuantity)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var p sellPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	s.placeSingle(w, r, p.credentials, p.Symbol, core.Sell, p.BaseQuantity)
}

// placeSingle sends one unfiltered market order; the exchange is the only
// judge of the quantity.
func (s *Server) placeSingle(w http.ResponseWriter, r *http.Request, c credentials, rawSymbol string, side core.Side, qty decimal.Decimal) {
	symbol, err := normalizeSymbol(rawSymbol)
	if err != nil {
		respondError(w, err)
		return
	}
	if qty.Sign() <= 0 {
		respondError(w, fmt.Errorf("%s quantity must be > 0", side))
		return
	}
	client, err := s.signedClient(c)
	if err != nil {
		respondError(w, err)
		return
	}
	defer client.Close()

	trader := s.liveTrader(client, symbol)
	var fill core.OrderFill
	if side == core.Buy {
		fill, err = trader.Buy(r.Context(), decimal.Zero, qty)
	} else {
		fill, err = trader.Sell(r.Context(), decimal.Zero, qty)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, fill)
}

type orderInfoPayload struct {
	credentials
	Symbol  string `json:"symbol"`
	OrderID int64  `json:"order_id"`
}

type orderInfoResponse struct {
	Order  binance.OrderInfo      `json:"order"`
	Trades []binance.AccountTrade `json:"trades"`
}

func (s *Server) handleOrderInfo(w http.ResponseWriter, r *http.Request) {
	var p orderInfoPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	if p.OrderID <= 0 {
		respondError(w, errors.New("order_id is required"))
		return
	}
	client, err := s.signedClient(p.credentials)
	if err != nil {
		respondError(w, err)
		return
	}
	defer client.Close()

	order, err := client.QueryOrder(r.Context(), symbol, p.OrderID)
	if err != nil {
		respondError(w, err)
		return
	}
	trades, err := client.MyTrades(r.Context(), binance.TradesQuery{Symbol: symbol, OrderID: p.OrderID})
	if err != nil {
		respondError(w, err)
		return
	}
	if trades == nil {
		trades = []binance.AccountTrade{}
	}
	respondOK(w, orderInfoResponse{Order: order, Trades: trades})
}

type tradesPayload struct {
	credentials
	Symbol    string `json:"symbol"`
	OrderID   int64  `json:"order_id"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	FromID    int64  `json:"from_id"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleOrderTrades(w http.ResponseWriter, r *http.Request) {
	var p tradesPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	if p.Limit < 0 || p.Limit > 1000 {
		respondError(w, errors.New("limit must be between 1 and 1000"))
		return
	}
	client, err := s.signedClient(p.credentials)
	if err != nil {
		respondError(w, err)
		return
	}
	defer client.Close()

	trades, err := client.MyTrades(r.Context(), binance.TradesQuery{
		Symbol:    symbol,
		OrderID:   p.OrderID,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		FromID:    p.FromID,
		Limit:     p.Limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if trades == nil {
		trades = []binance.AccountTrade{}
	}
	respondOK(w, trades)
}

type assetPayload struct {
	credentials
	Asset string `json:"asset"`
}

func (s *Server) handleAccountAsset(w http.ResponseWriter, r *http.Request) {
	var p assetPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	client, err := s.signedClient(p.credentials)
	if err != nil {
		respondError(w, err)
		return
	}
	defer client.Close()

	assets, err := client.UserAssets(r.Context(), p.Asset)
	if err != nil {
		respondError(w, err)
		return
	}
	if assets == nil {
		assets = []binance.UserAsset{}
	}
	respondOK(w, assets)
}

type commissionPayload struct {
	credentials
	Symbol string `json:"symbol"`
}

func (s *Server) handleAccountCommission(w http.ResponseWriter, r *http.Request) {
	var p commissionPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	client, err := s.signedClient(p.credentials)
	if err != nil {
		respondError(w, err)
		return
	}
	defer client.Close()

	commission, err := client.Commission(r.Context(), symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, commission)
}
