package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/filter"
)

const ethExchangeInfo = `{
  "timezone": "UTC",
  "symbols": [{
    "symbol": "ETHUSDT",
    "status": "TRADING",
    "baseAsset": "ETH",
    "baseAssetPrecision": 8,
    "quoteAsset": "USDT",
    "quotePrecision": 8,
    "quoteAssetPrecision": 8,
    "filters": [
      {"filterType": "PRICE_FILTER", "minPrice": "0.01000000", "maxPrice": "1000000.00000000", "tickSize": "0.01000000"},
      {"filterType": "LOT_SIZE", "minQty": "0.00010000", "maxQty": "9000.00000000", "stepSize": "0.00010000"},
      {"filterType": "ICEBERG_PARTS", "limit": 10},
      {"filterType": "MARKET_LOT_SIZE", "minQty": "0.00000000", "maxQty": "1701.08445000", "stepSize": "0.00000000"},
      {"filterType": "NOTIONAL", "minNotional": "5.00000000", "applyMinToMarket": true, "maxNotional": "9000000.00000000", "applyMaxToMarket": false, "avgPriceMins": 5}
    ]
  }]
}`

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestNormalizeClientOrderPrefix(t *testing.T) {
	if got := normalizeClientOrderPrefix(" BOT_A1 "); got != "bot_a1" {
		t.Fatalf("normalizeClientOrderPrefix() = %q, want %q", got, "bot_a1")
	}
	if got := normalizeClientOrderPrefix("!!!"); got != defaultClientOrderPrefix {
		t.Fatalf("normalizeClientOrderPrefix() = %q, want %q", got, defaultClientOrderPrefix)
	}
	if got := normalizeClientOrderPrefix(strings.Repeat("a", 30)); len(got) != 12 {
		t.Fatalf("normalizeClientOrderPrefix(long) len = %d, want 12", len(got))
	}
}

func TestNewClientOrderID(t *testing.T) {
	a := newClientOrderID("harmony")
	b := newClientOrderID("harmony")
	if a == b {
		t.Fatalf("newClientOrderID() repeated %q", a)
	}
	if !strings.HasPrefix(a, "harmony-") {
		t.Fatalf("newClientOrderID() = %q, want harmony- prefix", a)
	}
	if len(a) > 36 {
		t.Fatalf("newClientOrderID() len = %d, want <= 36", len(a))
	}
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(http.StatusBadRequest, []byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("parseAPIError() type = %T, want APIError", err)
	}
	if apiErr.Code != -2010 || apiErr.Msg != "Duplicate order sent." {
		t.Fatalf("apiErr = %+v, want -2010 Duplicate order sent.", apiErr)
	}
	if !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("errors.Is(%v, ErrDuplicateOrder) = false", err)
	}

	err = parseAPIError(http.StatusBadRequest, []byte(`{"code":-2010,"msg":"Market is closed."}`))
	if !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("errors.Is(%v, ErrOrderRejected) = false", err)
	}

	err = parseAPIError(http.StatusBadRequest, []byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	if !errors.Is(err, core.ErrSymbolNotFound) {
		t.Fatalf("errors.Is(%v, ErrSymbolNotFound) = false", err)
	}

	err = parseAPIError(http.StatusBadRequest, []byte(`{"code":-1013,"msg":"Filter failure: NOTIONAL"}`))
	if !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("errors.Is(%v, ErrOrderRejected) = false", err)
	}

	err = parseAPIError(http.StatusTooManyRequests, []byte(`{"code":-1003,"msg":"Too many requests."}`))
	if !IsThrottled(err) {
		t.Fatalf("IsThrottled(%v) = false", err)
	}
	if errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("throttled error classified as rejection: %v", err)
	}

	err = parseAPIError(http.StatusBadGateway, []byte("bad gateway"))
	if _, ok := AsAPIError(err); ok {
		t.Fatalf("parseAPIError(non-json) unexpectedly returned APIError: %v", err)
	}
	if !strings.Contains(err.Error(), "http error 502") {
		t.Fatalf("parseAPIError(non-json) = %v, want http error", err)
	}
}

func TestParseSymbolNorms(t *testing.T) {
	norms, err := ParseSymbolNorms([]byte(ethExchangeInfo))
	if err != nil {
		t.Fatalf("ParseSymbolNorms() error = %v", err)
	}
	if norms.Symbol != "ETHUSDT" || norms.BaseAsset != "ETH" || norms.QuoteAsset != "USDT" {
		t.Fatalf("norms = %+v, want ETHUSDT ETH/USDT", norms)
	}
	if norms.BaseAssetPrecision != 8 || norms.QuoteAssetPrecision != 8 {
		t.Fatalf("precisions = %d/%d, want 8/8", norms.BaseAssetPrecision, norms.QuoteAssetPrecision)
	}
	if len(norms.Filters) != 3 {
		t.Fatalf("len(Filters) = %d, want 3", len(norms.Filters))
	}
	lot, ok := norms.Filters[0].(core.LotSize)
	if !ok || !lot.StepSize.Equal(dec("0.0001")) || !lot.MaxQty.Equal(dec("9000")) {
		t.Fatalf("Filters[0] = %#v, want LOT_SIZE step 0.0001", norms.Filters[0])
	}
	market, ok := norms.Filters[1].(core.MarketLotSize)
	if !ok || !market.MaxQty.Equal(dec("1701.08445")) {
		t.Fatalf("Filters[1] = %#v, want MARKET_LOT_SIZE max 1701.08445", norms.Filters[1])
	}
	notional, ok := norms.Filters[2].(core.Notional)
	if !ok || !notional.ApplyMinToMarket || notional.ApplyMaxToMarket || !notional.MinNotional.Equal(dec("5")) {
		t.Fatalf("Filters[2] = %#v, want NOTIONAL min 5 applied", norms.Filters[2])
	}
	// the parsed rules drive the filter engine directly
	if err := filter.Validate(norms, dec("3685.96"), dec("0.0015"), filter.Base); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestParseSymbolNormsErrors(t *testing.T) {
	if _, err := ParseSymbolNorms([]byte(`{"symbols":[]}`)); !errors.Is(err, core.ErrSymbolNotFound) {
		t.Fatalf("ParseSymbolNorms(empty) error = %v, want %v", err, core.ErrSymbolNotFound)
	}
	bad := `{"symbol":"X","filters":[{"filterType":"LOT_SIZE","minQty":"abc","maxQty":"1","stepSize":"1"}]}`
	_, err := ParseSymbolNorms([]byte(bad))
	if !errors.Is(err, filter.ErrDecimal) {
		t.Fatalf("ParseSymbolNorms(bad decimal) error = %v, want %v", err, filter.ErrDecimal)
	}
	if !strings.HasPrefix(err.Error(), "FILTER DECIMAL") {
		t.Fatalf("error = %q, want FILTER DECIMAL prefix", err.Error())
	}
}

func TestSymbolNormsAndTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			if r.URL.Query().Get("symbol") == "NOPE" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
				return
			}
			_, _ = w.Write([]byte(ethExchangeInfo))
		case "/api/v3/ticker/price":
			_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"3685.96000000"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{RestBaseURL: srv.URL})
	norms, err := c.SymbolNorms(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("SymbolNorms() error = %v", err)
	}
	if norms.Symbol != "ETHUSDT" {
		t.Fatalf("Symbol = %q, want ETHUSDT", norms.Symbol)
	}
	if _, err := c.SymbolNorms(context.Background(), "NOPE"); !errors.Is(err, core.ErrSymbolNotFound) {
		t.Fatalf("SymbolNorms(NOPE) error = %v, want %v", err, core.ErrSymbolNotFound)
	}
	price, err := c.TickerPrice(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("TickerPrice() error = %v", err)
	}
	if !price.Equal(dec("3685.96")) {
		t.Fatalf("TickerPrice() = %s, want 3685.96", price)
	}
}

func TestSignedRequestsRequireCredentials(t *testing.T) {
	c := NewClientWithOptions(Options{RestBaseURL: "http://127.0.0.1:1"})
	if _, err := c.Commission(context.Background(), "ETHUSDT"); err == nil {
		t.Fatalf("Commission() without credentials error = nil")
	}
}

func TestSignedRequestCarriesKeyAndSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "k" {
			t.Errorf("X-MBX-APIKEY = %q, want k", r.Header.Get("X-MBX-APIKEY"))
		}
		q := r.URL.Query()
		sig := q.Get("signature")
		q.Del("signature")
		if want := sign("s", q.Encode()); sig != want {
			t.Errorf("signature = %q, want %q", sig, want)
		}
		if q.Get("recvWindow") != "5000" || q.Get("timestamp") == "" {
			t.Errorf("recvWindow/timestamp = %q/%q", q.Get("recvWindow"), q.Get("timestamp"))
		}
		_, _ = w.Write([]byte(`[{"symbol":"ETHUSDT","id":28457,"orderId":100234,"price":"4.00000100","qty":"12.00000000","quoteQty":"48.000012","commission":"10.10000000","commissionAsset":"BNB","time":1499865549590,"isBuyer":true,"isMaker":false}]`))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", RestBaseURL: srv.URL, RecvWindowMs: 5000})
	trades, err := c.MyTrades(context.Background(), TradesQuery{Symbol: "ETHUSDT", OrderID: 100234})
	if err != nil {
		t.Fatalf("MyTrades() error = %v", err)
	}
	if len(trades) != 1 || !trades[0].Price.Equal(dec("4.000001")) || trades[0].CommissionAsset != "BNB" {
		t.Fatalf("MyTrades() = %+v", trades)
	}
}

func TestKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "1m" {
			t.Errorf("interval = %q, want 1m", r.URL.Query().Get("interval"))
		}
		_, _ = w.Write([]byte(`[[1499040000000,"0.01634790","0.80000000","0.01575800","0.01577100","148976.11427815",1499644799999,"2434.19055334",308,"1756.87402397","28.46694368","0"]]`))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{RestBaseURL: srv.URL})
	klines, err := c.Klines(context.Background(), "ETHUSDT", "1m", 0, 0, 10)
	if err != nil {
		t.Fatalf("Klines() error = %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("len(Klines()) = %d, want 1", len(klines))
	}
	k := klines[0]
	if k.OpenTime != 1499040000000 || k.CloseTime != 1499644799999 || !k.Close.Equal(dec("0.015771")) {
		t.Fatalf("Klines()[0] = %+v", k)
	}
}

const fullBuyResponse = `{
  "symbol": "ETHUSDT",
  "orderId": 28,
  "clientOrderId": "hm-abc",
  "transactTime": 1507725176595,
  "executedQty": "0.5",
  "cummulativeQuoteQty": "20",
  "status": "FILLED",
  "type": "MARKET",
  "side": "BUY",
  "fills": [
    {"price": "40", "qty": "0.3", "commission": "0.0003", "commissionAsset": "ETH", "tradeId": 56},
    {"price": "40", "qty": "0.2", "commission": "0.0002", "commissionAsset": "ETH", "tradeId": 57}
  ]
}`

func TestPlaceMarketOrderRESTBuyUsesQuoteQty(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/order" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(fullBuyResponse))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", RestBaseURL: srv.URL})
	fill, err := c.PlaceMarketOrder(context.Background(), core.MarketOrder{
		Symbol:   "ETHUSDT",
		Side:     core.Buy,
		Quantity: dec("20"),
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error = %v", err)
	}
	if form.Get("quoteOrderQty") != "20" || form.Get("quantity") != "" {
		t.Fatalf("quoteOrderQty/quantity = %q/%q, want 20/empty", form.Get("quoteOrderQty"), form.Get("quantity"))
	}
	if form.Get("type") != "MARKET" || form.Get("newOrderRespType") != "FULL" {
		t.Fatalf("type/newOrderRespType = %q/%q", form.Get("type"), form.Get("newOrderRespType"))
	}
	if !strings.HasPrefix(form.Get("newClientOrderId"), defaultClientOrderPrefix+"-") {
		t.Fatalf("newClientOrderId = %q, want generated", form.Get("newClientOrderId"))
	}
	if fill.OrderID != 28 || len(fill.Fills) != 2 || fill.TransactTime != 1507725176595 {
		t.Fatalf("fill = %+v", fill)
	}
	if !fill.Fills[1].Commission.Equal(dec("0.0002")) {
		t.Fatalf("fill.Fills[1].Commission = %s, want 0.0002", fill.Fills[1].Commission)
	}
}

func TestPlaceMarketOrderRESTSellUsesQuantity(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","orderId":29,"side":"SELL","status":"FILLED","fills":[]}`))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", RestBaseURL: srv.URL})
	_, err := c.PlaceMarketOrder(context.Background(), core.MarketOrder{
		Symbol:        "ETHUSDT",
		Side:          core.Sell,
		Quantity:      dec("0.5"),
		ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error = %v", err)
	}
	if form.Get("quantity") != "0.5" || form.Get("quoteOrderQty") != "" {
		t.Fatalf("quantity/quoteOrderQty = %q/%q, want 0.5/empty", form.Get("quantity"), form.Get("quoteOrderQty"))
	}
	if form.Get("newClientOrderId") != "cid-1" {
		t.Fatalf("newClientOrderId = %q, want cid-1", form.Get("newClientOrderId"))
	}
}

func TestPlaceMarketOrderRejectsInvalidInput(t *testing.T) {
	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s"})
	for _, order := range []core.MarketOrder{
		{Side: core.Buy, Quantity: dec("1")},
		{Symbol: "ETHUSDT", Side: "HOLD", Quantity: dec("1")},
		{Symbol: "ETHUSDT", Side: core.Sell, Quantity: dec("0")},
	} {
		if _, err := c.PlaceMarketOrder(context.Background(), order); err == nil {
			t.Fatalf("PlaceMarketOrder(%+v) error = nil", order)
		}
	}
}

func TestPlaceOrderRESTDuplicateRecoversFills(t *testing.T) {
	var postCalls, orderGets, tradeGets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v3/order" && r.Method == http.MethodPost:
			atomic.AddInt32(&postCalls, 1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
		case r.URL.Path == "/api/v3/order" && r.Method == http.MethodGet:
			atomic.AddInt32(&orderGets, 1)
			if got := r.URL.Query().Get("origClientOrderId"); got != "cid-dup" {
				t.Errorf("origClientOrderId = %q, want cid-dup", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"symbol":              "ETHUSDT",
				"orderId":             123456,
				"clientOrderId":       "cid-dup",
				"executedQty":         "0.5",
				"cummulativeQuoteQty": "20",
				"status":              "FILLED",
				"side":                "BUY",
				"type":                "MARKET",
				"updateTime":          1700000000000,
			})
		case r.URL.Path == "/api/v3/myTrades":
			atomic.AddInt32(&tradeGets, 1)
			if got := r.URL.Query().Get("orderId"); got != "123456" {
				t.Errorf("orderId = %q, want 123456", got)
			}
			_, _ = w.Write([]byte(`[{"symbol":"ETHUSDT","id":1,"orderId":123456,"price":"40","qty":"0.5","commission":"0.0005","commissionAsset":"ETH","time":1700000000000,"isBuyer":true}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", RestBaseURL: srv.URL})
	got, err := c.placeOrderREST(context.Background(), core.MarketOrder{
		Symbol:        "ETHUSDT",
		Side:          core.Buy,
		Quantity:      dec("20"),
		ClientOrderID: "cid-dup",
	})
	if err != nil {
		t.Fatalf("placeOrderREST() error = %v", err)
	}
	if got.OrderID != 123456 || got.ClientOrderID != "cid-dup" {
		t.Fatalf("order = %d/%q, want 123456/cid-dup", got.OrderID, got.ClientOrderID)
	}
	if len(got.Fills) != 1 || !got.Fills[0].Qty.Equal(dec("0.5")) {
		t.Fatalf("fills = %+v, want one 0.5 fill", got.Fills)
	}
	if postCalls != 1 || orderGets != 1 || tradeGets != 1 {
		t.Fatalf("calls post/order/trades = %d/%d/%d, want 1/1/1", postCalls, orderGets, tradeGets)
	}
}

func newWSServer(t *testing.T, handle func(req wsRequest) any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if err := conn.WriteJSON(handle(req)); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPlaceMarketOrderOverWS(t *testing.T) {
	var params map[string]interface{}
	ws := newWSServer(t, func(req wsRequest) any {
		params = req.Params
		return map[string]any{"id": req.ID, "status": 200, "result": json.RawMessage(fullBuyResponse)}
	})
	defer ws.Close()

	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", RestBaseURL: "http://127.0.0.1:1", WSBaseURL: wsURL(ws)})
	defer c.Close()
	fill, err := c.PlaceMarketOrder(context.Background(), core.MarketOrder{Symbol: "ETHUSDT", Side: core.Buy, Quantity: dec("20")})
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error = %v", err)
	}
	if fill.OrderID != 28 || len(fill.Fills) != 2 {
		t.Fatalf("fill = %+v", fill)
	}
	if params["apiKey"] != "k" || params["quoteOrderQty"] != "20" {
		t.Fatalf("params = %v", params)
	}
	sig, ok := params["signature"].(string)
	if !ok || sig == "" {
		t.Fatalf("signature param missing: %v", params["signature"])
	}
}

func TestPlaceMarketOrderWSRejectionSkipsREST(t *testing.T) {
	var restCalls int32
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&restCalls, 1)
		_, _ = w.Write([]byte(fullBuyResponse))
	}))
	defer rest.Close()
	ws := newWSServer(t, func(req wsRequest) any {
		return map[string]any{
			"id":     req.ID,
			"status": 400,
			"error":  map[string]any{"code": -2010, "msg": "Account has insufficient balance for requested action."},
		}
	})
	defer ws.Close()

	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", RestBaseURL: rest.URL, WSBaseURL: wsURL(ws)})
	defer c.Close()
	_, err := c.PlaceMarketOrder(context.Background(), core.MarketOrder{Symbol: "ETHUSDT", Side: core.Buy, Quantity: dec("20")})
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("PlaceMarketOrder() error = %v, want %v", err, core.ErrInsufficientBalance)
	}
	if atomic.LoadInt32(&restCalls) != 0 {
		t.Fatalf("rest calls = %d, want 0", restCalls)
	}
}

func TestPlaceMarketOrderFallsBackToRESTWhenWSUnavailable(t *testing.T) {
	var postCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&postCalls, 1)
		_, _ = w.Write([]byte(fullBuyResponse))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{
		APIKey:      "k",
		APISecret:   "s",
		RestBaseURL: srv.URL,
		WSBaseURL:   "ws://127.0.0.1:1/ws-api/v3",
	})
	fill, err := c.PlaceMarketOrder(context.Background(), core.MarketOrder{Symbol: "ETHUSDT", Side: core.Buy, Quantity: dec("20")})
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error = %v", err)
	}
	if fill.OrderID != 28 {
		t.Fatalf("order id = %d, want 28", fill.OrderID)
	}
	if atomic.LoadInt32(&postCalls) != 1 {
		t.Fatalf("post calls = %d, want 1", postCalls)
	}
	if !c.wsDegraded {
		t.Fatalf("wsDegraded = false after fallback")
	}
}
