package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/alert"
	"github.com/uoaths/harmony/internal/config"
	"github.com/uoaths/harmony/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

const defaultClientOrderPrefix = "hm"

type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsBaseURL         string
	clientOrderPrefix string
	orderMu           sync.Mutex
	orderConn         *orderWSConn
	orderWSKeepalive  time.Duration
	alerter           alert.Alerter
	logger            *zap.Logger

	recvWindow time.Duration
	httpClient *http.Client

	mu         sync.Mutex
	wsDegraded bool
}

type Options struct {
	APIKey              string
	APISecret           string
	RestBaseURL         string
	WSBaseURL           string
	ClientOrderPrefix   string
	RecvWindowMs        int64
	HTTPTimeoutSec      int64
	OrderWSKeepaliveSec int64
	HTTPClient          *http.Client
	Logger              *zap.Logger
}

// NewClient builds a client from the exchange section. Credentials may be
// empty for market data only use.
func NewClient(cfg config.ExchangeConfig, apiKey, apiSecret string, logger *zap.Logger) *Client {
	return NewClientWithOptions(Options{
		APIKey:              strings.TrimSpace(apiKey),
		APISecret:           strings.TrimSpace(apiSecret),
		RestBaseURL:         cfg.RestBaseURL,
		WSBaseURL:           cfg.WSBaseURL,
		ClientOrderPrefix:   cfg.ClientOrderPrefix,
		RecvWindowMs:        cfg.RecvWindowMs,
		HTTPTimeoutSec:      cfg.HTTPTimeoutSec,
		OrderWSKeepaliveSec: cfg.OrderWSKeepaliveSec,
		Logger:              logger,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:         strings.TrimRight(opts.WSBaseURL, "/"),
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        httpClient,
		orderWSKeepalive:  time.Duration(opts.OrderWSKeepaliveSec) * time.Second,
		logger:            logger.With(zap.String("exchange", "binance")),
	}
}

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Client) alertImportant(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Important(event, fields)
}

func (c *Client) markWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsDegraded {
		return false
	}
	c.wsDegraded = true
	return true
}

func (c *Client) clearWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wsDegraded {
		return false
	}
	c.wsDegraded = false
	return true
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return defaultClientOrderPrefix
	}
	if len(out) > 12 {
		out = out[:12]
	}
	return out
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Close() error {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	c.resetOrderConn()
	return nil
}

// ExchangeInfo returns the unparsed exchangeInfo document for symbol.
func (c *Client) ExchangeInfo(ctx context.Context, symbol string) (json.RawMessage, error) {
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *Client) SymbolNorms(ctx context.Context, symbol string) (core.SymbolNorms, error) {
	body, err := c.ExchangeInfo(ctx, symbol)
	if err != nil {
		// an unknown symbol is classified as core.ErrSymbolNotFound
		return core.SymbolNorms{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.SymbolNorms{}, err
	}
	for _, s := range resp.Symbols {
		if s.Symbol == symbol {
			return parseSymbolNorms(s)
		}
	}
	return core.SymbolNorms{}, core.ErrSymbolNotFound
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone)
	if err != nil {
		return decimal.Zero, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64) (OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	return c.queryOrder(ctx, params)
}

func (c *Client) queryOrderByClientID(ctx context.Context, symbol, clientID string) (OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	return c.queryOrder(ctx, params)
}

func (c *Client) queryOrder(ctx context.Context, params url.Values) (OrderInfo, error) {
	if params.Get("symbol") == "" {
		return OrderInfo{}, errors.New("symbol required")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return OrderInfo{}, err
	}
	var info OrderInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return OrderInfo{}, err
	}
	return info, nil
}

// TradesQuery selects account trades. Zero fields are omitted.
type TradesQuery struct {
	Symbol    string
	OrderID   int64
	StartTime int64
	EndTime   int64
	FromID    int64
	Limit     int
}

func (c *Client) MyTrades(ctx context.Context, q TradesQuery) ([]AccountTrade, error) {
	if q.Symbol == "" {
		return nil, errors.New("symbol required")
	}
	params := url.Values{}
	params.Set("symbol", q.Symbol)
	setInt64(params, "orderId", q.OrderID)
	setInt64(params, "startTime", q.StartTime)
	setInt64(params, "endTime", q.EndTime)
	setInt64(params, "fromId", q.FromID)
	setInt64(params, "limit", int64(q.Limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var trades []AccountTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// UserAssets lists non-zero balances, or a single asset when asset is set.
func (c *Client) UserAssets(ctx context.Context, asset string) ([]UserAsset, error) {
	params := url.Values{}
	if asset = strings.ToUpper(strings.TrimSpace(asset)); asset != "" {
		params.Set("asset", asset)
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/sapi/v3/asset/getUserAsset", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var assets []UserAsset
	if err := json.Unmarshal(body, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func (c *Client) Commission(ctx context.Context, symbol string) (Commission, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account/commission", params, AuthSigned)
	if err != nil {
		return Commission{}, err
	}
	var resp Commission
	if err := json.Unmarshal(body, &resp); err != nil {
		return Commission{}, err
	}
	return resp, nil
}

// Klines returns candles in [start, end], both in milliseconds. limit <= 0
// leaves the exchange default.
func (c *Client) Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	setInt64(params, "startTime", start)
	setInt64(params, "endTime", end)
	setInt64(params, "limit", int64(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone)
	if err != nil {
		return nil, err
	}
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	out := make([]Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKline(row)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func parseKline(row []json.RawMessage) (Kline, error) {
	if len(row) < 7 {
		return Kline{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	var k Kline
	if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
		return Kline{}, err
	}
	for i, dst := range []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := json.Unmarshal(row[i+1], dst); err != nil {
			return Kline{}, err
		}
	}
	if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
		return Kline{}, err
	}
	return k, nil
}

func setInt64(params url.Values, key string, v int64) {
	if v > 0 {
		params.Set(key, strconv.FormatInt(v, 10))
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		if c.apiKey == "" || c.apiSecret == "" {
			return nil, errors.New("api_key/secret_key required")
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		signature := sign(c.apiSecret, params.Encode())
		params.Set("signature", signature)
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		body := params.Encode()
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(body))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
