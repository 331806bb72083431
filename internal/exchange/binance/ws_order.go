package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/core"
)

type orderWSConn struct {
	conn *websocket.Conn
	stop chan struct{}
}

// PlaceMarketOrder sends a market order and returns its fills. Buys spend
// Quantity of quote, sells spend Quantity of base.
func (c *Client) PlaceMarketOrder(ctx context.Context, order core.MarketOrder) (core.OrderFill, error) {
	if order.Symbol == "" {
		return core.OrderFill{}, errors.New("symbol required")
	}
	if !order.Side.Valid() {
		return core.OrderFill{}, errors.New("invalid order side")
	}
	if order.Quantity.Sign() <= 0 {
		return core.OrderFill{}, errors.New("order quantity must be positive")
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = newClientOrderID(c.clientOrderPrefix)
	}
	if c.wsBaseURL == "" {
		return c.placeOrderREST(ctx, order)
	}

	fill, err := c.placeOrderWS(ctx, order)
	if err == nil {
		if c.clearWSDegraded() {
			c.logger.Info("ws order path recovered", zap.String("event", "ws_order_recovered"), zap.String("symbol", order.Symbol))
			c.alertImportant("ws_order_recovered", map[string]string{"symbol": order.Symbol})
		}
		return fill, nil
	}
	if _, rejected := AsAPIError(err); rejected {
		return core.OrderFill{}, err
	}

	c.markWSDegraded()
	c.logger.Warn("ws order failed, falling back to rest",
		zap.String("event", "ws_order_fallback_to_rest"),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("client_id", order.ClientOrderID),
		zap.Error(err),
	)
	c.alertImportant("ws_order_fallback_to_rest", map[string]string{
		"symbol":    order.Symbol,
		"side":      string(order.Side),
		"qty":       order.Quantity.String(),
		"client_id": order.ClientOrderID,
		"ws_error":  err.Error(),
	})
	fill, restErr := c.placeOrderREST(ctx, order)
	if restErr != nil {
		c.alertImportant("rest_order_failed", map[string]string{
			"symbol":    order.Symbol,
			"side":      string(order.Side),
			"qty":       order.Quantity.String(),
			"client_id": order.ClientOrderID,
			"rest_err":  restErr.Error(),
		})
	}
	return fill, restErr
}

func orderParams(order core.MarketOrder) url.Values {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", "MARKET")
	if order.Side == core.Buy {
		params.Set("quoteOrderQty", order.Quantity.String())
	} else {
		params.Set("quantity", order.Quantity.String())
	}
	params.Set("newClientOrderId", order.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	return params
}

func (c *Client) placeOrderWS(ctx context.Context, order core.MarketOrder) (core.OrderFill, error) {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	params, err := c.wsOrderParams(order)
	if err != nil {
		return core.OrderFill{}, err
	}
	conn, err := c.ensureOrderConn(ctx)
	if err != nil {
		return core.OrderFill{}, err
	}
	result, err := wsCall(ctx, conn, "order.place", params)
	if err != nil {
		if _, rejected := AsAPIError(err); !rejected {
			c.resetOrderConn()
		}
		return core.OrderFill{}, err
	}
	var full orderFullResponse
	if err := json.Unmarshal(result, &full); err != nil {
		return core.OrderFill{}, err
	}
	return full.orderFill(), nil
}

func (c *Client) wsOrderParams(order core.MarketOrder) (map[string]interface{}, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, errors.New("api_key/secret_key required")
	}
	values := orderParams(order)
	values.Set("apiKey", c.apiKey)
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	// the WS API signs the alphabetically sorted params, which Encode yields
	values.Set("signature", sign(c.apiSecret, values.Encode()))

	params := make(map[string]interface{}, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return params, nil
}

func (c *Client) placeOrderREST(ctx context.Context, order core.MarketOrder) (core.OrderFill, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", orderParams(order), AuthSigned)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			// an earlier WS attempt reached the exchange
			if existing, qerr := c.orderFillByClientID(ctx, order.Symbol, order.ClientOrderID); qerr == nil {
				return existing, nil
			}
		}
		if apiErr, ok := AsAPIError(err); ok && isRejectOrExpireStatus(apiErr.Msg) {
			c.alertImportant("order_rejected_or_expired", map[string]string{
				"symbol":     order.Symbol,
				"side":       string(order.Side),
				"client_id":  order.ClientOrderID,
				"error_code": strconv.Itoa(apiErr.Code),
				"error_msg":  apiErr.Msg,
			})
		}
		return core.OrderFill{}, err
	}
	var resp orderFullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderFill{}, err
	}
	return resp.orderFill(), nil
}

// orderFillByClientID rebuilds the fills of an already placed order from
// its account trades.
func (c *Client) orderFillByClientID(ctx context.Context, symbol, clientID string) (core.OrderFill, error) {
	info, err := c.queryOrderByClientID(ctx, symbol, clientID)
	if err != nil {
		return core.OrderFill{}, err
	}
	trades, err := c.MyTrades(ctx, TradesQuery{Symbol: symbol, OrderID: info.OrderID})
	if err != nil {
		return core.OrderFill{}, err
	}
	fill := core.OrderFill{
		OrderID:             info.OrderID,
		ClientOrderID:       info.ClientOrderID,
		Symbol:              info.Symbol,
		Side:                core.Side(info.Side),
		Status:              info.Status,
		TransactTime:        info.UpdateTime,
		ExecutedQty:         info.ExecutedQty,
		CummulativeQuoteQty: info.CummulativeQuoteQty,
		Fills:               make([]core.Fill, 0, len(trades)),
	}
	for _, t := range trades {
		fill.Fills = append(fill.Fills, core.Fill{
			Price:           t.Price,
			Qty:             t.Qty,
			Commission:      t.Commission,
			CommissionAsset: t.CommissionAsset,
			TradeID:         t.ID,
		})
	}
	return fill, nil
}

func isRejectOrExpireStatus(v string) bool {
	s := strings.ToUpper(v)
	return strings.Contains(s, "REJECT") || strings.Contains(s, "EXPIRE")
}

func (c *Client) ensureOrderConn(ctx context.Context) (*websocket.Conn, error) {
	if c.orderConn != nil {
		return c.orderConn.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, err
	}
	ow := &orderWSConn{conn: conn, stop: make(chan struct{})}
	c.orderConn = ow
	if c.orderWSKeepalive > 0 {
		go c.orderKeepaliveLoop(ow)
	}
	return conn, nil
}

func (c *Client) resetOrderConn() {
	if c.orderConn == nil {
		return
	}
	close(c.orderConn.stop)
	_ = c.orderConn.conn.Close()
	c.orderConn = nil
}

// newClientOrderID returns prefix-<uuid hex>, capped at the exchange's 36
// character limit.
func newClientOrderID(prefix string) string {
	if prefix == "" {
		prefix = defaultClientOrderPrefix
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if room := 36 - 1 - len(prefix); len(id) > room {
		id = id[:room]
	}
	return prefix + "-" + id
}

func (c *Client) orderKeepaliveLoop(ow *orderWSConn) {
	ticker := time.NewTicker(c.orderWSKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.orderMu.Lock()
			if c.orderConn != ow {
				c.orderMu.Unlock()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := wsCall(ctx, ow.conn, "ping", nil)
			cancel()
			if err != nil {
				c.logger.Debug("order ws keepalive failed", zap.String("event", "ws_keepalive_failed"), zap.Error(err))
				c.resetOrderConn()
				c.orderMu.Unlock()
				return
			}
			c.orderMu.Unlock()
		case <-ow.stop:
			return
		}
	}
}
