package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/config"
	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/exchange/binance"
	"github.com/uoaths/harmony/internal/execution"
	"github.com/uoaths/harmony/internal/logging"
	"github.com/uoaths/harmony/internal/safety"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	BaseURL    string        `json:"base_url"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

func (r *report) run(name string, fn func() (string, error)) bool {
	start := time.Now()
	detail, err := fn()
	cr := checkResult{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
		Status:     statusPass,
	}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
	}
	r.Checks = append(r.Checks, cr)
	if cr.Status == statusPass {
		fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
		if cr.Detail != "" {
			fmt.Printf(" - %s", cr.Detail)
		}
		fmt.Println()
		return true
	}
	fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
	return false
}

func (r *report) skip(name, reason string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: statusSkip, Detail: reason})
	fmt.Printf("[SKIP] %s - %s\n", name, reason)
}

func (r report) failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

type selectedChecks struct {
	preflight bool
	roundtrip bool
	lookup    bool
}

func main() {
	var (
		configPath   string
		envFile      string
		symbol       string
		timeoutSec   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
		quoteRaw     string
	)
	flag.StringVar(&configPath, "config", "", "config yaml path")
	flag.StringVar(&envFile, "env", "", "dotenv file with HARMONY_API_KEY and HARMONY_SECRET_KEY")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "symbol to trade")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running against a non-testnet endpoint")
	flag.StringVar(&checkFlag, "check", "all", "checks to run: all | comma list (preflight,roundtrip,lookup)")
	flag.StringVar(&quoteRaw, "quote", "", "quote to spend on the round trip; empty uses 1.5x min notional")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fatal(err.Error())
	}
	if !isTestnet(cfg.Exchange.RestBaseURL) && !allowLiveRun {
		fatal("non-testnet endpoint blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	var quote decimal.Decimal
	if quoteRaw != "" {
		if quote, err = decimal.NewFromString(quoteRaw); err != nil || quote.Sign() <= 0 {
			fatal("quote must be a positive decimal")
		}
	}
	apiKey := strings.TrimSpace(os.Getenv("HARMONY_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("HARMONY_SECRET_KEY"))
	if apiKey == "" || secret == "" {
		fatal("HARMONY_API_KEY and HARMONY_SECRET_KEY are required")
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer closeLog()

	if timeoutSec < 30 {
		timeoutSec = 30
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client := binance.NewClient(cfg.Exchange, apiKey, secret, logger)
	defer client.Close()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	r := report{StartedAt: time.Now().UTC(), BaseURL: cfg.Exchange.RestBaseURL, Symbol: symbol}
	c := &checker{client: client, logger: logger, symbol: symbol, quote: quote}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = safety.NewBreaker(true, cfg.CircuitBreaker.MaxPlaceFailures, time.Duration(cfg.CircuitBreaker.CooldownSec)*time.Second)
		c.breaker.SetLogger(logger)
	}
	c.runAll(ctx, &r, checks)

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	if r.failed() {
		closeLog()
		os.Exit(1)
	}
}

type checker struct {
	client  *binance.Client
	logger  *zap.Logger
	breaker *safety.Breaker
	symbol  string
	quote   decimal.Decimal

	norms  core.SymbolNorms
	price  decimal.Decimal
	orders []core.Order
}

func (c *checker) runAll(ctx context.Context, r *report, checks selectedChecks) {
	ready := r.run("exchange_preflight", func() (string, error) { return c.preflight(ctx) })
	if !checks.roundtrip && !checks.lookup {
		return
	}
	if !ready {
		r.skip("engine_roundtrip", "preflight failed")
		return
	}
	if checks.roundtrip {
		r.run("engine_roundtrip", func() (string, error) { return c.roundtrip(ctx) })
	}
	if checks.lookup {
		if len(c.orders) == 0 {
			r.skip("order_lookup", "no orders placed")
			return
		}
		r.run("order_lookup", func() (string, error) { return c.lookup(ctx) })
	}
}

func (c *checker) preflight(ctx context.Context) (string, error) {
	var err error
	if c.norms, err = c.client.SymbolNorms(ctx, c.symbol); err != nil {
		return "", err
	}
	if c.price, err = c.client.TickerPrice(ctx, c.symbol); err != nil {
		return "", err
	}
	commission, err := c.client.Commission(ctx, c.symbol)
	if err != nil {
		return "", err
	}
	assets, err := c.client.UserAssets(ctx, c.norms.QuoteAsset)
	if err != nil {
		return "", err
	}
	free := decimal.Zero
	for _, a := range assets {
		if a.Asset == c.norms.QuoteAsset {
			free = free.Add(a.Free)
		}
	}
	if c.quote.IsZero() {
		c.quote = roundtripQuote(c.norms)
	}
	if free.Cmp(c.quote) < 0 {
		return "", fmt.Errorf("insufficient %s: need=%s have=%s", c.norms.QuoteAsset, c.quote, free)
	}
	return fmt.Sprintf("price=%s taker=%s free_%s=%s spend=%s",
		c.price, commission.StandardCommission.Taker, strings.ToLower(c.norms.QuoteAsset), free, c.quote), nil
}

// roundtrip buys with one pass and sells the result with a second, both
// through the execution engine.
func (c *checker) roundtrip(ctx context.Context) (string, error) {
	var trader execution.Trader = execution.NewLiveExecutor(c.client, c.symbol)
	if c.breaker != nil {
		trader = safety.NewGuardedTrader(trader, c.breaker)
	}
	engine := execution.NewEngine(trader, c.logger, nil)

	band := core.NewRange(c.price.Mul(decimal.RequireFromString("0.5")), c.price.Mul(decimal.NewFromInt(2)))
	position := core.Position{
		BuyingPrices:  core.Ranges{band},
		BaseQuantity:  decimal.Zero,
		QuoteQuantity: c.quote,
	}
	positions, orders := engine.Execute(ctx, c.symbol, c.price, c.norms, []core.Position{position})
	if len(orders) != 1 {
		return "", errors.New("buy leg was not executed")
	}
	c.orders = append(c.orders, orders...)
	bought := positions[0]

	price, err := c.client.TickerPrice(ctx, c.symbol)
	if err != nil {
		return "", err
	}
	bought.BuyingPrices = nil
	bought.SellingPrices = core.Ranges{core.NewRange(price.Mul(decimal.RequireFromString("0.5")), price.Mul(decimal.NewFromInt(2)))}
	positions, orders = engine.Execute(ctx, c.symbol, price, c.norms, []core.Position{bought})
	if len(orders) != 1 {
		return "", fmt.Errorf("sell leg was not executed; base left=%s", bought.BaseQuantity)
	}
	c.orders = append(c.orders, orders...)

	var trades []core.Trade
	for _, o := range c.orders {
		trades = append(trades, o.Trades...)
	}
	eval := core.Evaluate(trades)
	return fmt.Sprintf("buy_order=%d sell_order=%d base_left=%s quote_left=%s profit=%s commission=%s",
		c.orders[0].OrderID, c.orders[1].OrderID, positions[0].BaseQuantity, positions[0].QuoteQuantity, eval.Profit, eval.Commission), nil
}

func (c *checker) lookup(ctx context.Context) (string, error) {
	parts := make([]string, 0, len(c.orders))
	for _, o := range c.orders {
		info, err := c.client.QueryOrder(ctx, c.symbol, o.OrderID)
		if err != nil {
			return "", err
		}
		trades, err := c.client.MyTrades(ctx, binance.TradesQuery{Symbol: c.symbol, OrderID: o.OrderID})
		if err != nil {
			return "", err
		}
		if len(trades) != len(o.Trades) {
			return "", fmt.Errorf("order %d: %d account trades, %d fills", o.OrderID, len(trades), len(o.Trades))
		}
		parts = append(parts, fmt.Sprintf("%d=%s", o.OrderID, info.Status))
	}
	return strings.Join(parts, " "), nil
}

// roundtripQuote spends half again the minimum notional so the sell leg
// still clears it after commission and step rounding.
func roundtripQuote(norms core.SymbolNorms) decimal.Decimal {
	minimum := decimal.NewFromInt(10)
	for _, f := range norms.Filters {
		switch f := f.(type) {
		case core.Notional:
			if f.MinNotional.Sign() > 0 {
				minimum = f.MinNotional
			}
		case core.MinNotional:
			if f.MinNotional.Sign() > 0 {
				minimum = f.MinNotional
			}
		}
	}
	return minimum.Mul(decimal.RequireFromString("1.5")).RoundUp(int32(norms.QuoteAssetPrecision))
}

func isTestnet(baseURL string) bool {
	return strings.Contains(strings.ToLower(baseURL), "testnet")
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return selectedChecks{preflight: true, roundtrip: true, lookup: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "preflight", "exchange_preflight":
			out.preflight = true
		case "roundtrip", "engine_roundtrip":
			out.roundtrip = true
		case "lookup", "order_lookup":
			out.lookup = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if !out.preflight && !out.roundtrip && !out.lookup {
		return selectedChecks{}, errors.New("no checks selected")
	}
	// lookup reads back the round trip orders
	if out.lookup {
		out.roundtrip = true
	}
	return out, nil
}

func printSummary(r report) {
	pass, fail, skip := 0, 0, 0
	for _, c := range r.Checks {
		switch c.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		default:
			skip++
		}
	}
	fmt.Printf("\nsummary base_url=%s symbol=%s pass=%d fail=%d skip=%d duration=%s\n",
		r.BaseURL,
		r.Symbol,
		pass,
		fail,
		skip,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
