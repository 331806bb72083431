package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/uoaths/harmony/internal/backtest"
	"github.com/uoaths/harmony/internal/config"
	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/exchange/binance"
	"github.com/uoaths/harmony/internal/execution"
	"github.com/uoaths/harmony/internal/grid"
	"github.com/uoaths/harmony/internal/logging"
)

type options struct {
	configPath    string
	envFile       string
	symbol        string
	positionsPath string
	gridPath      string
	normsPath     string
	dataPath      string
	commission    string
	jsonOut       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config yaml path")
	flag.StringVar(&opts.envFile, "env", "", "dotenv file")
	flag.StringVar(&opts.symbol, "symbol", "BTCUSDT", "symbol to replay")
	flag.StringVar(&opts.positionsPath, "positions", "", "positions file (yaml or json list)")
	flag.StringVar(&opts.gridPath, "grid", "", "grid spec file (yaml or json); used when -positions is empty")
	flag.StringVar(&opts.normsPath, "norms", "", "exchangeInfo file; empty fetches the symbol from the exchange")
	flag.StringVar(&opts.dataPath, "data", "", "jsonl tick file or directory")
	flag.StringVar(&opts.commission, "commission", "", "commission rate; empty uses simulation.commission")
	flag.BoolVar(&opts.jsonOut, "json", false, "print the full result as json")
	flag.Parse()

	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		fatal(err.Error())
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, cfg, opts, logger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("replay canceled")
			return
		}
		closeLog()
		fatal(err.Error())
	}
	if err := printResult(os.Stdout, opts.symbol, result, opts.jsonOut); err != nil {
		fatal(err.Error())
	}
}

func run(ctx context.Context, cfg config.Config, opts options, logger *zap.Logger) (backtest.ReplayResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(opts.symbol))
	if symbol == "" || opts.dataPath == "" {
		return backtest.ReplayResult{}, errors.New("symbol and data are required")
	}
	positions, err := loadPositions(opts)
	if err != nil {
		return backtest.ReplayResult{}, err
	}
	norms, err := loadNorms(ctx, cfg, opts.normsPath, symbol, logger)
	if err != nil {
		return backtest.ReplayResult{}, err
	}
	commission := cfg.Simulation.Commission.Decimal
	if opts.commission != "" {
		if commission, err = decimal.NewFromString(opts.commission); err != nil {
			return backtest.ReplayResult{}, fmt.Errorf("commission: %w", err)
		}
	}
	sim := backtest.NewSimulatedExecutor(norms, decimal.Zero)
	if err := sim.SetCommission(commission); err != nil {
		return backtest.ReplayResult{}, err
	}
	feed, err := backtest.NewJSONLFeed(opts.dataPath)
	if err != nil {
		return backtest.ReplayResult{}, err
	}
	replay := backtest.Replay{
		Engine:    execution.NewEngine(sim, logger.With(zap.Bool("simulated", true)), nil),
		Feed:      feed,
		Symbol:    symbol,
		Norms:     norms,
		Positions: positions,
	}
	return replay.Run(ctx)
}

// loadPositions reads positions directly or derives them from a grid spec.
func loadPositions(opts options) ([]core.Position, error) {
	switch {
	case opts.positionsPath != "":
		var positions []core.Position
		if err := decodeFile(opts.positionsPath, &positions); err != nil {
			return nil, fmt.Errorf("positions: %w", err)
		}
		if len(positions) == 0 {
			return nil, errors.New("positions: file has no positions")
		}
		return positions, nil
	case opts.gridPath != "":
		var spec grid.Spec
		if err := decodeFile(opts.gridPath, &spec); err != nil {
			return nil, fmt.Errorf("grid: %w", err)
		}
		return grid.Positions(spec)
	default:
		return nil, errors.New("one of positions or grid is required")
	}
}

// decodeFile accepts yaml or json. Yaml is routed through json so that
// ranges and decimals decode the same way in both formats.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func loadNorms(ctx context.Context, cfg config.Config, path, symbol string, logger *zap.Logger) (core.SymbolNorms, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return core.SymbolNorms{}, err
		}
		norms, err := binance.ParseSymbolNorms(data)
		if err != nil {
			return core.SymbolNorms{}, fmt.Errorf("norms: %w", err)
		}
		if norms.Symbol != symbol {
			return core.SymbolNorms{}, fmt.Errorf("norms: file is for %s, not %s", norms.Symbol, symbol)
		}
		return norms, nil
	}
	client := binance.NewClient(cfg.Exchange, "", "", logger)
	defer client.Close()
	return client.SymbolNorms(ctx, symbol)
}

func printResult(w io.Writer, symbol string, r backtest.ReplayResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err := fmt.Fprintf(w,
		"summary symbol=%s ticks=%d orders=%d buys=%d sells=%d profit_quote=%s commission_quote=%s start_equity_quote=%s end_equity_quote=%s max_drawdown_quote=%s max_drawdown_pct=%s\n",
		symbol,
		r.Ticks,
		len(r.Orders),
		r.Evaluation.Buys,
		r.Evaluation.Sells,
		r.Evaluation.Profit.String(),
		r.Evaluation.Commission.String(),
		r.StartEquityQuote.String(),
		r.EndEquityQuote.String(),
		r.MaxDrawdownQuote.String(),
		r.MaxDrawdownPct.StringFixed(4),
	)
	return err
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
