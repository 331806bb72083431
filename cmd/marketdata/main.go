package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/config"
	"github.com/uoaths/harmony/internal/exchange/binance"
	"github.com/uoaths/harmony/internal/journal"
	"github.com/uoaths/harmony/internal/logging"
)

const (
	defaultOutDir = "data/binance"
	batchLimit    = 1000
)

// tickLine is the layout the replay feed reads back.
type tickLine struct {
	Time      string          `json:"time"`
	Timestamp int64           `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
}

type klineSource interface {
	Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]binance.Kline, error)
}

type fetcher struct {
	source   klineSource
	writer   *journal.DailyWriter
	logger   *zap.Logger
	symbol   string
	interval string
	pause    time.Duration
	retries  int
}

func main() {
	var (
		configPath string
		envFile    string
		symbol     string
		interval   string
		months     int
		startRaw   string
		endRaw     string
		outDir     string
	)
	flag.StringVar(&configPath, "config", "", "config yaml path; exchange and log sections are used")
	flag.StringVar(&envFile, "env", "", "dotenv file")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	flag.StringVar(&interval, "interval", "1m", "kline interval, e.g. 1m/5m/15m/1h")
	flag.IntVar(&months, "months", 6, "how many months to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fatal(err.Error())
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer closeLog()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.TrimSpace(interval)
	if symbol == "" || interval == "" {
		fatal("symbol/interval are required")
	}
	start, end, err := resolveWindow(time.Now(), months, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	targetDir := filepath.Join(outDir, symbol, interval)
	writer, err := journal.NewDailyWriter(targetDir, true)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.Close(); closeErr != nil {
			logger.Warn("close writer failed", zap.Error(closeErr))
		}
	}()

	client := binance.NewClient(cfg.Exchange, "", "", logger)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := &fetcher{
		source:   client,
		writer:   writer,
		logger:   logger,
		symbol:   symbol,
		interval: interval,
		pause:    120 * time.Millisecond,
		retries:  5,
	}
	logger.Info("fetching klines",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Time("from", start),
		zap.Time("to", end.Add(-time.Millisecond)),
	)
	total, requests, err := f.run(ctx, start, end)
	if err != nil {
		logger.Error("fetch failed", zap.Error(err), zap.Int("records", total))
		closeLog()
		os.Exit(1)
	}
	logger.Info("done",
		zap.Int("records", total),
		zap.Int("requests", requests),
		zap.String("output", targetDir),
	)
}

// run writes every kline opening in [start, end) and returns the record
// and request counts.
func (f *fetcher) run(ctx context.Context, start, end time.Time) (int, int, error) {
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()
	total, requests := 0, 0
	for startMs < endMs {
		batch, err := f.fetch(ctx, startMs, endMs-1)
		if err != nil {
			return total, requests, err
		}
		requests++
		if len(batch) == 0 {
			break
		}
		advanced := false
		for _, k := range batch {
			if k.OpenTime >= endMs || k.OpenTime < startMs {
				continue
			}
			if err := f.write(k); err != nil {
				return total, requests, err
			}
			total++
			startMs = k.OpenTime + 1
			advanced = true
		}
		if !advanced {
			break
		}
		if requests%20 == 0 {
			f.logger.Info("progress",
				zap.Int("requests", requests),
				zap.Int("records", total),
				zap.Time("last", time.UnixMilli(startMs).UTC()),
			)
		}
		if err := sleep(ctx, f.pause); err != nil {
			return total, requests, err
		}
	}
	return total, requests, f.writer.Sync()
}

func (f *fetcher) write(k binance.Kline) error {
	ts := time.UnixMilli(k.OpenTime).UTC()
	encoded, err := json.Marshal(tickLine{
		Time:      ts.Format(time.RFC3339),
		Timestamp: k.OpenTime,
		Symbol:    f.symbol,
		Interval:  f.interval,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Price:     k.Close,
		Volume:    k.Volume,
	})
	if err != nil {
		return err
	}
	return f.writer.Write(ts.Format("2006-01-02"), encoded)
}

// fetch retries transport failures and throttling with a growing pause.
// Other exchange errors are returned at once.
func (f *fetcher) fetch(ctx context.Context, startMs, endMs int64) ([]binance.Kline, error) {
	var lastErr error
	for attempt := 0; attempt < f.retries; attempt++ {
		batch, err := f.source.Klines(ctx, f.symbol, f.interval, startMs, endMs, batchLimit)
		if err == nil {
			return batch, nil
		}
		if _, ok := binance.AsAPIError(err); ok && !binance.IsThrottled(err) {
			return nil, err
		}
		lastErr = err
		f.logger.Warn("klines request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		if err := sleep(ctx, time.Duration(attempt+1)*500*time.Millisecond); err != nil {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("fetch klines failed")
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func resolveWindow(now time.Time, months int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		end := now.UTC()
		return end.AddDate(0, -months, 0), end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, startDateOnly, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if startDateOnly {
		start = truncateDay(start)
	}
	if endDateOnly {
		end = truncateDay(end).Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		return t, err == nil, err
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
