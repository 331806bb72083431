package backtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Tick struct {
	Time  time.Time
	Price decimal.Decimal
}

type Feed interface {
	Next() (Tick, error)
	Close() error
}

// SliceFeed replays ticks held in memory.
type SliceFeed struct {
	ticks []Tick
	index int
}

func NewSliceFeed(ticks []Tick) *SliceFeed {
	return &SliceFeed{ticks: ticks}
}

// PriceFeed builds a feed from bare prices, one second apart starting at
// start.
func PriceFeed(start time.Time, prices []decimal.Decimal) *SliceFeed {
	ticks := make([]Tick, len(prices))
	for i, p := range prices {
		ticks[i] = Tick{Time: start.Add(time.Duration(i) * time.Second), Price: p}
	}
	return NewSliceFeed(ticks)
}

func (f *SliceFeed) Next() (Tick, error) {
	if f.index >= len(f.ticks) {
		return Tick{}, io.EOF
	}
	t := f.ticks[f.index]
	f.index++
	return t, nil
}

func (f *SliceFeed) Close() error { return nil }

// JSONLFeed reads one tick per line from a file, or from every .jsonl file
// of a directory in name order. Lines carry time or timestamp plus price or
// a kline close; anything else is skipped.
type JSONLFeed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
}

func NewJSONLFeed(path string) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	return &JSONLFeed{paths: paths}, nil
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *JSONLFeed) Next() (Tick, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return Tick{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return Tick{}, err
			}
			_ = f.Close()
			f.index++
			continue
		}
		if tick, ok := parseTickLine(f.scanner.Bytes()); ok {
			return tick, nil
		}
	}
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

type tickLine struct {
	Time      json.RawMessage `json:"time"`
	Timestamp json.RawMessage `json:"timestamp"`
	Price     json.RawMessage `json:"price"`
	Close     json.RawMessage `json:"close"`
}

func parseTickLine(line []byte) (Tick, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Tick{}, false
	}
	var raw tickLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Tick{}, false
	}
	ts, ok := parseTime(raw.Timestamp)
	if !ok {
		ts, ok = parseTime(raw.Time)
	}
	if !ok {
		return Tick{}, false
	}
	price, ok := parsePrice(raw.Price)
	if !ok {
		price, ok = parsePrice(raw.Close)
	}
	if !ok || price.Sign() <= 0 {
		return Tick{}, false
	}
	return Tick{Time: ts, Price: price}, true
}

func unquote(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unq, err := strconv.Unquote(s); err == nil {
		return strings.TrimSpace(unq)
	}
	return s
}

func parseTime(raw json.RawMessage) (time.Time, bool) {
	s := unquote(raw)
	if s == "" || s == "null" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// millisecond timestamps from the exchange, seconds otherwise
		if n >= 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parsePrice(raw json.RawMessage) (decimal.Decimal, bool) {
	s := unquote(raw)
	if s == "" || s == "null" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

var (
	_ Feed = (*JSONLFeed)(nil)
	_ Feed = (*SliceFeed)(nil)
)
