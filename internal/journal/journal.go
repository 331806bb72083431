// Package journal keeps an append-only record of orders sent to the
// exchange, one JSON line per order under <dir>/orders/YYYY-MM-DD.jsonl.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
)

const dateLayout = "2006-01-02"

type Entry struct {
	Time      time.Time       `json:"time"`
	RequestID string          `json:"request_id,omitempty"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Order     core.Order      `json:"order"`
}

// Journal is safe for concurrent use. A nil Journal records nothing.
type Journal struct {
	dir    string
	lock   *DirLock
	writer *DailyWriter
	now    func() time.Time
}

// New returns nil for an empty dir. The directory is locked to this process
// until Close; a lock left by a dead process is taken over.
func New(dir string) (*Journal, error) {
	if dir == "" {
		return nil, nil
	}
	w, err := NewDailyWriter(filepath.Join(dir, "orders"), false)
	if err != nil {
		return nil, fmt.Errorf("journal dir %s: %w", dir, err)
	}
	lock, err := AcquireLock(dir, LockOptions{})
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Journal{dir: dir, lock: lock, writer: w, now: time.Now}, nil
}

// Record appends one entry per order. Entries are dated by the order
// timestamp, or by the current time when the order has none.
func (j *Journal) Record(requestID, symbol string, price decimal.Decimal, orders []core.Order) error {
	if j == nil {
		return nil
	}
	var errs []error
	for _, order := range orders {
		at := j.now().UTC()
		if order.Timestamp > 0 {
			at = time.UnixMilli(order.Timestamp).UTC()
		}
		data, err := json.Marshal(Entry{
			Time:      at,
			RequestID: requestID,
			Symbol:    symbol,
			Price:     price,
			Order:     order,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := j.writer.Write(at.Format(dateLayout), data); err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w", order.OrderID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return j.writer.Sync()
}

// ReadDay returns the entries recorded for day (UTC). A day with no file
// has no entries.
func (j *Journal) ReadDay(day time.Time) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	path := filepath.Join(j.writer.Root(), day.UTC().Format(dateLayout)+".jsonl")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return errors.Join(j.writer.Close(), j.lock.Release())
}
