package journal

import (
	"os"
	"path/filepath"
	"sync"
)

// DailyWriter writes lines into <root>/<YYYY-MM-DD>.jsonl and keeps the
// current day's file open until the date changes.
type DailyWriter struct {
	root     string
	truncate bool

	mu          sync.Mutex
	currentDate string
	currentFile *os.File
}

// NewDailyWriter appends to existing day files unless truncate is set, in
// which case each day file is rewritten the first time it is opened.
func NewDailyWriter(root string, truncate bool) (*DailyWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DailyWriter{root: root, truncate: truncate}, nil
}

func (w *DailyWriter) Root() string {
	return w.root
}

func (w *DailyWriter) Write(date string, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(date); err != nil {
		return err
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	_, err := w.currentFile.Write(buf)
	return err
}

func (w *DailyWriter) rotateLocked(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.closeLocked(); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if w.truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(filepath.Join(w.root, date+".jsonl"), flags, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

// Sync flushes the open day file to disk.
func (w *DailyWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	return w.currentFile.Sync()
}

func (w *DailyWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *DailyWriter) closeLocked() error {
	if w.currentFile == nil {
		return nil
	}
	f := w.currentFile
	w.currentFile = nil
	w.currentDate = ""
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
