package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLocked is returned when another live process owns the directory.
var ErrLocked = errors.New("journal directory is locked")

const lockName = "LOCK"

// DirLock marks a directory as owned by this process until Release.
type DirLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	// StaleAfter lets an owner-less lock older than this be taken over.
	// Locks naming a dead pid are always taken over.
	StaleAfter time.Duration
	Now        func() time.Time
}

func AcquireLock(dir string, opts LockOptions) (*DirLock, error) {
	if dir == "" {
		return nil, errors.New("lock dir required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(dir, lockName)
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := writeOwner(f, now().UTC()); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &DirLock{path: path, file: f}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func writeOwner(f *os.File, now time.Time) error {
	payload := "pid=" + strconv.Itoa(os.Getpid()) + "\nstarted_at=" + now.Format(time.RFC3339) + "\n"
	if _, err := f.WriteString(payload); err != nil {
		return err
	}
	return f.Sync()
}

type lockOwner struct {
	pid       int
	startedAt time.Time
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, "lock disappeared", nil
	}
	if err != nil {
		return false, "", err
	}
	owner := parseOwner(data)
	if owner.pid > 0 {
		if processAlive(owner.pid) {
			return false, "owner pid " + strconv.Itoa(owner.pid) + " running", nil
		}
		return true, "owner not running", nil
	}
	if owner.startedAt.IsZero() {
		return false, "owner unknown", nil
	}
	if staleAfter > 0 && now.Sub(owner.startedAt) >= staleAfter {
		return true, "lock expired", nil
	}
	return false, "lock not stale", nil
}

func parseOwner(data []byte) lockOwner {
	var owner lockOwner
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && pid > 0 {
				owner.pid = pid
			}
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
				owner.startedAt = ts.UTC()
			}
		}
	}
	return owner
}

// processAlive probes pid with signal 0. A permission error still means the
// process exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (l *DirLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
