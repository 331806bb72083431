// Package alert delivers operator notifications off the request path.
package alert

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the engine, breaker and exchange client report to.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	sendTimeout               = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// Coalesce holds back repeats of the same event for the same symbol
	// inside the window. The next one delivered carries the count.
	Coalesce time.Duration
	Logger   *zap.Logger

	now func() time.Time
}

// Manager queues events and delivers them from one goroutine. Important
// never blocks; a full queue drops the event and counts it.
type Manager struct {
	source   string
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	queue chan alertEvent
	stop  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropReportInterval time.Duration
	dropped            atomic.Uint64
	droppedWindow      atomic.Uint64

	// owned by the delivery goroutine
	coalesce   time.Duration
	lastSent   map[string]time.Time
	suppressed map[string]int
}

type alertEvent struct {
	event  string
	fields map[string]string
}

func (ev alertEvent) key() string {
	return ev.event + "|" + ev.fields["symbol"]
}

// NewManager returns nil without a notifier; a nil Manager ignores events.
func NewManager(source string, notifier Notifier, logger *zap.Logger) *Manager {
	return NewManagerWithOptions(source, notifier, ManagerOptions{Logger: logger, DropReportInterval: defaultDropReportInterval})
}

func NewManagerWithOptions(source string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	m := &Manager{
		source:             source,
		notifier:           notifier,
		logger:             opts.Logger,
		now:                opts.now,
		queue:              make(chan alertEvent, opts.QueueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: max(opts.DropReportInterval, 0),
		coalesce:           max(opts.Coalesce, 0),
		lastSent:           make(map[string]time.Time),
		suppressed:         make(map[string]int),
	}
	m.wg.Add(1)
	go m.deliver()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.reportDrops()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := alertEvent{event: event, fields: cloneFields(fields)}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
		return
	default:
	}
	total := m.dropped.Add(1)
	// first drop of a window is logged now, the rest in the summary
	if m.droppedWindow.Add(1) == 1 {
		m.logger.Warn("alert dropped",
			zap.String("event", "alert_queue_dropped"),
			zap.String("target_event", event),
			zap.Uint64("dropped_total", total),
			zap.Int("queue_cap", cap(m.queue)),
		)
	}
}

// Close stops intake, flushes the queue and waits for delivery or ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deliver() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportSuppressed()
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDrops() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	window := m.droppedWindow.Swap(0)
	if window == 0 {
		return
	}
	m.logger.Warn("alerts dropped since last report",
		zap.String("event", "alert_queue_dropped_report"),
		zap.Uint64("dropped_since_last", window),
		zap.Uint64("dropped_total", m.dropped.Load()),
		zap.Duration("report_interval", m.dropReportInterval),
	)
}

// reportSuppressed logs repeats that never got a later delivery to ride on.
func (m *Manager) reportSuppressed() {
	for key, n := range m.suppressed {
		m.logger.Info("coalesced alerts not delivered",
			zap.String("event", "alert_coalesced_pending"),
			zap.String("key", key),
			zap.Int("count", n),
		)
	}
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return m.dropped.Load(), m.droppedWindow.Load()
}

func (m *Manager) send(ev alertEvent) {
	now := m.now()
	if m.coalesce > 0 {
		key := ev.key()
		if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.coalesce {
			m.suppressed[key]++
			return
		}
		if n := m.suppressed[key]; n > 0 {
			if ev.fields == nil {
				ev.fields = make(map[string]string, 1)
			}
			ev.fields["repeated"] = strconv.Itoa(n)
			delete(m.suppressed, key)
		}
		m.lastSent[key] = now
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.message(now, ev)); err != nil {
		m.logger.Error("alert delivery failed",
			zap.String("event", "alert_notify_failed"),
			zap.String("target_event", ev.event),
			zap.Error(err),
		)
	}
}

func (m *Manager) message(at time.Time, ev alertEvent) string {
	var b strings.Builder
	b.WriteString("[harmony] important\n")
	b.WriteString("time: " + at.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("source: " + m.source + "\n")
	b.WriteString("event: " + ev.event)
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + ev.fields[k])
	}
	return b.String()
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
