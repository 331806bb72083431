// Package safety stops order placement after repeated failures.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/alert"
	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/execution"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const defaultCooldown = 30 * time.Second

// Breaker guards order placement. It opens after maxFailures consecutive
// failures, rejects placements for cooldown, then lets a single probe
// through. A nil or disabled Breaker lets everything through.
type Breaker struct {
	enabled     bool
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	openErr  error
	probing  bool
	now      func() time.Time

	logger  *zap.Logger
	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxFailures int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:     enabled,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
}

func (b *Breaker) SetLogger(logger *zap.Logger) {
	if b == nil || logger == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) active() bool {
	return b != nil && b.enabled && b.maxFailures >= 1
}

// Allow reports whether a placement may go out now. Once the cooldown has
// elapsed the first caller becomes the half-open probe; others keep
// getting ErrCircuitOpen until the probe is recorded.
func (b *Breaker) Allow() error {
	if !b.active() {
		return nil
	}
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateHalfOpen:
		if b.probing {
			err := b.openErrLocked()
			b.mu.Unlock()
			return err
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		err := b.openErrLocked()
		b.mu.Unlock()
		return err
	}
	b.state = StateHalfOpen
	b.probing = true
	logger, alerter := b.logger, b.alerter
	b.mu.Unlock()

	logger.Info("circuit breaker half open",
		zap.String("event", "circuit_breaker_half_open"),
		zap.Duration("cooldown", b.cooldown),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
		})
	}
	return nil
}

// CooldownRemaining is zero unless the breaker is open.
func (b *Breaker) CooldownRemaining() time.Duration {
	if !b.active() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	if elapsed := b.now().Sub(b.openedAt); elapsed < b.cooldown {
		return b.cooldown - elapsed
	}
	return 0
}

// Record feeds a placement outcome. It returns the open error when this
// failure trips the breaker.
func (b *Breaker) Record(err error) error {
	if !b.active() {
		return nil
	}
	b.mu.Lock()
	if err == nil {
		prevFailures, prevState := b.failures, b.state
		recovered := prevFailures > 0 || prevState != StateClosed
		b.state = StateClosed
		b.failures = 0
		b.openErr = nil
		b.openedAt = time.Time{}
		b.probing = false
		logger, alerter := b.logger, b.alerter
		b.mu.Unlock()
		if recovered {
			logger.Info("circuit breaker recovered",
				zap.String("event", "circuit_breaker_recovered"),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	switch b.state {
	case StateOpen:
		openErr := b.openErrLocked()
		b.mu.Unlock()
		return openErr
	case StateHalfOpen:
		openErr := b.tripLocked(err, "half_open_probe_failed")
		failures, logger, alerter := b.failures, b.logger, b.alerter
		b.mu.Unlock()
		b.announceTrip(logger, alerter, "half_open", failures, err)
		return openErr
	}

	b.failures++
	failures := b.failures
	logger, alerter := b.logger, b.alerter
	if failures < b.maxFailures {
		b.mu.Unlock()
		if failures == b.maxFailures-1 {
			logger.Warn("circuit breaker near trip",
				zap.String("event", "circuit_breaker_near_trip"),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", b.maxFailures),
				zap.Error(err),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(b.maxFailures),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}
	openErr := b.tripLocked(err, "consecutive_failures")
	b.mu.Unlock()
	b.announceTrip(logger, alerter, "closed", failures, err)
	return openErr
}

// release hands the half-open probe slot back without an outcome.
func (b *Breaker) release() {
	if !b.active() {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) announceTrip(logger *zap.Logger, alerter alert.Alerter, phase string, failures int, err error) {
	logger.Error("circuit breaker tripped",
		zap.String("event", "circuit_breaker_trip"),
		zap.String("phase", phase),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", b.maxFailures),
		zap.Error(err),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(b.maxFailures),
			"last_error":           err.Error(),
		})
	}
}

func (b *Breaker) openErrLocked() error {
	if b.openErr == nil {
		b.openErr = fmt.Errorf("%w: place order circuit is open", ErrCircuitOpen)
	}
	return b.openErr
}

func (b *Breaker) tripLocked(err error, reason string) error {
	if b.failures < 1 {
		b.failures = b.maxFailures
	}
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
	b.openErr = fmt.Errorf("%w: place order failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, b.failures, b.cooldown, reason, err)
	return b.openErr
}

// GuardedTrader records every placement of the wrapped trader. Rejections
// caused by the order itself (filter errors raised before anything reaches
// the exchange) do not count.
type GuardedTrader struct {
	inner   execution.Trader
	breaker *Breaker
}

var _ execution.Trader = (*GuardedTrader)(nil)

func NewGuardedTrader(inner execution.Trader, breaker *Breaker) *GuardedTrader {
	return &GuardedTrader{inner: inner, breaker: breaker}
}

// Unwrap returns the guarded trader.
func (g *GuardedTrader) Unwrap() execution.Trader {
	return g.inner
}

func (g *GuardedTrader) Buy(ctx context.Context, price, quoteQty decimal.Decimal) (core.OrderFill, error) {
	return g.guard(func() (core.OrderFill, error) { return g.inner.Buy(ctx, price, quoteQty) })
}

func (g *GuardedTrader) Sell(ctx context.Context, price, baseQty decimal.Decimal) (core.OrderFill, error) {
	return g.guard(func() (core.OrderFill, error) { return g.inner.Sell(ctx, price, baseQty) })
}

func (g *GuardedTrader) guard(place func() (core.OrderFill, error)) (core.OrderFill, error) {
	if err := g.breaker.Allow(); err != nil {
		return core.OrderFill{}, fmt.Errorf("%w: %w", core.ErrExecution, err)
	}
	fill, err := place()
	if err != nil && !errors.Is(err, core.ErrExecution) {
		g.breaker.release()
		return fill, err
	}
	if trip := g.breaker.Record(err); trip != nil {
		return fill, fmt.Errorf("%w: %w", err, trip)
	}
	return fill, err
}
