package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DefaultDebounceTime is the quiet period used when no debounce time is given.
const DefaultDebounceTime = 500 * time.Millisecond

// ConfigurationError reports an invalid setting rejected at construction or
// config load time. Values are never clamped.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// Debouncer coalesces rapid triggers into a single callback after a quiet period.
// Each call to Trigger resets the timer. The callback fires only after the
// interval has elapsed with no new triggers.
//
// The zero value is not usable; use NewDebouncer to create a Debouncer.
type Debouncer struct {
	interval time.Duration
	callback func()
	clock    clock.WithDelayedExecution
	dispatch func(func()) bool
	owner    context.Context
	log      *zap.Logger
	metrics  *Metrics

	mu     sync.Mutex
	timer  clock.Timer
	armed  bool
	gen    uint64
	closed bool
}

// DebouncerOption configures a Debouncer.
type DebouncerOption func(*Debouncer)

// WithDebounceTime sets the quiet period. Negative values are rejected by
// NewDebouncer.
func WithDebounceTime(d time.Duration) DebouncerOption {
	return func(db *Debouncer) { db.interval = d }
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(c clock.WithDelayedExecution) DebouncerOption {
	return func(db *Debouncer) { db.clock = c }
}

// WithDispatcher runs each firing through dispatch instead of the timer
// goroutine, so the callback executes on the owner's execution context.
// dispatch returns false when the work was dropped.
func WithDispatcher(dispatch func(func()) bool) DebouncerOption {
	return func(db *Debouncer) { db.dispatch = dispatch }
}

// WithContext ties the Debouncer to its owner. When ctx is done the
// Debouncer is closed and no pending window fires.
func WithContext(ctx context.Context) DebouncerOption {
	return func(db *Debouncer) { db.owner = ctx }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) DebouncerOption {
	return func(db *Debouncer) { db.log = l }
}

// WithMetrics records triggers, fires and cancelled windows.
func WithMetrics(m *Metrics) DebouncerOption {
	return func(db *Debouncer) { db.metrics = m }
}

// NewDebouncer creates a new Debouncer that will call callback after the
// debounce time has elapsed since the last Trigger call.
func NewDebouncer(callback func(), opts ...DebouncerOption) (*Debouncer, error) {
	d := &Debouncer{
		interval: DefaultDebounceTime,
		callback: callback,
		clock:    clock.RealClock{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.callback == nil {
		return nil, &ConfigurationError{Field: "callback", Reason: "must not be nil"}
	}
	if d.interval < 0 {
		return nil, &ConfigurationError{Field: "debounce time", Value: d.interval, Reason: "must not be negative"}
	}

	if d.owner != nil {
		if d.owner.Err() != nil {
			d.closed = true
		} else {
			context.AfterFunc(d.owner, d.Close)
		}
	}
	return d, nil
}

// UseDebounce returns a handle that triggers a Debouncer bound to ctx. The
// pending window is cancelled when ctx is done.
func UseDebounce(ctx context.Context, callback func(), opts ...DebouncerOption) (func(), error) {
	d, err := NewDebouncer(callback, append(opts, WithContext(ctx))...)
	if err != nil {
		return nil, err
	}
	return d.Trigger, nil
}

// Interval returns the debounce time.
func (d *Debouncer) Interval() time.Duration {
	return d.interval
}

// Trigger resets the debounce timer. If no further Trigger calls occur within
// the interval, the callback will be invoked.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.Debug("trigger ignored after teardown")
		return
	}

	d.metrics.triggered()
	if d.timer != nil {
		d.timer.Stop()
		d.metrics.windowReset()
	} else {
		d.metrics.armed(1)
	}

	d.gen++
	gen := d.gen
	d.armed = true
	d.timer = d.clock.AfterFunc(d.interval, func() { d.elapsed(gen) })
}

// elapsed runs on the timer goroutine.
func (d *Debouncer) elapsed(gen uint64) {
	if d.dispatch == nil {
		d.fire(gen)
		return
	}
	if !d.dispatch(func() { d.fire(gen) }) {
		d.log.Debug("debounced callback dropped by dispatcher")
		d.disarm(gen)
	}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A newer Trigger, Stop or Close supersedes this window.
	if d.closed || !d.armed || d.gen != gen || (d.owner != nil && d.owner.Err() != nil) {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.mu.Unlock()

	d.metrics.armed(-1)
	d.metrics.fired()
	d.log.Debug("debounce window elapsed", zap.Duration("interval", d.interval))
	d.callback()
}

func (d *Debouncer) disarm(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.armed && d.gen == gen {
		d.armed = false
		d.timer = nil
		d.metrics.armed(-1)
		d.metrics.cancelled()
	}
}

// Armed reports whether a window is counting down.
func (d *Debouncer) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// Stop cancels any pending callback. It is safe to call Trigger again after Stop.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Close cancels any pending callback and makes later Trigger calls no-ops.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.cancelLocked()
	d.closed = true
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.armed {
		d.armed = false
		d.metrics.armed(-1)
		d.metrics.cancelled()
		d.log.Debug("pending debounce window cancelled")
	}
	// Invalidate any firing already handed to the dispatcher.
	d.gen++
}
