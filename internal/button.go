package internal

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// ButtonConfig describes a debounced button.
type ButtonConfig struct {
	Label        string
	DebounceTime time.Duration
	Action       Action
	// Clock overrides the real clock, for tests.
	Clock clock.WithDelayedExecution
}

// Button is the example consumer of the debouncer: a click handler that
// dispatches its action once clicking has paused for the debounce time.
// All of its state changes happen on the loop it is mounted on.
type Button struct {
	config     ButtonConfig
	loop       *Loop
	dispatcher *Dispatcher
	log        *zap.Logger

	ctx       context.Context
	unmount   func()
	debouncer *Debouncer

	clicks atomic.Uint64
	fires  atomic.Uint64
}

// ButtonStatus is a snapshot of a button's state.
type ButtonStatus struct {
	Label        string `json:"label"`
	Mounted      bool   `json:"mounted"`
	Armed        bool   `json:"armed"`
	Clicks       uint64 `json:"clicks"`
	Fires        uint64 `json:"fires"`
	DebounceTime string `json:"debounceTime"`
	Action       Action `json:"action"`
}

// NewButton mounts a button on loop. The returned error is a
// *ConfigurationError when the debounce time is invalid.
func NewButton(loop *Loop, dispatcher *Dispatcher, config ButtonConfig, logger *zap.Logger, metrics *Metrics) (*Button, error) {
	b := &Button{
		config:     config,
		loop:       loop,
		dispatcher: dispatcher,
		log:        logger.With(zap.String("component", "button"), zap.String("label", config.Label)),
	}

	ctx, unmount := loop.Mount("button:" + config.Label)

	opts := []DebouncerOption{
		WithDebounceTime(config.DebounceTime),
		WithDispatcher(loop.Post),
		WithContext(ctx),
		WithLogger(b.log),
		WithMetrics(metrics),
	}
	if config.Clock != nil {
		opts = append(opts, WithClock(config.Clock))
	}

	d, err := NewDebouncer(b.onClick, opts...)
	if err != nil {
		unmount()
		return nil, err
	}

	b.ctx = ctx
	b.unmount = unmount
	b.debouncer = d
	return b, nil
}

// onClick is the wrapped handler. It runs on the loop.
func (b *Button) onClick() {
	b.fires.Add(1)
	b.dispatcher.Dispatch(b.ctx, b.config.Action)
}

// Click registers one click. It may be called from any goroutine and
// returns false once the button is unmounted.
func (b *Button) Click() bool {
	if b.ctx.Err() != nil {
		return false
	}
	b.clicks.Add(1)
	// Invalidate here so readers block from now on, and again on the loop
	// so a firing already queued ahead of this click cannot publish a
	// result for it.
	b.dispatcher.Invalidate()
	return b.loop.Post(func() {
		b.dispatcher.Invalidate()
		b.debouncer.Trigger()
	})
}

// Unmount tears the button down. A pending window never fires once
// Unmount has returned.
func (b *Button) Unmount() {
	b.debouncer.Close()
	b.unmount()
}

// Status returns a snapshot of the button.
func (b *Button) Status() ButtonStatus {
	return ButtonStatus{
		Label:        b.config.Label,
		Mounted:      b.ctx.Err() == nil,
		Armed:        b.debouncer.Armed(),
		Clicks:       b.clicks.Load(),
		Fires:        b.fires.Load(),
		DebounceTime: b.debouncer.Interval().String(),
		Action:       b.config.Action,
	}
}
