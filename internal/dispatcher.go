package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/tylergannon/go-signal"
	"go.uber.org/zap"
	kexec "k8s.io/utils/exec"
)

// Action is the downstream request issued when a debounce window elapses.
type Action struct {
	Type string `json:"type" toml:"type" validate:"required"`
	ID   string `json:"id" toml:"id"`
}

func (a Action) String() string {
	if a.ID == "" {
		return a.Type
	}
	return fmt.Sprintf("%s(%s)", a.Type, a.ID)
}

// DispatchResult describes one completed dispatch.
type DispatchResult struct {
	Seq        uint64    `json:"seq"`
	Action     Action    `json:"action"`
	Output     string    `json:"output,omitempty"`
	ExitCode   int       `json:"exitCode"`
	Error      string    `json:"error,omitempty"`
	Attempts   uint      `json:"attempts"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Failed reports whether the dispatch ended in an error.
func (r DispatchResult) Failed() bool {
	return r.Error != "" || r.ExitCode != 0
}

// DispatcherConfig controls how actions are carried out.
type DispatcherConfig struct {
	WorkspacePath string
	// Command is run for every dispatch when set. The action type and id are
	// exported as CLICK_ACTION and CLICK_ACTION_ID.
	Command    []string
	Attempts   uint
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Dispatcher runs actions off the caller's goroutine and keeps the latest
// result. Readers of Latest block while a dispatch is pending.
type Dispatcher struct {
	config   DispatcherConfig
	executor kexec.Interface
	log      *zap.Logger
	metrics  *Metrics

	seq     atomic.Uint64
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastSet uint64
	minSeq  uint64
	valid   bool
	// ready is closed once latest holds a result. One goroutine waits on
	// the signal per invalidation, however many readers give up.
	ready chan struct{}

	// Holds the latest completed dispatch.
	latest *signal.Signal[DispatchResult]
}

// NewDispatcher creates a Dispatcher. executor may be nil when no command is
// configured.
func NewDispatcher(config DispatcherConfig, executor kexec.Interface, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if config.Attempts == 0 {
		config.Attempts = 1
	}
	return &Dispatcher{
		config:   config,
		executor: executor,
		log:      logger.With(zap.String("component", "dispatcher")),
		metrics:  metrics,
		latest:   signal.New[DispatchResult](),
	}
}

// Dispatch starts carrying out action and returns its sequence number
// without waiting for it to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action) uint64 {
	seq := d.seq.Add(1)
	d.log.Info("dispatching action", zap.Stringer("action", action), zap.Uint64("seq", seq))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		result := d.run(ctx, seq, action)
		d.record(result)
	}()
	return seq
}

func (d *Dispatcher) run(ctx context.Context, seq uint64, action Action) (result DispatchResult) {
	result = DispatchResult{Seq: seq, Action: action, StartedAt: time.Now()}
	defer func() {
		result.FinishedAt = time.Now()
	}()

	if len(d.config.Command) == 0 || d.executor == nil {
		result.Attempts = 1
		return result
	}

	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	err := retry.Do(
		func() error {
			result.Attempts++
			output, exitCode, err := d.runCommand(ctx, action)
			result.Output = output
			result.ExitCode = exitCode
			if err != nil {
				return err
			}
			if exitCode != 0 {
				return fmt.Errorf("%s exited with status %d", d.config.Command[0], exitCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.config.Attempts),
		retry.Delay(d.config.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.log.Warn("dispatch attempt failed", zap.Uint64("seq", seq), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// runCommand runs the configured command once and returns its combined
// output and exit code. err is set only when the command could not run.
func (d *Dispatcher) runCommand(ctx context.Context, action Action) (output string, exitCode int, err error) {
	cmd := d.executor.CommandContext(ctx, d.config.Command[0], d.config.Command[1:]...)
	if d.config.WorkspacePath != "" {
		cmd.SetDir(d.config.WorkspacePath)
	}
	cmd.SetEnv(append(os.Environ(), "CLICK_ACTION="+action.Type, "CLICK_ACTION_ID="+action.ID))

	out, err := cmd.CombinedOutput()
	output = strings.TrimRight(string(out), "\n")
	if err != nil {
		var exitErr kexec.ExitError
		if errors.As(err, &exitErr) {
			return output, exitErr.ExitStatus(), nil
		}
		return output, -1, err
	}
	return output, 0, nil
}

func (d *Dispatcher) record(result DispatchResult) {
	outcome := "ok"
	if result.Failed() {
		outcome = "failed"
		d.log.Error("dispatch failed",
			zap.Uint64("seq", result.Seq),
			zap.Stringer("action", result.Action),
			zap.Int("exitCode", result.ExitCode),
			zap.String("error", result.Error),
		)
	} else {
		d.log.Info("dispatch completed", zap.Uint64("seq", result.Seq), zap.Stringer("action", result.Action))
	}
	d.metrics.dispatched(outcome, result.FinishedAt.Sub(result.StartedAt).Seconds())

	d.mu.Lock()
	defer d.mu.Unlock()
	// An older dispatch finishing late must not replace a newer result.
	if result.Seq < d.lastSet || result.Seq < d.minSeq {
		return
	}
	d.lastSet = result.Seq
	d.valid = true
	d.latest.Set(result)
}

// Latest blocks until a dispatch has completed and returns its result.
// If a click is pending, this blocks until its window fires and the
// dispatch finishes.
func (d *Dispatcher) Latest() DispatchResult {
	return d.latest.Get()
}

// LatestContext is Latest but gives up when ctx is done.
func (d *Dispatcher) LatestContext(ctx context.Context) (DispatchResult, error) {
	for {
		d.mu.Lock()
		if d.valid {
			// Set and Invalidate only happen under mu, so this cannot block.
			result := d.latest.Get()
			d.mu.Unlock()
			return result, nil
		}
		ready := d.readyLocked()
		d.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return DispatchResult{}, ctx.Err()
		}
	}
}

func (d *Dispatcher) readyLocked() <-chan struct{} {
	if d.ready == nil {
		ready := make(chan struct{})
		d.ready = ready
		go func() {
			d.latest.Get()
			close(ready)
		}()
	}
	return d.ready
}

// Invalidate makes Latest block until the next dispatch completes.
func (d *Dispatcher) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minSeq = d.seq.Load() + 1
	if d.valid {
		// Readers of the next result get a fresh waiter.
		d.ready = nil
	}
	d.valid = false
	d.latest.Invalidate()
}

// Dispatched returns the number of dispatches started.
func (d *Dispatcher) Dispatched() uint64 {
	return d.seq.Load()
}

// Wait blocks until every started dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
