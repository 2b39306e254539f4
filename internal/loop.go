package internal

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned when work is handed to a loop that has stopped.
var ErrLoopStopped = errors.New("loop stopped")

// Loop is a single-threaded execution context. Functions posted to it run
// one at a time, in order, on the goroutine that called Run. Components
// mounted on the loop are torn down when the loop stops.
type Loop struct {
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// NewLoop creates a Loop. Nothing runs until Run is called.
func NewLoop(logger *zap.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		log:    logger.With(zap.String("component", "loop")),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop. It returns false if the loop has
// stopped, in which case fn never runs.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run processes posted work until ctx is cancelled. Work still queued at
// that point is discarded and every mounted component is torn down.
// A loop runs at most once; later calls return ErrLoopStopped.
func (l *Loop) Run(ctx context.Context) error {
	if l.Stopped() {
		return ErrLoopStopped
	}
	defer l.stop()

	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) stop() {
	l.mu.Lock()
	dropped := len(l.queue)
	l.queue = nil
	l.stopped = true
	l.mu.Unlock()

	l.cancel()
	if dropped > 0 {
		l.log.Debug("discarded queued work", zap.Int("count", dropped))
	}
}

// Stopped reports whether the loop has stopped accepting work.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Mount returns the lifecycle context for a component owned by the loop.
// The context is cancelled by unmount or when the loop stops.
func (l *Loop) Mount(name string) (ctx context.Context, unmount func()) {
	ctx, cancel := context.WithCancel(l.ctx)
	l.log.Debug("component mounted", zap.String("name", name))

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			l.log.Debug("component unmounted", zap.String("name", name))
		})
	}
}
