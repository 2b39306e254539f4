package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	kexec "k8s.io/utils/exec"
)

// App wires the loop, the button, its dispatcher and the click sources
// together for the start command.
type App struct {
	config     *Config
	workspace  string
	socketPath string
	log        *zap.Logger

	metrics    *Metrics
	loop       *Loop
	dispatcher *Dispatcher
	button     *Button
	server     *Server

	// newFSWatcher is replaced in tests.
	newFSWatcher func() (FSWatcher, error)
}

// NewApp builds the components. Nothing runs until Run is called.
func NewApp(config *Config, workspace string, executor kexec.Interface, logger *zap.Logger) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	socketPath, err := config.SocketPath(workspace)
	if err != nil {
		return nil, fmt.Errorf("socket path: %w", err)
	}

	metrics := NewMetrics()
	loop := NewLoop(logger)
	dispatcher := NewDispatcher(config.DispatcherConfig(workspace), executor, logger, metrics)

	button, err := NewButton(loop, dispatcher, config.ButtonConfig(), logger, metrics)
	if err != nil {
		return nil, err
	}

	return &App{
		config:     config,
		workspace:  workspace,
		socketPath: socketPath,
		log:        logger,
		metrics:    metrics,
		loop:       loop,
		dispatcher: dispatcher,
		button:     button,
		server:     NewServer(socketPath, button, dispatcher, metrics, logger),
		newFSWatcher: func() (FSWatcher, error) {
			return NewRealFSWatcher(logger)
		},
	}, nil
}

// Button returns the mounted button.
func (a *App) Button() *Button {
	return a.button
}

// SocketPath returns the socket the server listens on.
func (a *App) SocketPath() string {
	return a.socketPath
}

// Run serves clicks until ctx is cancelled, a stop is requested over the
// socket, or input asks to quit. input may be nil.
func (a *App) Run(ctx context.Context, input io.Reader) error {
	if SocketExists(a.socketPath) {
		return fmt.Errorf("server already running (socket exists at %s)", a.socketPath)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- a.loop.Run(ctx) }()

	if err := a.server.Start(); err != nil {
		cancel()
		<-loopDone
		return fmt.Errorf("start server: %w", err)
	}
	a.log.Info("server started",
		zap.String("socket", a.socketPath),
		zap.String("label", a.config.Button.Label),
		zap.Duration("debounceTime", time.Duration(a.config.Button.DebounceTime)),
	)

	var watcher *Watcher
	if len(a.config.Watch.Recursive) > 0 || len(a.config.Watch.NonRecursive) > 0 {
		fsWatcher, err := a.newFSWatcher()
		if err != nil {
			a.button.Unmount()
			cancel()
			<-loopDone
			result := multierror.Append(nil, fmt.Errorf("create filesystem watcher: %w", err))
			if stopErr := a.server.Stop(context.Background()); stopErr != nil {
				result = multierror.Append(result, stopErr)
			}
			return result
		}
		watcher = NewWatcher(WatcherConfig{
			WorkspacePath:    a.workspace,
			RecursiveDirs:    a.config.Watch.Recursive,
			NonRecursiveDirs: a.config.Watch.NonRecursive,
			IgnoreExtensions: a.config.Watch.IgnoreExtensions,
		}, a.button.Click, fsWatcher, a.log)
		go watcher.Start(ctx)
		a.log.Info("watching for changes",
			zap.Strings("nonRecursive", a.config.Watch.NonRecursive),
			zap.Strings("recursive", a.config.Watch.Recursive),
		)
	}

	quitCh := make(chan struct{})
	if input != nil {
		go a.consumeInput(ctx, input, quitCh)
	}

	select {
	case <-ctx.Done():
	case <-a.server.ShutdownCh():
		a.log.Info("stop requested")
	case <-quitCh:
		a.log.Info("quit requested")
	}

	return a.shutdown(cancel, loopDone, watcher)
}

func (a *App) shutdown(cancel context.CancelFunc, loopDone <-chan error, watcher *Watcher) error {
	a.log.Info("shutting down")

	// Tear the button down first so no pending window fires mid-shutdown.
	a.button.Unmount()

	var result *multierror.Error
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close watcher: %w", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop server: %w", err))
	}

	cancel()
	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, fmt.Errorf("loop: %w", err))
	}
	a.dispatcher.Wait()

	a.log.Info("server stopped")
	return result.ErrorOrNil()
}

// consumeInput feeds interpreted input events to the button. It closes
// quitCh when the input asks to quit.
func (a *App) consumeInput(ctx context.Context, input io.Reader, quitCh chan<- struct{}) {
	events := make(chan InputEvent)
	go func() {
		if err := InterpretInput(input, events); err != nil {
			a.log.Error("input error", zap.Error(err))
		}
		close(events)
	}()
	// The interpreter keeps sending until input ends; discard the rest.
	defer func() {
		go func() {
			for range events {
			}
		}()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch e := event.(type) {
			case ClickInput:
				if !a.button.Click() {
					a.log.Warn("click ignored, button is unmounted", zap.Int("line", e.Line))
				}
			case WaitInput:
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.Duration):
				}
			case StatusInput:
				status := a.button.Status()
				a.log.Info("status",
					zap.Bool("mounted", status.Mounted),
					zap.Bool("armed", status.Armed),
					zap.Uint64("clicks", status.Clicks),
					zap.Uint64("fires", status.Fires),
				)
			case UnmountInput:
				a.button.Unmount()
				a.log.Info("button unmounted")
			case QuitInput:
				close(quitCh)
				return
			case InvalidInput:
				a.log.Warn("invalid input", zap.Int("line", e.Line), zap.String("text", e.Text), zap.String("reason", e.Reason))
			}
		}
	}
}
