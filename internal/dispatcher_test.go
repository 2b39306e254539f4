package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	kexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

// FakeCmd implements kexec.Cmd for testing. CombinedOutput calls the
// executor's run hook.
type FakeCmd struct {
	ctx     context.Context
	name    string
	args    []string
	dir     string
	env     []string
	stopped bool
	run     func(c *FakeCmd) ([]byte, error)
}

func (c *FakeCmd) SetDir(dir string)                    { c.dir = dir }
func (c *FakeCmd) SetStdin(in io.Reader)                {}
func (c *FakeCmd) SetStdout(out io.Writer)              {}
func (c *FakeCmd) SetStderr(out io.Writer)              {}
func (c *FakeCmd) SetEnv(env []string)                  { c.env = env }
func (c *FakeCmd) StdoutPipe() (io.ReadCloser, error)   { return io.NopCloser(&bytes.Buffer{}), nil }
func (c *FakeCmd) StderrPipe() (io.ReadCloser, error)   { return io.NopCloser(&bytes.Buffer{}), nil }
func (c *FakeCmd) Start() error                         { return nil }
func (c *FakeCmd) Wait() error                          { return nil }
func (c *FakeCmd) Run() error                           { _, err := c.CombinedOutput(); return err }
func (c *FakeCmd) Output() ([]byte, error)              { return c.CombinedOutput() }
func (c *FakeCmd) Stop()                                { c.stopped = true }
func (c *FakeCmd) SetProcessGroupCreation(_ bool)       {}
func (c *FakeCmd) SetProcessGroupPgid(_ bool)           {}
func (c *FakeCmd) SetProcessGroupPdeathsig(_ bool)      {}
func (c *FakeCmd) GetProcessGroupProcess() (*int, error) { return nil, nil }
func (c *FakeCmd) SetTerminateGracePeriod(_ time.Duration)              {}
func (c *FakeCmd) SetTerminateGracePeriodWithContext(_ context.Context) {}
func (c *FakeCmd) SetTerminateGracePeriodWithTimer(_ *time.Timer)       {}
func (c *FakeCmd) SetTerminateGracePeriodWithoutKilling()               {}

func (c *FakeCmd) CombinedOutput() ([]byte, error) {
	if c.run == nil {
		return nil, nil
	}
	return c.run(c)
}

// getenv returns the last value of key in the command's environment.
func (c *FakeCmd) getenv(key string) string {
	value := ""
	for _, kv := range c.env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			value = v
		}
	}
	return value
}

// FakeExecutor implements kexec.Interface for testing.
type FakeExecutor struct {
	mu   sync.Mutex
	cmds []*FakeCmd
	run  func(c *FakeCmd) ([]byte, error)
}

// NewFakeExecutor returns an executor whose commands answer with run.
func NewFakeExecutor(run func(c *FakeCmd) ([]byte, error)) *FakeExecutor {
	return &FakeExecutor{run: run}
}

func (e *FakeExecutor) Command(cmd string, args ...string) kexec.Cmd {
	return e.CommandContext(context.Background(), cmd, args...)
}

func (e *FakeExecutor) CommandContext(ctx context.Context, cmd string, args ...string) kexec.Cmd {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &FakeCmd{ctx: ctx, name: cmd, args: args, run: e.run}
	e.cmds = append(e.cmds, c)
	return c
}

func (e *FakeExecutor) LookPath(file string) (string, error) {
	return file, nil
}

func (e *FakeExecutor) Commands() []*FakeCmd {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeCmd(nil), e.cmds...)
}

// scripted answers successive commands with outputs and errors in order.
func scripted(results ...error) func(c *FakeCmd) ([]byte, error) {
	var mu sync.Mutex
	n := 0
	return func(c *FakeCmd) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		err := results[n]
		n++
		return []byte("attempt output\n"), err
	}
}

var testAction = Action{Type: "fetchVersions", ID: "abc"}

func TestNewDispatcher(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{WorkspacePath: "/workspace"}, nil, zap.NewNop(), nil)

	if d.config.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", d.config.Attempts)
	}
	if d.latest == nil {
		t.Error("latest signal not initialized")
	}
	if d.Dispatched() != 0 {
		t.Errorf("Dispatched() = %d, want 0", d.Dispatched())
	}
}

func TestDispatcher_WithoutCommand(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := NewDispatcher(DispatcherConfig{}, nil, zap.NewNop(), nil)

		seq := d.Dispatch(context.Background(), testAction)
		d.Wait()

		result := d.Latest()
		if result.Seq != seq {
			t.Errorf("Seq = %d, want %d", result.Seq, seq)
		}
		if result.Action != testAction {
			t.Errorf("Action = %v, want %v", result.Action, testAction)
		}
		if result.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", result.Attempts)
		}
		if result.Failed() {
			t.Errorf("dispatch without a command should not fail: %+v", result)
		}
	})
}

func TestDispatcher_RunsCommand(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		executor := NewFakeExecutor(func(c *FakeCmd) ([]byte, error) {
			return []byte("fetched abc\n\n"), nil
		})
		d := NewDispatcher(DispatcherConfig{
			WorkspacePath: "/workspace",
			Command:       []string{"./fetch.sh", "--all"},
		}, executor, zap.NewNop(), nil)

		d.Dispatch(context.Background(), testAction)
		d.Wait()

		cmds := executor.Commands()
		if len(cmds) != 1 {
			t.Fatalf("ran %d commands, want 1", len(cmds))
		}
		cmd := cmds[0]
		if cmd.name != "./fetch.sh" || len(cmd.args) != 1 || cmd.args[0] != "--all" {
			t.Errorf("command = %s %v, want ./fetch.sh [--all]", cmd.name, cmd.args)
		}
		if cmd.dir != "/workspace" {
			t.Errorf("dir = %q, want /workspace", cmd.dir)
		}
		if got := cmd.getenv("CLICK_ACTION"); got != "fetchVersions" {
			t.Errorf("CLICK_ACTION = %q, want fetchVersions", got)
		}
		if got := cmd.getenv("CLICK_ACTION_ID"); got != "abc" {
			t.Errorf("CLICK_ACTION_ID = %q, want abc", got)
		}

		result := d.Latest()
		if result.Output != "fetched abc" {
			t.Errorf("Output = %q, want %q", result.Output, "fetched abc")
		}
		if result.Failed() {
			t.Errorf("unexpected failure: %+v", result)
		}
	})
}

func TestDispatcher_NonZeroExit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		executor := NewFakeExecutor(scripted(testingexec.FakeExitError{Status: 2}))
		metrics := NewMetrics()
		d := NewDispatcher(DispatcherConfig{Command: []string{"false"}}, executor, zap.NewNop(), metrics)

		d.Dispatch(context.Background(), testAction)
		d.Wait()

		result := d.Latest()
		if result.ExitCode != 2 {
			t.Errorf("ExitCode = %d, want 2", result.ExitCode)
		}
		if !strings.Contains(result.Error, "exited with status 2") {
			t.Errorf("Error = %q, want exit status message", result.Error)
		}
		if !result.Failed() {
			t.Error("Failed() = false, want true")
		}
		if got := testutil.ToFloat64(metrics.dispatches.WithLabelValues("failed")); got != 1 {
			t.Errorf("failed dispatches = %v, want 1", got)
		}
	})
}

func TestDispatcher_CommandCannotStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		executor := NewFakeExecutor(scripted(errors.New("executable file not found")))
		d := NewDispatcher(DispatcherConfig{Command: []string{"missing"}}, executor, zap.NewNop(), nil)

		d.Dispatch(context.Background(), testAction)
		d.Wait()

		result := d.Latest()
		if result.ExitCode != -1 {
			t.Errorf("ExitCode = %d, want -1", result.ExitCode)
		}
		if !strings.Contains(result.Error, "executable file not found") {
			t.Errorf("Error = %q", result.Error)
		}
	})
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		executor := NewFakeExecutor(scripted(
			testingexec.FakeExitError{Status: 1},
			testingexec.FakeExitError{Status: 1},
			nil,
		))
		metrics := NewMetrics()
		d := NewDispatcher(DispatcherConfig{
			Command:    []string{"flaky"},
			Attempts:   3,
			RetryDelay: 200 * time.Millisecond,
		}, executor, zap.NewNop(), metrics)

		start := time.Now()
		d.Dispatch(context.Background(), testAction)
		d.Wait()

		result := d.Latest()
		if result.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", result.Attempts)
		}
		if result.Failed() {
			t.Errorf("dispatch should succeed on the third attempt: %+v", result)
		}
		if elapsed := time.Since(start); elapsed != 400*time.Millisecond {
			t.Errorf("elapsed = %v, want 400ms of retry delay", elapsed)
		}
		if got := testutil.ToFloat64(metrics.dispatches.WithLabelValues("ok")); got != 1 {
			t.Errorf("ok dispatches = %v, want 1", got)
		}
	})
}

func TestDispatcher_GivesUpAfterAttempts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		executor := NewFakeExecutor(scripted(
			testingexec.FakeExitError{Status: 1},
			testingexec.FakeExitError{Status: 3},
		))
		d := NewDispatcher(DispatcherConfig{
			Command:  []string{"broken"},
			Attempts: 2,
		}, executor, zap.NewNop(), nil)

		d.Dispatch(context.Background(), testAction)
		d.Wait()

		result := d.Latest()
		if result.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", result.Attempts)
		}
		if result.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want the last attempt's 3", result.ExitCode)
		}
		if len(executor.Commands()) != 2 {
			t.Errorf("ran %d commands, want 2", len(executor.Commands()))
		}
	})
}

func TestDispatcher_Timeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		executor := NewFakeExecutor(func(c *FakeCmd) ([]byte, error) {
			<-c.ctx.Done()
			return nil, c.ctx.Err()
		})
		d := NewDispatcher(DispatcherConfig{
			Command: []string{"sleep", "60"},
			Timeout: time.Second,
		}, executor, zap.NewNop(), nil)

		start := time.Now()
		d.Dispatch(context.Background(), testAction)
		d.Wait()

		if elapsed := time.Since(start); elapsed != time.Second {
			t.Errorf("elapsed = %v, want 1s", elapsed)
		}
		result := d.Latest()
		if !strings.Contains(result.Error, context.DeadlineExceeded.Error()) {
			t.Errorf("Error = %q, want deadline exceeded", result.Error)
		}
	})
}

// A slow dispatch finishing after a newer one must not replace its result.
func TestDispatcher_LatestKeepsNewestResult(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		executor := NewFakeExecutor(func(c *FakeCmd) ([]byte, error) {
			if c.getenv("CLICK_ACTION_ID") == "slow" {
				<-release
				return []byte("slow"), nil
			}
			return []byte("fast"), nil
		})
		d := NewDispatcher(DispatcherConfig{Command: []string{"run"}}, executor, zap.NewNop(), nil)

		d.Dispatch(context.Background(), Action{Type: "fetch", ID: "slow"})
		fast := d.Dispatch(context.Background(), Action{Type: "fetch", ID: "fast"})
		synctest.Wait()

		if got := d.Latest(); got.Seq != fast || got.Output != "fast" {
			t.Fatalf("Latest() = #%d %q, want #%d fast", got.Seq, got.Output, fast)
		}

		close(release)
		d.Wait()

		if got := d.Latest(); got.Seq != fast {
			t.Errorf("Latest().Seq = %d after slow dispatch finished, want %d", got.Seq, fast)
		}
	})
}

// After Invalidate, a dispatch already in flight no longer counts as latest.
func TestDispatcher_InvalidateDropsInFlightResult(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		executor := NewFakeExecutor(func(c *FakeCmd) ([]byte, error) {
			<-release
			return nil, nil
		})
		d := NewDispatcher(DispatcherConfig{Command: []string{"run"}}, executor, zap.NewNop(), nil)

		d.Dispatch(context.Background(), testAction)
		synctest.Wait()
		d.Invalidate()
		close(release)
		d.Wait()

		d.mu.Lock()
		lastSet := d.lastSet
		d.mu.Unlock()
		if lastSet != 0 {
			t.Errorf("lastSet = %d, want the in-flight result dropped", lastSet)
		}

		next := d.Dispatch(context.Background(), testAction)
		d.Wait()
		if got := d.Latest(); got.Seq != next {
			t.Errorf("Latest().Seq = %d, want %d", got.Seq, next)
		}
	})
}

func TestDispatcher_LatestContext_CancelledReadersShareOneWaiter(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, nil, zap.NewNop(), nil)

	var ready <-chan struct{}
	for i := range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := d.LatestContext(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("LatestContext error = %v, want context.Canceled", err)
		}

		d.mu.Lock()
		current := d.ready
		d.mu.Unlock()
		if i > 0 && current != ready {
			t.Fatal("a cancelled reader started another waiter")
		}
		ready = current
	}

	seq := d.Dispatch(context.Background(), testAction)
	result, err := d.LatestContext(context.Background())
	if err != nil {
		t.Fatalf("LatestContext failed: %v", err)
	}
	if result.Seq != seq {
		t.Errorf("Seq = %d, want %d", result.Seq, seq)
	}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by the result")
	}
	d.Wait()
}

func TestDispatchResult_Failed(t *testing.T) {
	tests := []struct {
		name   string
		result DispatchResult
		want   bool
	}{
		{"ok", DispatchResult{}, false},
		{"exit code", DispatchResult{ExitCode: 1}, true},
		{"error", DispatchResult{Error: "boom"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Failed(); got != tt.want {
				t.Errorf("Failed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAction_String(t *testing.T) {
	if got := testAction.String(); got != "fetchVersions(abc)" {
		t.Errorf("String() = %q", got)
	}
	if got := (Action{Type: "save"}).String(); got != "save" {
		t.Errorf("String() = %q", got)
	}
}
