package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
	kexec "k8s.io/utils/exec"
)

var version = "dev"

type contextKey string

const (
	configKey    contextKey = "config"
	loggerKey    contextKey = "logger"
	workspaceKey contextKey = "workspace"
)

// Run is the main entry point for the CLI.
func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return NewCLI(os.Stdin, os.Stdout).RunContext(ctx, os.Args)
}

// NewCLI builds the command tree. stdin feeds `start --stdin`; stdout
// receives command output.
func NewCLI(stdin io.Reader, stdout io.Writer) *cli.App {
	return &cli.App{
		Name:      "click-debounce",
		Usage:     "debounced click handler with a persistent server",
		Version:   version,
		Writer:    stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Value:   ".",
				Usage:   "working directory",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the config file (default: <workspace>/" + ConfigPath + ")",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format: console or json",
			},
			&cli.StringFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Usage:   "unix socket path (overrides [server] socket)",
			},
		},
		Before: resolveWorkspace,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "click-debounce %s\n", version)
					return nil
				},
			},
			{
				Name:   "init",
				Usage:  "create a config file in the workspace if one does not exist",
				Action: cmdInit,
			},
			{
				Name:  "start",
				Usage: "start the server and accept clicks",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "debounce", Aliases: []string{"t"}, Usage: "debounce time (default 500ms)"},
					&cli.StringFlag{Name: "label", Usage: "button label"},
					&cli.StringFlag{Name: "action", Usage: "action type to dispatch"},
					&cli.StringFlag{Name: "id", Usage: "action id"},
					&cli.StringFlag{Name: "exec", Usage: "command to run on every dispatch"},
					&cli.StringSliceFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "watch directory recursively, each change is a click (can be repeated)"},
					&cli.StringSliceFlag{Name: "dir", Aliases: []string{"d"}, Usage: "watch directory non-recursively (can be repeated)"},
					&cli.BoolFlag{Name: "stdin", Usage: "read clicks from standard input, one per line"},
				},
				Before: loadConfig,
				Action: func(c *cli.Context) error {
					return cmdStart(c, stdin)
				},
			},
			{
				Name:  "click",
				Usage: "send clicks to the running server",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "number of clicks"},
					&cli.DurationFlag{Name: "interval", Aliases: []string{"i"}, Usage: "pause between clicks"},
					&cli.BoolFlag{Name: "wait", Usage: "wait for the debounced dispatch and print it"},
					&cli.StringFlag{Name: "format", Value: "human", Usage: "output format for --wait: human or json"},
					&cli.DurationFlag{Name: "timeout", Value: 2 * time.Minute, Usage: "timeout waiting for the dispatch"},
				},
				Before: loadConfig,
				Action: cmdClick,
			},
			{
				Name:   "status",
				Usage:  "print the button status",
				Before: loadConfig,
				Action: cmdStatus,
			},
			{
				Name:   "stop",
				Usage:  "stop the server",
				Before: loadConfig,
				Action: cmdStop,
			},
		},
	}
}

func resolveWorkspace(c *cli.Context) error {
	workspace, err := filepath.Abs(c.String("workspace"))
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	c.Context = context.WithValue(c.Context, workspaceKey, workspace)
	return nil
}

// loadConfig runs before the commands that need the config and a logger,
// so version and init work next to a broken config file.
func loadConfig(c *cli.Context) error {
	config, err := LoadConfig(configPathFromContext(c))
	if err != nil {
		return err
	}
	if c.IsSet("socket") {
		config.Server.Socket = c.String("socket")
	}
	if c.Bool("verbose") {
		config.Log.Level = "debug"
	}
	if c.IsSet("log-format") {
		config.Log.Format = c.String("log-format")
	}

	logger, err := NewLogger(config.Log.Level, config.Log.Format)
	if err != nil {
		return err
	}

	c.Context = context.WithValue(c.Context, configKey, config)
	c.Context = context.WithValue(c.Context, loggerKey, logger)
	return nil
}

func configPathFromContext(c *cli.Context) string {
	if path := c.String("config"); path != "" {
		return path
	}
	return filepath.Join(workspaceFromContext(c), ConfigPath)
}

func configFromContext(c *cli.Context) *Config {
	return c.Context.Value(configKey).(*Config)
}

func loggerFromContext(c *cli.Context) *zap.Logger {
	return c.Context.Value(loggerKey).(*zap.Logger)
}

func workspaceFromContext(c *cli.Context) string {
	return c.Context.Value(workspaceKey).(string)
}

func clientFromContext(c *cli.Context) (*Client, error) {
	socketPath, err := configFromContext(c).SocketPath(workspaceFromContext(c))
	if err != nil {
		return nil, fmt.Errorf("failed to get socket path: %w", err)
	}
	return NewClient(socketPath), nil
}

func cmdInit(c *cli.Context) error {
	path := configPathFromContext(c)
	created, err := WriteDefaultConfig(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(c.App.Writer, "A configuration has been generated at %s.\n", path)
	} else {
		fmt.Fprintf(c.App.Writer, "A configuration already exists at %s.\n", path)
	}
	return nil
}

// applyStartFlags overlays start's flags on the loaded config.
func applyStartFlags(c *cli.Context, config *Config) {
	if c.IsSet("debounce") {
		config.Button.DebounceTime = Duration(c.Duration("debounce"))
	}
	if c.IsSet("label") {
		config.Button.Label = c.String("label")
	}
	if c.IsSet("action") {
		config.Action.Type = c.String("action")
	}
	if c.IsSet("id") {
		config.Action.ID = c.String("id")
	}
	if c.IsSet("exec") {
		config.Action.Command = strings.Fields(c.String("exec"))
	}
	if c.IsSet("recursive") {
		config.Watch.Recursive = c.StringSlice("recursive")
	}
	if c.IsSet("dir") {
		config.Watch.NonRecursive = c.StringSlice("dir")
	}
}

func cmdStart(c *cli.Context, stdin io.Reader) error {
	config := configFromContext(c)
	logger := loggerFromContext(c)
	defer func() { _ = logger.Sync() }()

	applyStartFlags(c, config)

	app, err := NewApp(config, workspaceFromContext(c), kexec.New(), logger)
	if err != nil {
		return err
	}

	var input io.Reader
	if c.Bool("stdin") {
		input = stdin
	}
	return app.Run(c.Context, input)
}

func cmdClick(c *cli.Context) error {
	client, err := clientFromContext(c)
	if err != nil {
		return err
	}
	if !client.IsServerRunning() {
		return fmt.Errorf("server is not running (no socket at %s)", client.SocketPath())
	}

	count := c.Int("count")
	if count < 1 {
		return &ConfigurationError{Field: "count", Value: count, Reason: "must be at least 1"}
	}
	interval := c.Duration("interval")
	if interval < 0 {
		return &ConfigurationError{Field: "interval", Value: interval, Reason: "must not be negative"}
	}

	for i := range count {
		if i > 0 && interval > 0 {
			select {
			case <-c.Context.Done():
				return c.Context.Err()
			case <-time.After(interval):
			}
		}
		if err := client.Click(c.Context); err != nil {
			return fmt.Errorf("click %d: %w", i+1, err)
		}
	}

	if !c.Bool("wait") {
		fmt.Fprintf(c.App.Writer, "Sent %d click(s)\n", count)
		return nil
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	spin.Suffix = " Waiting for debounced dispatch..."
	spin.Start()
	output, failed, err := client.Last(ctx, c.String("format"))
	spin.Stop()
	if err != nil {
		return fmt.Errorf("failed to get dispatch result: %w", err)
	}

	fmt.Fprint(c.App.Writer, output)
	if output != "" && output[len(output)-1] != '\n' {
		fmt.Fprintln(c.App.Writer)
	}
	if failed {
		return cli.Exit("", 1)
	}
	return nil
}

func cmdStatus(c *cli.Context) error {
	client, err := clientFromContext(c)
	if err != nil {
		return err
	}
	if !client.IsServerRunning() {
		fmt.Fprintln(c.App.Writer, "Server is not running")
		return nil
	}

	status, err := client.Status(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	b := status.Button
	state := "idle"
	switch {
	case !b.Mounted:
		state = "unmounted"
	case b.Armed:
		state = "armed"
	}
	fmt.Fprintf(c.App.Writer, "%s [%s]: %s, debounce %s, %d clicks, %d fires, %d dispatches\n",
		b.Label, b.Action, state, b.DebounceTime, b.Clicks, b.Fires, status.Dispatched)
	return nil
}

func cmdStop(c *cli.Context) error {
	client, err := clientFromContext(c)
	if err != nil {
		return err
	}
	if !client.IsServerRunning() {
		fmt.Fprintln(c.App.Writer, "Server is not running")
		return nil
	}

	if err := client.Stop(c.Context); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	fmt.Fprintln(c.App.Writer, "Server stopped")
	return nil
}
