package internal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
)

// ConfigPath is the default config file name, relative to the workspace.
const ConfigPath = "click-debounce.toml"

// Duration is a time.Duration written as a string ("300ms") in config files.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText writes the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses anything time.ParseDuration accepts.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ButtonSection configures the debounced button.
type ButtonSection struct {
	Label        string   `toml:"label" validate:"required"`
	DebounceTime Duration `toml:"debounce_time" validate:"min=0"`
}

// ActionSection configures the action dispatched when a window elapses
// and the optional command that carries it out.
type ActionSection struct {
	Type       string   `toml:"type" validate:"required"`
	ID         string   `toml:"id"`
	Command    []string `toml:"command,omitempty"`
	Attempts   uint     `toml:"attempts" validate:"min=1,max=10"`
	RetryDelay Duration `toml:"retry_delay" validate:"min=0"`
	Timeout    Duration `toml:"timeout" validate:"min=0"`
}

// ServerSection configures the Unix socket server.
type ServerSection struct {
	// Socket overrides the socket path derived from the workspace.
	Socket string `toml:"socket,omitempty"`
}

// WatchSection lists directories whose changes count as clicks. Paths are
// relative to the workspace.
type WatchSection struct {
	Recursive        []string `toml:"recursive,omitempty"`
	NonRecursive     []string `toml:"non_recursive,omitempty"`
	IgnoreExtensions []string `toml:"ignore_extensions,omitempty"`
}

// LogSection configures the zap logger.
type LogSection struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=console json"`
}

// Config is the contents of click-debounce.toml.
type Config struct {
	Button ButtonSection `toml:"button"`
	Action ActionSection `toml:"action"`
	Server ServerSection `toml:"server"`
	Watch  WatchSection  `toml:"watch"`
	Log    LogSection    `toml:"log"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Button: ButtonSection{
			Label:        "Click me",
			DebounceTime: Duration(DefaultDebounceTime),
		},
		Action: ActionSection{
			Type:       "fetchVersions",
			ID:         "abc",
			Attempts:   1,
			RetryDelay: Duration(200 * time.Millisecond),
			Timeout:    Duration(30 * time.Second),
		},
		Log: LogSection{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads the config at path on top of the defaults. A missing file
// yields the defaults. The result is not validated; call Validate after
// applying overrides.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	decoder := toml.NewDecoder(bytes.NewReader(file))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("your config is invalid: %w", err)
	}
	return config, nil
}

// WriteDefaultConfig writes the default config to path unless a file is
// already there. It reports whether a file was created.
func WriteDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("could not write file: %w", err)
	}
	return true, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field and returns all violations at once. Each
// violation is a *ConfigurationError.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	var result *multierror.Error
	for _, fe := range fieldErrs {
		result = multierror.Append(result, &ConfigurationError{
			Field:  configFieldName(fe.Namespace()),
			Value:  fe.Value(),
			Reason: validationReason(fe),
		})
	}
	return result.ErrorOrNil()
}

// configFieldName turns "Config.button.debounce_time" into
// "button.debounce_time".
func configFieldName(namespace string) string {
	_, rest, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return rest
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Param() == "0" {
			return "must not be negative"
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// ButtonConfig converts the button and action sections.
func (c *Config) ButtonConfig() ButtonConfig {
	return ButtonConfig{
		Label:        c.Button.Label,
		DebounceTime: time.Duration(c.Button.DebounceTime),
		Action:       Action{Type: c.Action.Type, ID: c.Action.ID},
	}
}

// DispatcherConfig converts the action section.
func (c *Config) DispatcherConfig(workspacePath string) DispatcherConfig {
	return DispatcherConfig{
		WorkspacePath: workspacePath,
		Command:       c.Action.Command,
		Attempts:      c.Action.Attempts,
		RetryDelay:    time.Duration(c.Action.RetryDelay),
		Timeout:       time.Duration(c.Action.Timeout),
	}
}

// SocketPath returns the configured socket, or the one derived from the
// workspace.
func (c *Config) SocketPath(workspacePath string) (string, error) {
	if socket := c.Server.Socket; socket != "" {
		if !filepath.IsAbs(socket) {
			socket = filepath.Join(workspacePath, socket)
		}
		return socket, nil
	}
	return SocketPathForWorkspace(workspacePath)
}
