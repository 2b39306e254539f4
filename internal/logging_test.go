package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		debugEnabled  bool
	}{
		{"info", "console", false},
		{"debug", "console", true},
		{"warn", "json", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.debugEnabled, logger.Core().Enabled(zap.DebugLevel))
		})
	}
}

func TestNewLogger_Invalid(t *testing.T) {
	tests := []struct {
		name, level, format, field string
	}{
		{"level", "loud", "console", "log.level"},
		{"format", "info", "xml", "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLogger(tt.level, tt.format)

			var configErr *ConfigurationError
			require.True(t, errors.As(err, &configErr), "want a *ConfigurationError, got %v", err)
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}
