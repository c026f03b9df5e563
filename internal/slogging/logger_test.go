package slogging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"unknown", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLogLevel(tt.input))
		})
	}
}

func TestSanitizeLogMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain message", "hello world", "hello world"},
		{"newline injection", "line1\nFAKE LOG ENTRY", "line1 FAKE LOG ENTRY"},
		{"carriage return", "a\rb", "a b"},
		{"tabs and runs of spaces", "a\t\tb   c", "a b c"},
		{"only whitespace", " \n\t ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeLogMessage(tt.input))
		})
	}
}

func TestNewLoggerLevels(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Config{
		Level:  LogLevelWarn,
		IsDev:  true,
		LogDir: dir,
	})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	assert.Equal(t, LogLevelWarn, logger.level)

	// Below-threshold calls must not panic and must be filtered
	logger.Debug("debug %d", 1)
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error: %v", assert.AnError)
}
