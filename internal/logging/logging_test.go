package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"iconforge/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("unknown"))
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(config.LoggingConfig{
		Level:      "info",
		Dir:        dir,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })

	logger.Info("hello", "k", "v")

	data, err := os.ReadFile(filepath.Join(dir, defaultLogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestNewLoggerRejectsInvalidRotation(t *testing.T) {
	_, _, err := NewLogger(config.LoggingConfig{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "short", Redact("short"))
	assert.Equal(t, "203.0.113....", Redact("203.0.113.55"))
}
