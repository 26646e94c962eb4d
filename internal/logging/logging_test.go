package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-toolkit/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSONFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	defer closeFn()

	logger.Info("dropped")
	logger.Warn("kept", "command", "leave")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "leave", rec["command"])
}

func TestNewTeesIntoFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "toolkit.log")
	logger, closeFn := New(config.LogConfig{Level: "info", File: config.LogFileConfig{Filename: path, MaxSizeMB: 1}}, &buf)

	logger.Info("network formed", "channel", 15)
	require.NoError(t, closeFn())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "network formed")
	assert.Contains(t, buf.String(), "channel=15")
}
