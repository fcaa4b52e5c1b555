package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewWritesJSONToStderrAndFile(t *testing.T) {
	var stderr bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "logs", "gateway.log")

	log, closer, err := newWithOutput(config.TelemetryConfig{
		LogLevel:  "debug",
		LogFormat: "json",
		LogFile:   logFile,
	}, &stderr)
	require.NoError(t, err)

	log.Info("weights applied", slog.String("kind", "gpt"))
	require.NoError(t, closer.Close())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stderr.Bytes()), &entry))
	assert.Equal(t, "weights applied", entry["msg"])
	assert.Equal(t, "gpt", entry["kind"])

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "weights applied")
}

func TestNewRespectsLevel(t *testing.T) {
	var stderr bytes.Buffer
	log, _, err := newWithOutput(config.TelemetryConfig{LogLevel: "error", LogFormat: "text"}, &stderr)
	require.NoError(t, err)

	log.Info("dropped")
	assert.Empty(t, stderr.String())
}
