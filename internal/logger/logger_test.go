package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(&Options{JSON: true, Service: "metafs", Version: "v1", Output: &buf})
	log.Info("hello", "selector", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "metafs", rec["service"])
	assert.Equal(t, "v1", rec["version"])
	assert.Equal(t, "abc", rec["selector"])
}

func TestSetupLevel(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(&Options{Level: "warn", Output: &buf})
	log.Info("dropped")
	assert.Empty(t, buf.String())
	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")

	buf.Reset()
	log = Setup(&Options{Level: "error", Debug: true, Output: &buf})
	log.Debug("debug wins")
	assert.Contains(t, buf.String(), "debug wins")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
