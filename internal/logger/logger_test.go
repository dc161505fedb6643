package logger_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/gxo-labs/statesync/internal/logger"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	dec := json.NewDecoder(buf)
	for dec.More() {
		var entry map[string]interface{}
		require.NoError(t, dec.Decode(&entry))
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger("warn", "json", &buf)

	log.Debugf("hidden %d", 1)
	log.Infof("hidden %d", 2)
	log.Warnf("shown %d", 3)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "shown 3", entries[0]["msg"])
	assert.False(t, log.IsEnabled(slog.LevelInfo))
	assert.True(t, log.IsEnabled(slog.LevelError))
}

func TestErrorf_ConflictAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger("debug", "json", &buf)

	conflict := sserrors.NewConflictError("7", 1, 3)
	err := sserrors.NewTransportError("update", "7", conflict)
	log.Errorf("save failed: %v", err)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0]["level"])
	assert.Equal(t, "update", entries[0]["op"])
	assert.Equal(t, "7", entries[0]["record_id"])
	assert.Equal(t, float64(1), entries[0]["revision_sent"])
	assert.Equal(t, float64(3), entries[0]["revision_stored"])
}

func TestWith_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger("info", "json", &buf).With("component", "history")
	log.Infof("ready")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "history", entries[0]["component"])
}

func TestErrorf_PlainError(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger("info", "json", &buf)
	log.Errorf("boom: %v", fmt.Errorf("disk full"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "disk full", entries[0]["error"])
	_, hasOp := entries[0]["op"]
	assert.False(t, hasOp)
}
