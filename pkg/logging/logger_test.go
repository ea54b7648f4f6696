package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, WARN, false)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "WARN: kept")
}

func TestJSONEntryCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, DEBUG, true).WithField("cluster", "c1")

	logger.Error("teardown failed", map[string]interface{}{"stage": "scheduler"})

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "teardown failed", entry.Message)
	assert.Equal(t, "c1", entry.Fields["cluster"])
	assert.Equal(t, "scheduler", entry.Fields["stage"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf, INFO, true)
	_ = parent.WithField("worker", 3)

	parent.Info("plain")

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.NotContains(t, entry.Fields, "worker")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestDiscardWritesNothing(t *testing.T) {
	logger := Discard()
	logger.Error("nothing")
	var nilLogger *Logger
	nilLogger.Info("also nothing")
}
