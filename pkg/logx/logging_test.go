package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))

	log.Info("task.completed", String("task", "backup"), Int("attempts", 2), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "task.completed", m["message"])
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "backup", m["task"])
	assert.EqualValues(t, 2, m["attempts"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Debug("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelDebug, ParseLevel(" DEBUG "))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
