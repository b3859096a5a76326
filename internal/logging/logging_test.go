package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogJSONCarriesFieldsAndRunID(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).With(String("component", "bridge"))

	ctx := ContextWithRunID(context.Background(), "run-1")
	log.Debug(ctx, "tick exported", Int64("tick", 7), Float64("time", 7.5))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), buf.String())
	assert.Equal(t, "tick exported", rec["msg"])
	assert.Equal(t, "bridge", rec["component"])
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, float64(7), rec["tick"])
}

func TestSlogLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogrusBackend(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Backend: "logrus", Format: "json", Level: "info", Output: &buf})

	ctx := ContextWithRunID(context.Background(), "run-2")
	log.With(String("component", "exchange")).Warn(ctx, "decision timed out", Int64("tick", 3))
	log.Debug(ctx, "dropped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "decision timed out", rec["msg"])
	assert.Equal(t, "warning", rec["level"])
	assert.Equal(t, "run-2", rec["run_id"])
	assert.Equal(t, "exchange", rec["component"])
}

func TestRequestAndRunIDs(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestIDFromContext(ctx))
	_, again := EnsureRequestID(ctx)
	assert.Equal(t, id, again, "existing id is kept")

	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
	assert.Empty(t, RunIDFromContext(context.Background()))

	ctx = ContextWithLogger(ctx, nil)
	assert.NotNil(t, LoggerFromContext(ctx), "ContextWithLogger(nil) stores Noop")

	f := Err(nil)
	assert.Equal(t, "error", f.Key)
	assert.Equal(t, "", f.Value)
}
