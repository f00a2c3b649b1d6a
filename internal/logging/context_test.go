package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", Workflow(ctx))
	assert.Equal(t, "", Step(ctx))
	assert.Equal(t, 0, Attempt(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithWorkflow(ctx, "checkout")
	ctx = WithStep(ctx, "login")
	ctx = WithAttempt(ctx, 2)

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "checkout", Workflow(ctx))
	assert.Equal(t, "login", Step(ctx))
	assert.Equal(t, 2, Attempt(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStep(WithWorkflow(context.Background(), "checkout"), "login")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "workflow=checkout")
	assert.Contains(t, output, "step=login")
	assert.NotContains(t, output, "attempt=")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithAttempt(WithStep(WithWorkflow(WithRunID(context.Background(), "r"), "wf"), "s"), 3)
	logger.InfoContext(ctx, "dispatch")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "r", rec["run_id"])
	assert.Equal(t, "wf", rec["workflow"])
	assert.Equal(t, "s", rec["step"])
	assert.Equal(t, float64(3), rec["attempt"])
}

func TestCorrelationHandler_NoContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))
	logger.With("k", "v").WithGroup("g").Info("plain", "x", 1)

	output := buf.String()
	assert.Contains(t, output, "k=v")
	assert.Contains(t, output, "g.x=1")
	assert.NotContains(t, output, "workflow=")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
