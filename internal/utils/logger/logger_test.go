package logger

import (
	"bytes"
	"context"
	"testing"

	"golang.org/x/exp/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		env           string
		expectedLevel slog.Level
	}{
		{
			name:          "local environment",
			env:           envLocal,
			expectedLevel: slog.LevelDebug,
		},
		{
			name:          "dev environment",
			env:           envDev,
			expectedLevel: slog.LevelDebug,
		},
		{
			name:          "prod environment",
			env:           envProd,
			expectedLevel: slog.LevelInfo,
		},
		{
			name:          "unknown environment",
			env:           "staging",
			expectedLevel: slog.LevelInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.env)
			require.NotNil(t, logger)
			ctx := context.Background()
			assert.Equal(t, tt.expectedLevel <= slog.LevelDebug, logger.Enabled(ctx, slog.LevelDebug))
			assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
		})
	}
}

func TestSetupPrettySlog(t *testing.T) {
	logger := setupPrettySlog()
	require.NotNil(t, logger)

	ctx := context.Background()
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestPrettyHandler_Output(t *testing.T) {
	var buf bytes.Buffer
	opts := PrettyHandlerOptions{SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug}}
	logger := slog.New(opts.NewPrettyHandler(&buf)).With("component", "test")

	logger.Info("Batch processed", "operations", 3)

	out := buf.String()
	assert.Contains(t, out, "INFO:")
	assert.Contains(t, out, "Batch processed")
	assert.Contains(t, out, `"component": "test"`)
	assert.Contains(t, out, `"operations": 3`)
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer

	NewWriter(envProd, &buf).Debug("hidden")
	assert.Empty(t, buf.String())

	NewWriter(envDev, &buf).Debug("visible", "queue", 2)
	assert.Contains(t, buf.String(), `"msg":"visible"`)
	assert.Contains(t, buf.String(), `"queue":2`)
}
