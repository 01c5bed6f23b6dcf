package zap

import (
	"context"
	"testing"

	logpkg "github.com/steveteneriello/browserless/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observed builds a Logger over an in-memory core for assertions.
func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)

	return &Logger{
		logger:      zap.New(core),
		atomicLevel: zap.NewAtomicLevelAt(level),
	}, logs
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(logpkg.LevelInfo, false)
	require.NoError(t, err)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))

	prod, err := NewLogger(logpkg.LevelDebug, true)
	require.NoError(t, err)
	assert.True(t, prod.Enabled(logpkg.LevelDebug))
}

func TestLogger_LogLevels(t *testing.T) {
	t.Parallel()

	logger, logs := observed(zapcore.DebugLevel)

	ctx := context.Background()
	logger.Log(ctx, logpkg.LevelDebug, "d")
	logger.Log(ctx, logpkg.LevelInfo, "i")
	logger.Log(ctx, logpkg.LevelWarn, "w")
	logger.Log(ctx, logpkg.LevelError, "e")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestLogger_Fields(t *testing.T) {
	t.Parallel()

	logger, logs := observed(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "dispatched",
		logpkg.String("backend", "chrome-1"),
		logpkg.Int("attempt", 2))

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "chrome-1", fields["backend"])
	assert.EqualValues(t, 2, fields["attempt"])
}

func TestLogger_With(t *testing.T) {
	t.Parallel()

	logger, logs := observed(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "pool"))
	child.Log(context.Background(), logpkg.LevelInfo, "session created")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "pool", entries[0].ContextMap()["component"])
}

func TestLogger_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	logger.Log(context.Background(), logpkg.LevelInfo, "dropped")
	assert.False(t, logger.Enabled(logpkg.LevelError))
	require.NoError(t, logger.Sync(context.Background()))
}

func TestLogger_SyncRespectsContext(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, logger.Sync(ctx))
}
