//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"Error", LevelError},
	}

	for _, tc := range cases {
		got, err := ParseLevel(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.want, got, tc.input)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

type capturingLogger struct {
	NopLogger

	level  Level
	msg    string
	fields []Field
}

func (l *capturingLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	l.level = level
	l.msg = msg
	l.fields = fields
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	logger := &capturingLogger{}

	SafeError(logger, context.Background(), "publish failed", errors.New("broker down"))

	assert.Equal(t, LevelError, logger.level)
	assert.Equal(t, "publish failed", logger.msg)
	require.Len(t, logger.fields, 1)
	assert.Equal(t, "error", logger.fields[0].Key)
	assert.Equal(t, "broker down", logger.fields[0].Value)
}

func TestSafeErrorNilArguments(t *testing.T) {
	t.Parallel()

	// Neither a nil logger nor a nil error may panic or log.
	SafeError(nil, context.Background(), "msg", errors.New("boom"))

	logger := &capturingLogger{}
	SafeError(logger, context.Background(), "msg", nil)
	assert.Empty(t, logger.msg)
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	logger.Log(context.Background(), LevelError, "dropped")
	assert.False(t, logger.Enabled(LevelError))
	assert.NoError(t, logger.Sync(context.Background()))
	assert.Same(t, logger, logger.With(String("k", "v")))
}
