//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	require.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, 0))
	require.Equal(t, 200*time.Millisecond, Exponential(100*time.Millisecond, 1))
	require.Equal(t, 800*time.Millisecond, Exponential(100*time.Millisecond, 3))

	require.Equal(t, time.Duration(0), Exponential(0, 5))
	require.Equal(t, time.Duration(0), Exponential(-time.Second, 5))

	require.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -3))

	require.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 62))
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(0), FullJitter(0))
	require.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for range 100 {
		jittered := FullJitter(time.Second)
		require.GreaterOrEqual(t, jittered, time.Duration(0))
		require.Less(t, jittered, time.Second)
	}
}

func TestExponentialWithJitter(t *testing.T) {
	t.Parallel()

	for attempt := range 5 {
		jittered := ExponentialWithJitter(50*time.Millisecond, attempt)
		require.GreaterOrEqual(t, jittered, time.Duration(0))
		require.Less(t, jittered, Exponential(50*time.Millisecond, attempt))
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
	require.NoError(t, SleepWithContext(context.Background(), -time.Second))
	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}
