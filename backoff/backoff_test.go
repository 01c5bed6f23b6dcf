package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{"attempt 0 returns base", 100 * time.Millisecond, 0, 100 * time.Millisecond},
		{"attempt 1 doubles base", 100 * time.Millisecond, 1, 200 * time.Millisecond},
		{"attempt 3 is 8x base", 100 * time.Millisecond, 3, 800 * time.Millisecond},
		{"negative attempt treated as 0", 100 * time.Millisecond, -5, 100 * time.Millisecond},
		{"zero base returns 0", 0, 5, 0},
		{"negative base returns 0", -100 * time.Millisecond, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestExponential_OverflowClamps(t *testing.T) {
	t.Parallel()

	result := Exponential(time.Hour, 1000)
	assert.Equal(t, time.Duration(math.MaxInt64), result)
}

func TestLinear(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{"attempt 0 returns base", time.Second, 0, time.Second},
		{"attempt 1 doubles base", time.Second, 1, 2 * time.Second},
		{"attempt 4 is 5x base", time.Second, 4, 5 * time.Second},
		{"negative attempt treated as 0", time.Second, -1, time.Second},
		{"zero base returns 0", 0, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Linear(tt.base, tt.attempt))
		})
	}
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for i := 0; i < 100; i++ {
		jittered := FullJitter(time.Second)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, time.Second)
	}
}

func TestExponentialWithJitter(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		jittered := ExponentialWithJitter(100*time.Millisecond, 2)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, 400*time.Millisecond)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
	require.NoError(t, SleepWithContext(context.Background(), -time.Second))

	started := time.Now()
	require.NoError(t, SleepWithContext(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(started), 10*time.Millisecond)
}

func TestSleepWithContext_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}
