package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend failure")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
		RecoveryTimeout:  30 * time.Second,
		Timeout:          time.Second,
	}
}

func fail(context.Context) (any, error)    { return nil, errBackend }
func succeed(context.Context) (any, error) { return "ok", nil }

// tripOpen drives cfg.FailureThreshold consecutive failures.
func tripOpen(t *testing.T, b *Breaker, failures int) {
	t.Helper()

	for i := 0; i < failures; i++ {
		_, err := b.Execute(context.Background(), fail)
		require.ErrorIs(t, err, errBackend)
	}

	require.Equal(t, StateOpen, b.State())
}

func TestBreaker_InitialState(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.NextAttempt().IsZero())
}

func TestBreaker_SuccessKeepsClosed(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)

	result, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())

	counts := b.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
}

func TestBreaker_ConsecutiveFailuresTrip(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)

	// Two failures do not trip a threshold of three.
	for i := 0; i < 2; i++ {
		_, err := b.Execute(context.Background(), fail)
		require.ErrorIs(t, err, errBackend)
	}

	assert.Equal(t, StateClosed, b.State())

	// A success in between resets the consecutive count.
	_, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)

	tripOpen(t, b, 3)
	assert.False(t, b.NextAttempt().IsZero())
}

func TestBreaker_OpenRejectsBeforeDeadline(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)
	tripOpen(t, b, 3)

	before := b.Counts()

	executed := false

	_, err := b.Execute(context.Background(), func(context.Context) (any, error) {
		executed = true
		return nil, nil
	})

	require.ErrorIs(t, err, ErrOpen)
	assert.True(t, IsRejection(err))
	assert.False(t, executed, "rejected call must not run")
	assert.Equal(t, before, b.Counts(), "rejections must not touch counters")
}

func TestBreaker_AllowsAfterRecoveryDeadline(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)
	assert.True(t, b.Allows())

	tripOpen(t, b, 3)
	assert.False(t, b.Allows())

	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	// Allows reports eligibility without driving the state machine; the
	// Open -> HalfOpen transition belongs to the next admitted call.
	assert.True(t, b.Allows())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenToHalfOpenAfterDeadline(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)
	tripOpen(t, b, 3)

	// Move the clock past the recovery deadline.
	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	result, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)
	tripOpen(t, b, 3)

	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	_, err := b.Execute(context.Background(), fail)
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.NextAttempt().IsZero(), "reopening must reset the recovery deadline")
}

func TestBreaker_HalfOpenSuccessesClose(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)
	tripOpen(t, b, 3)

	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	_, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.NextAttempt().IsZero())
}

func TestBreaker_HalfOpenCallBudget(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)
	tripOpen(t, b, 3)

	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	var wg sync.WaitGroup

	// Fill both trial slots with blocked calls.
	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = b.Execute(context.Background(), func(context.Context) (any, error) {
				started <- struct{}{}
				<-release

				return nil, nil
			})
		}()
	}

	<-started
	<-started

	_, err := b.Execute(context.Background(), succeed)
	require.ErrorIs(t, err, ErrTooManyCalls)
	assert.True(t, IsRejection(err))

	close(release)
	wg.Wait()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Timeout(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
		RecoveryTimeout:  30 * time.Second,
		Timeout:          20 * time.Millisecond,
	}, nil)

	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint32(1), b.Counts().TotalFailures, "a timeout counts as a failure")
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := New("chrome-1", testConfig(), nil)
	tripOpen(t, b, 3)

	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())

	_, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		transitions []string
	)

	b := New("chrome-1", testConfig(), func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()

		transitions = append(transitions, string(from)+"->"+string(to))
	})

	tripOpen(t, b, 3)

	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	_, _ = b.Execute(context.Background(), succeed)
	_, _ = b.Execute(context.Background(), succeed)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
}

func TestConfig_Normalized(t *testing.T) {
	t.Parallel()

	got := Config{}.normalized()
	assert.Equal(t, DefaultConfig(), got)

	custom := Config{FailureThreshold: 7, Timeout: time.Minute}.normalized()
	assert.Equal(t, 7, custom.FailureThreshold)
	assert.Equal(t, time.Minute, custom.Timeout)
	assert.Equal(t, DefaultConfig().SuccessThreshold, custom.SuccessThreshold)
}
