package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveteneriello/browserless/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries() []Entry {
	return []Entry{
		{ID: "chrome-1", URL: "http://10.0.0.1:9222", MaxLoad: 2},
		{ID: "chrome-2", URL: "http://10.0.0.2:9222", MaxLoad: 2},
	}
}

func testBalancer(t *testing.T, strategy string) *Balancer {
	t.Helper()

	lb, err := New(Config{
		Strategy: strategy,
		Breaker: breaker.Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			HalfOpenMaxCalls: 1,
			RecoveryTimeout:  time.Hour,
			Timeout:          time.Second,
		},
	}, testEntries(), breaker.NewManager(nil), nil)
	require.NoError(t, err)

	return lb
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, breaker.NewManager(nil), nil)
	require.ErrorIs(t, err, ErrNoBackends)

	_, err = New(Config{}, []Entry{
		{ID: "a", MaxLoad: 1},
		{ID: "a", MaxLoad: 1},
	}, breaker.NewManager(nil), nil)
	require.ErrorIs(t, err, ErrDuplicateBackend)

	_, err = New(Config{Strategy: "bogus"}, testEntries(), breaker.NewManager(nil), nil)
	require.Error(t, err)
}

func TestSelect_ReservesLoad(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)

	sel, err := lb.Select()
	require.NoError(t, err)
	assert.Equal(t, "chrome-1", sel.ID)
	assert.Equal(t, "http://10.0.0.1:9222", sel.URL)

	snaps := lb.Snapshots()
	assert.Equal(t, 1, snaps[0].CurrentLoad)
	assert.Equal(t, 0, snaps[1].CurrentLoad)
}

func TestSelect_SkipsUnhealthyBackends(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)
	lb.backends[0].Healthy = false

	for i := 0; i < 4; i++ {
		sel, err := lb.Select()
		require.NoError(t, err)
		assert.Equal(t, "chrome-2", sel.ID, "unhealthy backend must never be selected")

		lb.complete(sel.ID, nil, time.Millisecond)
	}
}

func TestSelect_SkipsSaturatedBackends(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyLeastConnections)
	lb.backends[0].CurrentLoad = 2

	sel, err := lb.Select()
	require.NoError(t, err)
	assert.Equal(t, "chrome-2", sel.ID)
}

func TestSelect_NoEligibleBackend(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)
	lb.backends[0].Healthy = false
	lb.backends[1].Healthy = false

	_, err := lb.Select()
	require.ErrorIs(t, err, ErrNoHealthyBackend)
}

func TestSelect_SkipsOpenBreakers(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)

	// Trip chrome-1's breaker with consecutive failures.
	boom := errors.New("browser crashed")

	for i := 0; i < 2; i++ {
		lb.mu.Lock()
		lb.backends[0].CurrentLoad = 0
		lb.backends[1].Healthy = false
		lb.mu.Unlock()

		_, err := lb.Execute(context.Background(), func(context.Context, Selection) (any, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
	}

	lb.mu.Lock()
	lb.backends[1].Healthy = true
	lb.mu.Unlock()

	assert.Equal(t, breaker.StateOpen, lb.BreakerStates()["chrome-1"])
	assert.Equal(t, 1, lb.EligibleCount())

	sel, err := lb.Select()
	require.NoError(t, err)
	assert.Equal(t, "chrome-2", sel.ID)
}

func TestExecute_TrippedBackendReintroducedAfterRecovery(t *testing.T) {
	t.Parallel()

	lb, err := New(Config{
		Strategy: StrategyRoundRobin,
		Breaker: breaker.Config{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			HalfOpenMaxCalls: 1,
			RecoveryTimeout:  20 * time.Millisecond,
			Timeout:          time.Second,
		},
	}, []Entry{{ID: "chrome-1", URL: "http://10.0.0.1:9222", MaxLoad: 2}}, breaker.NewManager(nil), nil)
	require.NoError(t, err)

	boom := errors.New("browser crashed")

	_, err = lb.Execute(context.Background(), func(context.Context, Selection) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, breaker.StateOpen, lb.BreakerStates()["chrome-1"])

	// Quarantined while the recovery deadline is in the future.
	_, err = lb.Select()
	require.ErrorIs(t, err, ErrNoHealthyBackend)
	assert.Zero(t, lb.EligibleCount())

	time.Sleep(60 * time.Millisecond)

	// Past the deadline the backend is eligible again and the next call
	// is the half-open trial; a success closes the breaker.
	require.Equal(t, 1, lb.EligibleCount())

	executed := false

	result, err := lb.Execute(context.Background(), func(context.Context, Selection) (any, error) {
		executed = true
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.True(t, executed, "the trial call must actually run")
	assert.Equal(t, "recovered", result)
	assert.Equal(t, breaker.StateClosed, lb.BreakerStates()["chrome-1"])
}

func TestExecute_LoadReturnsToBaseline(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)

	loadOf := func(id string) int {
		for _, s := range lb.Snapshots() {
			if s.ID == id {
				return s.CurrentLoad
			}
		}

		t.Fatalf("unknown backend %s", id)

		return 0
	}

	// Success path.
	result, err := lb.Execute(context.Background(), func(_ context.Context, sel Selection) (any, error) {
		assert.Equal(t, 1, loadOf(sel.ID), "load held during dispatch")
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 0, loadOf("chrome-1"))

	// Failure path.
	_, err = lb.Execute(context.Background(), func(context.Context, Selection) (any, error) {
		return nil, errors.New("navigation failed")
	})
	require.Error(t, err)
	assert.Equal(t, 0, loadOf("chrome-2"))
}

func TestExecute_RecordsOutcomes(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)

	_, err := lb.Execute(context.Background(), func(context.Context, Selection) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	snaps := lb.Snapshots()
	assert.Equal(t, uint64(1), snaps[0].SuccessCount)
	assert.Equal(t, uint64(0), snaps[0].ErrorCount)
	assert.NotZero(t, snaps[0].ResponseTime)
}

func TestExecute_RejectionSkipsCounters(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)

	sel, err := lb.Select()
	require.NoError(t, err)
	require.Equal(t, 1, lb.Snapshots()[0].CurrentLoad)

	before := lb.Snapshots()[0]

	// A breaker rejection never reached the backend, so completion must
	// release the load unit without touching the outcome counters.
	lb.complete(sel.ID, breaker.ErrOpen, time.Millisecond)

	after := lb.Snapshots()[0]
	assert.Equal(t, before.SuccessCount, after.SuccessCount)
	assert.Equal(t, before.ErrorCount, after.ErrorCount)
	assert.Equal(t, before.ResponseTime, after.ResponseTime)
	assert.Equal(t, 0, after.CurrentLoad)
}

func TestExecuteOn_Affinity(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)

	result, err := lb.ExecuteOn(context.Background(), "chrome-2", func(_ context.Context, sel Selection) (any, error) {
		assert.Equal(t, "chrome-2", sel.ID)
		return "pinned", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pinned", result)

	_, err = lb.ExecuteOn(context.Background(), "missing", func(context.Context, Selection) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNoHealthyBackend)

	lb.backends[1].Healthy = false

	_, err = lb.ExecuteOn(context.Background(), "chrome-2", func(context.Context, Selection) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNoHealthyBackend, "affinity must not bypass quarantine")
}

func TestCheckAll_MarksBackends(t *testing.T) {
	t.Parallel()

	lb := testBalancer(t, StrategyRoundRobin)

	lb.probe = func(_ context.Context, url string) (time.Duration, error) {
		if url == "http://10.0.0.2:9222" {
			return 0, errors.New("connection refused")
		}

		return 25 * time.Millisecond, nil
	}

	lb.cfg.ProbeTimeout = time.Second

	lb.CheckAll(context.Background())

	snaps := lb.Snapshots()
	assert.True(t, snaps[0].Healthy)
	assert.Equal(t, 25*time.Millisecond, snaps[0].ResponseTime)
	assert.False(t, snaps[1].Healthy)
	assert.Equal(t, uint64(1), snaps[1].ErrorCount)
	assert.False(t, snaps[1].LastCheck.IsZero())

	// Recovery flips the backend back to healthy.
	lb.probe = func(context.Context, string) (time.Duration, error) {
		return 10 * time.Millisecond, nil
	}

	lb.CheckAll(context.Background())

	assert.True(t, lb.Snapshots()[1].Healthy)
}

func TestCheckAll_LocalBackendsAlwaysHealthy(t *testing.T) {
	t.Parallel()

	lb, err := New(Config{ProbeTimeout: time.Second}, []Entry{
		{ID: "local", URL: "", MaxLoad: 5},
	}, breaker.NewManager(nil), nil)
	require.NoError(t, err)

	probed := false

	lb.probe = func(context.Context, string) (time.Duration, error) {
		probed = true
		return 0, errors.New("must not be called")
	}

	lb.CheckAll(context.Background())

	assert.False(t, probed, "local backends have no endpoint to probe")
	assert.True(t, lb.Snapshots()[0].Healthy)
}
