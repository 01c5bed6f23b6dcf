package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/steveteneriello/browserless/breaker"
	"github.com/steveteneriello/browserless/log"
)

var (
	// ErrNoHealthyBackend is returned when no backend is eligible at
	// selection time. It is surfaced to the caller immediately; retry
	// policy belongs to the caller or the queue, not this layer.
	ErrNoHealthyBackend = errors.New("balancer: no healthy backend available")

	// ErrNoBackends is returned by New when the configuration enumerates
	// no backend entries.
	ErrNoBackends = errors.New("balancer: at least one backend is required")

	// ErrDuplicateBackend is returned by New when two entries share an id.
	ErrDuplicateBackend = errors.New("balancer: duplicate backend id")
)

// Entry is one validated backend definition from configuration.
type Entry struct {
	ID      string
	URL     string
	MaxLoad int
}

// Config holds balancer configuration.
type Config struct {
	Strategy            string
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	Breaker             breaker.Config
}

// Balancer owns the backend registry and routes each dispatch through
// one backend's circuit breaker.
type Balancer struct {
	cfg      Config
	logger   log.Logger
	breakers *breaker.Manager
	strategy Strategy

	mu       sync.Mutex
	backends []*Backend

	probe probeFunc

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Balancer from validated entries. Every backend gets a
// circuit breaker with the configured settings and starts healthy; the
// first probe cycle corrects that optimism if needed.
func New(cfg Config, entries []Entry, breakers *breaker.Manager, logger log.Logger) (*Balancer, error) {
	if len(entries) == 0 {
		return nil, ErrNoBackends
	}

	if logger == nil {
		logger = log.NewNop()
	}

	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	backends := make([]*Backend, 0, len(entries))

	for _, entry := range entries {
		if seen[entry.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, entry.ID)
		}

		seen[entry.ID] = true

		backends = append(backends, &Backend{
			ID:      entry.ID,
			URL:     entry.URL,
			Healthy: true,
			MaxLoad: entry.MaxLoad,
		})

		breakers.GetOrCreate(entry.ID, cfg.Breaker)
	}

	return &Balancer{
		cfg:      cfg,
		logger:   logger,
		breakers: breakers,
		strategy: strategy,
		backends: backends,
		probe:    httpProbe,
		stopChan: make(chan struct{}),
	}, nil
}

// Selection identifies the backend chosen for one dispatch.
type Selection struct {
	ID  string
	URL string
}

// Select picks an eligible backend and reserves one unit of its load.
// The caller must pair every successful Select with a call to release
// (done internally by Execute).
func (lb *Balancer) Select() (Selection, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	eligible := make([]*Backend, 0, len(lb.backends))

	for _, b := range lb.backends {
		if b.eligible() && lb.breakers.Allows(b.ID) {
			eligible = append(eligible, b)
		}
	}

	if len(eligible) == 0 {
		return Selection{}, ErrNoHealthyBackend
	}

	picked := lb.strategy.Pick(eligible)
	picked.CurrentLoad++

	return Selection{ID: picked.ID, URL: picked.URL}, nil
}

// Execute selects a backend and runs fn through that backend's circuit
// breaker. Success and failure update the backend's counters and latency;
// the reserved load unit is released on every path, including breaker
// rejections.
func (lb *Balancer) Execute(ctx context.Context, fn func(ctx context.Context, sel Selection) (any, error)) (any, error) {
	sel, err := lb.Select()
	if err != nil {
		return nil, err
	}

	started := time.Now()

	result, err := lb.breakers.Execute(ctx, sel.ID, func(callCtx context.Context) (any, error) {
		return fn(callCtx, sel)
	})

	lb.complete(sel.ID, err, time.Since(started))

	return result, err
}

// ExecuteOn is Execute pinned to a specific backend, used for
// dispatches with session affinity. The backend must still pass the
// eligibility predicate; a pinned dispatch does not bypass quarantine.
func (lb *Balancer) ExecuteOn(ctx context.Context, id string, fn func(ctx context.Context, sel Selection) (any, error)) (any, error) {
	lb.mu.Lock()

	b := lb.find(id)
	if b == nil || !b.eligible() || !lb.breakers.Allows(b.ID) {
		lb.mu.Unlock()
		return nil, fmt.Errorf("%w: backend %q not eligible", ErrNoHealthyBackend, id)
	}

	b.CurrentLoad++
	sel := Selection{ID: b.ID, URL: b.URL}
	lb.mu.Unlock()

	started := time.Now()

	result, err := lb.breakers.Execute(ctx, sel.ID, func(callCtx context.Context) (any, error) {
		return fn(callCtx, sel)
	})

	lb.complete(sel.ID, err, time.Since(started))

	return result, err
}

// complete releases the load unit reserved by Select and records the
// outcome. Breaker rejections never reached the backend, so they adjust
// load only.
func (lb *Balancer) complete(id string, err error, latency time.Duration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	b := lb.find(id)
	if b == nil {
		return
	}

	if b.CurrentLoad > 0 {
		b.CurrentLoad--
	}

	if breaker.IsRejection(err) {
		return
	}

	b.ResponseTime = latency

	if err != nil {
		b.ErrorCount++
	} else {
		b.SuccessCount++
	}
}

// find returns the backend with the given id. Callers hold the lock.
func (lb *Balancer) find(id string) *Backend {
	for _, b := range lb.backends {
		if b.ID == id {
			return b
		}
	}

	return nil
}

// Snapshots returns copies of every backend's state.
func (lb *Balancer) Snapshots() []Snapshot {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	snaps := make([]Snapshot, 0, len(lb.backends))
	for _, b := range lb.backends {
		snaps = append(snaps, b.snapshot())
	}

	return snaps
}

// BreakerStates returns the state of every backend's circuit breaker.
func (lb *Balancer) BreakerStates() map[string]breaker.State {
	return lb.breakers.States()
}

// EligibleCount returns how many backends could accept work right now.
func (lb *Balancer) EligibleCount() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	count := 0

	for _, b := range lb.backends {
		if b.eligible() && lb.breakers.Allows(b.ID) {
			count++
		}
	}

	return count
}
