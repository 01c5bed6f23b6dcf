package breaker

import (
	"context"
	"fmt"
	"sync"

	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/runtime"
)

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// Manager keys circuit breakers by backend id and fans state transitions
// out to registered listeners.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener
	logger    log.Logger
}

// NewManager creates a new circuit breaker manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate returns the existing breaker for name or creates a new one
// with the given configuration.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	existing, ok := m.breakers[name]
	m.mu.RUnlock()

	if ok {
		return existing
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if existing, ok = m.breakers[name]; ok {
		return existing
	}

	created := New(name, cfg, m.handleStateChange)
	m.breakers[name] = created

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker",
		log.String("backend", name))

	return created
}

// Get returns the breaker for name, or nil if none exists.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breakers[name]
}

// Execute runs fn through the breaker registered for name.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	b := m.Get(name)
	if b == nil {
		return nil, fmt.Errorf("breaker: no circuit breaker for backend %q (call GetOrCreate first)", name)
	}

	return b.Execute(ctx, fn)
}

// States returns a snapshot of every breaker's current state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State()
	}

	return states
}

// IsOpen reports whether the breaker for name is in the Open state.
// Unknown names report false; admission for them is decided elsewhere.
func (m *Manager) IsOpen(name string) bool {
	b := m.Get(name)
	if b == nil {
		return false
	}

	return b.State() == StateOpen
}

// Allows reports whether a call to the named breaker would currently be
// admitted, including the trial call of an open breaker whose recovery
// deadline has passed. Unknown names report true; admission for them is
// decided by Execute.
func (m *Manager) Allows(name string) bool {
	b := m.Get(name)
	if b == nil {
		return true
	}

	return b.Allows()
}

// Reset forces the breaker for name to Closed with zero counters.
func (m *Manager) Reset(name string) {
	b := m.Get(name)
	if b == nil {
		return
	}

	m.logger.Log(context.Background(), log.LevelInfo, "resetting circuit breaker",
		log.String("backend", name))
	b.Reset()
}

// RegisterStateChangeListener registers a listener for state change
// notifications.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		m.logger.Log(context.Background(), log.LevelWarn, "ignored nil state change listener")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// handleStateChange logs the transition and notifies listeners. Listener
// calls run in their own goroutine so a slow observer cannot stall the
// dispatch path; panics are contained.
func (m *Manager) handleStateChange(name string, from, to State) {
	ctx := context.Background()

	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelWarn
	}

	m.logger.Log(ctx, level, "circuit breaker state changed",
		log.String("backend", name),
		log.String("from", string(from)),
		log.String("to", string(to)))

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		l := listener

		runtime.SafeGo(ctx, m.logger, "breaker", "state_change_listener", func(context.Context) {
			l.OnStateChange(name, from, to)
		})
	}
}
