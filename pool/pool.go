// Package pool owns the lifecycle of browser worker sessions. It
// enforces the process-wide concurrency ceiling, retries failed
// launches with backoff, reclaims idle sessions, and refuses new
// sessions while the memory monitor reports critical pressure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steveteneriello/browserless/backoff"
	"github.com/steveteneriello/browserless/errgroup"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/runtime"
	"github.com/steveteneriello/browserless/worker"
)

var (
	// ErrCapacityExceeded is returned when the pool is at its session
	// ceiling or admission is refused under critical memory pressure.
	ErrCapacityExceeded = errors.New("pool: capacity exceeded")

	// ErrSessionNotFound is returned when a session id is unknown or the
	// session has already been closed. This is a caller error and is
	// never retried.
	ErrSessionNotFound = errors.New("pool: session not found")

	// ErrLaunchFailed is returned after the launch retry budget is
	// exhausted.
	ErrLaunchFailed = errors.New("pool: worker launch failed")
)

// PressureReader is the slice of the memory monitor the pool consults
// before admitting a new session.
type PressureReader interface {
	Critical() bool
}

// Config holds pool configuration.
type Config struct {
	MaxSessions     int           // concurrency ceiling
	LaunchRetries   int           // attempts before ErrLaunchFailed
	LaunchRetryBase time.Duration // retry delay is base * attempt number
	LaunchTimeout   time.Duration // per-attempt startup bound
	MaxIdleAge      time.Duration // idle sessions older than this are reclaimed
	SweepInterval   time.Duration // idle sweep cadence
	Worker          worker.Config // template for launched workers
}

// Session is a leased handle to a running browser worker.
type Session struct {
	ID        string
	BackendID string
	Handle    worker.Handle
	CreatedAt time.Time
	LastUsed  time.Time
	InUse     bool
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Max    int `json:"max"`
}

// Pool manages worker sessions up to a fixed ceiling.
type Pool struct {
	cfg      Config
	launcher worker.Launcher
	pressure PressureReader
	logger   log.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	launching int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates a Pool. The pressure reader may be nil, in which case
// admission is never gated on memory.
func New(cfg Config, launcher worker.Launcher, pressure PressureReader, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		pressure: pressure,
		logger:   logger,
		sessions: make(map[string]*Session),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the idle-reclamation sweep.
func (p *Pool) Start() {
	if p.cfg.SweepInterval <= 0 {
		return
	}

	p.wg.Add(1)

	go p.sweepLoop()
}

// Stop halts the idle sweep. It does not close sessions; use Cleanup.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Create launches a new session bound to the given backend. It fails
// fast with ErrCapacityExceeded at the ceiling or under critical memory
// pressure, and with ErrLaunchFailed once the retry budget is spent.
func (p *Pool) Create(ctx context.Context, backendID, endpoint string) (*Session, error) {
	if err := p.reserve(); err != nil {
		return nil, err
	}

	handle, err := p.launch(ctx, endpoint)
	if err != nil {
		p.unreserve()
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New().String(),
		BackendID: backendID,
		Handle:    handle,
		CreatedAt: p.now(),
		LastUsed:  p.now(),
		InUse:     true,
	}

	p.mu.Lock()
	p.launching--
	p.sessions[sess.ID] = sess
	p.mu.Unlock()

	// Registered after the registry insert so a disconnect firing
	// immediately still finds the session to remove.
	handle.OnDisconnect(func() {
		p.logger.Log(context.Background(), log.LevelWarn, "worker disconnected",
			log.String("session_id", sess.ID),
			log.String("backend", backendID))
		p.remove(sess.ID)
	})

	p.logger.Log(ctx, log.LevelDebug, "session created",
		log.String("session_id", sess.ID),
		log.String("backend", backendID))

	return sess, nil
}

// reserve accounts for a launch-in-progress so concurrent Create calls
// cannot oversubscribe the ceiling.
func (p *Pool) reserve() error {
	if p.pressure != nil && p.pressure.Critical() {
		return fmt.Errorf("%w: critical memory pressure", ErrCapacityExceeded)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sessions)+p.launching >= p.cfg.MaxSessions {
		return fmt.Errorf("%w: %d of %d sessions in use", ErrCapacityExceeded, len(p.sessions), p.cfg.MaxSessions)
	}

	p.launching++

	return nil
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.launching--
	p.mu.Unlock()
}

// launch starts a worker, retrying transient failures with a growing
// delay (base delay times attempt number).
func (p *Pool) launch(ctx context.Context, endpoint string) (worker.Handle, error) {
	wcfg := p.cfg.Worker
	wcfg.Endpoint = endpoint
	wcfg.LaunchTimeout = p.cfg.LaunchTimeout

	attempts := p.cfg.LaunchRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
		handle, err := p.launcher.Launch(launchCtx, wcfg)

		cancel()

		if err == nil {
			return handle, nil
		}

		lastErr = err

		p.logger.Log(ctx, log.LevelWarn, "worker launch failed",
			log.Int("attempt", attempt),
			log.Err(err))

		if attempt < attempts {
			if sleepErr := backoff.SleepWithContext(ctx, backoff.Linear(p.cfg.LaunchRetryBase, attempt)); sleepErr != nil {
				return nil, fmt.Errorf("%w: %s", ErrLaunchFailed, sleepErr)
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %s", ErrLaunchFailed, attempts, lastErr)
}

// Get returns the session if present.
func (p *Pool) Get(id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return sess, nil
}

// Acquire leases a session bound to the given backend, reusing an idle
// one when available and creating a fresh one otherwise.
func (p *Pool) Acquire(ctx context.Context, backendID, endpoint string) (*Session, error) {
	p.mu.Lock()
	for _, sess := range p.sessions {
		if !sess.InUse && sess.BackendID == backendID {
			sess.InUse = true
			sess.LastUsed = p.now()
			p.mu.Unlock()

			return sess, nil
		}
	}
	p.mu.Unlock()

	return p.Create(ctx, backendID, endpoint)
}

// Release returns a leased session to the idle set.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sess, ok := p.sessions[id]; ok {
		sess.InUse = false
		sess.LastUsed = p.now()
	}
}

// Touch stamps the session's last-used time.
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sess, ok := p.sessions[id]; ok {
		sess.LastUsed = p.now()
	}
}

// Close closes one session and releases its slot. Worker close failures
// are logged, not surfaced; the slot is reclaimed either way.
func (p *Pool) Close(ctx context.Context, id string) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if err := sess.Handle.Close(ctx); err != nil {
		p.logger.Log(ctx, log.LevelWarn, "session close failed",
			log.String("session_id", id),
			log.Err(err))
	}

	return nil
}

// remove drops a session from the registry without closing the handle.
// Used by the disconnect callback, where the worker is already gone.
func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

// Cleanup closes every session concurrently and clears the registry.
// Used during shutdown.
func (p *Pool) Cleanup(ctx context.Context) {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}

	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	grp, _ := errgroup.WithContext(ctx)
	grp.SetLogger(p.logger)

	for _, sess := range sessions {
		s := sess

		grp.Go(func() error {
			if err := s.Handle.Close(ctx); err != nil {
				p.logger.Log(ctx, log.LevelWarn, "session close failed during cleanup",
					log.String("session_id", s.ID),
					log.Err(err))
			}

			return nil
		})
	}

	_ = grp.Wait()
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0

	for _, sess := range p.sessions {
		if sess.InUse {
			active++
		}
	}

	return Stats{
		Total:  len(p.sessions) + p.launching,
		Active: active + p.launching,
		Max:    p.cfg.MaxSessions,
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	defer runtime.Recover(context.Background(), p.logger, "pool", "idle_sweep")

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopChan:
			return
		}
	}
}

// sweep closes idle sessions whose idle age strictly exceeds MaxIdleAge.
// In-use sessions are never reclaimed.
func (p *Pool) sweep() {
	ctx := context.Background()
	now := p.now()

	p.mu.Lock()
	var expired []*Session

	for id, sess := range p.sessions {
		if !sess.InUse && now.Sub(sess.LastUsed) > p.cfg.MaxIdleAge {
			expired = append(expired, sess)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, sess := range expired {
		p.logger.Log(ctx, log.LevelDebug, "reclaiming idle session",
			log.String("session_id", sess.ID),
			log.Duration("idle", now.Sub(sess.LastUsed)))

		if err := sess.Handle.Close(ctx); err != nil {
			p.logger.Log(ctx, log.LevelWarn, "idle session close failed",
				log.String("session_id", sess.ID),
				log.Err(err))
		}
	}
}
