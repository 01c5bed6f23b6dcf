// Package server runs the fiber HTTP server with coordinated graceful
// shutdown. Shutdown can be driven by OS signals, a test-injected
// channel, or programmatically (the memory monitor's controlled
// shutdown path); whichever fires first wins and the sequence runs
// exactly once.
package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/runtime"
)

// Hook is a shutdown step run after the HTTP listener stops accepting
// connections. Hooks run in registration order, all bounded by the
// shutdown timeout.
type Hook func(ctx context.Context)

// Manager handles the lifecycle of the HTTP server.
type Manager struct {
	app     *fiber.App
	address string
	logger  log.Logger

	shutdownTimeout time.Duration
	shutdownChan    <-chan struct{}
	triggerChan     chan struct{}
	triggerOnce     sync.Once
	shutdownOnce    sync.Once
	hooks           []Hook
	startupErrors   chan error
}

// NewManager creates a Manager for the given fiber app.
func NewManager(app *fiber.App, address string, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		app:             app,
		address:         address,
		logger:          logger,
		shutdownTimeout: 30 * time.Second,
		triggerChan:     make(chan struct{}),
		startupErrors:   make(chan error, 1),
	}
}

// WithShutdownTimeout configures the maximum duration granted to the
// listener drain and the shutdown hooks. Defaults to 30 seconds.
func (m *Manager) WithShutdownTimeout(d time.Duration) *Manager {
	m.shutdownTimeout = d

	return m
}

// WithShutdownChannel configures a custom shutdown channel, letting
// tests trigger shutdown deterministically instead of sending signals.
func (m *Manager) WithShutdownChannel(ch <-chan struct{}) *Manager {
	m.shutdownChan = ch

	return m
}

// OnShutdown registers a hook to run during shutdown.
func (m *Manager) OnShutdown(hook Hook) *Manager {
	m.hooks = append(m.hooks, hook)

	return m
}

// Trigger starts the shutdown sequence programmatically. Safe to call
// multiple times and from any goroutine.
func (m *Manager) Trigger(_ context.Context) {
	m.triggerOnce.Do(func() { close(m.triggerChan) })
}

// Run starts the server and blocks until a shutdown source fires, then
// executes the shutdown sequence and returns. A listener startup
// failure also ends Run, after the hooks have released resources.
func (m *Manager) Run() error {
	ctx := context.Background()

	runtime.SafeGo(ctx, m.logger, "server", "listen", func(context.Context) {
		m.logger.Log(ctx, log.LevelInfo, "http server listening",
			log.String("address", m.address))

		if err := m.app.Listen(m.address); err != nil {
			m.startupErrors <- err
		}
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var startupErr error

	select {
	case sig := <-signals:
		m.logger.Log(ctx, log.LevelInfo, "shutdown signal received",
			log.String("signal", sig.String()))
	case <-m.triggerChan:
		m.logger.Log(ctx, log.LevelWarn, "programmatic shutdown triggered")
	case <-m.shutdownChanOrNever():
		m.logger.Log(ctx, log.LevelInfo, "shutdown channel closed")
	case err := <-m.startupErrors:
		m.logger.Log(ctx, log.LevelError, "http server failed to start", log.Err(err))

		startupErr = err
	}

	m.executeShutdown()

	return startupErr
}

// shutdownChanOrNever returns the configured shutdown channel, or one
// that never fires.
func (m *Manager) shutdownChanOrNever() <-chan struct{} {
	if m.shutdownChan != nil {
		return m.shutdownChan
	}

	return make(chan struct{})
}

// executeShutdown drains the listener and runs the hooks, once.
func (m *Manager) executeShutdown() {
	m.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()

		m.logger.Log(ctx, log.LevelInfo, "shutting down http server")

		if err := m.app.ShutdownWithTimeout(m.shutdownTimeout); err != nil {
			m.logger.Log(ctx, log.LevelWarn, "http server shutdown failed", log.Err(err))
		}

		for _, hook := range m.hooks {
			hook(ctx)
		}

		m.logger.Log(ctx, log.LevelInfo, "shutdown complete")
	})
}
