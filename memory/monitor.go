// Package memory implements the process-wide memory pressure monitor.
// It samples heap and resident-set usage on a fixed interval, classifies
// pressure against warning/critical thresholds, forces reclamation, and
// escalates to a controlled shutdown when reclamation does not help.
// The monitor is a constructed dependency with an explicit lifecycle,
// injected into the pool and the health reporter.
package memory

import (
	"context"
	"os"
	goruntime "runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/runtime"
)

// Sample is one point-in-time memory reading. Recomputed on every tick,
// never persisted.
type Sample struct {
	HeapUsed  uint64  `json:"heapUsed"`
	HeapTotal uint64  `json:"heapTotal"`
	External  uint64  `json:"external"`
	RSS       uint64  `json:"rss"`
	Ratio     float64 `json:"ratio"`
	Warning   bool    `json:"warning"`
	Critical  bool    `json:"critical"`
}

// Config holds monitor configuration.
type Config struct {
	SampleInterval time.Duration
	WarningRatio   float64       // heap usage ratio above which pressure is flagged
	CriticalRatio  float64       // heap usage ratio above which shutdown may be triggered
	ReclaimGrace   time.Duration // wait between reclamation and the confirming re-sample
	ShutdownGrace  time.Duration // wait for graceful shutdown before force-exit
}

// ShutdownFunc asks the process to stop accepting work and wind down.
type ShutdownFunc func(ctx context.Context)

// Monitor samples process memory and drives reclamation and shutdown.
type Monitor struct {
	cfg      Config
	logger   log.Logger
	shutdown ShutdownFunc

	mu      sync.Mutex
	current Sample
	started bool

	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	readings func() (heapUsed, heapTotal, external, rss uint64)
	reclaim  func()
	exit     func(code int)
}

// New creates a Monitor. The shutdown func is invoked at most once, after
// a critical sample survives a reclamation attempt.
func New(cfg Config, shutdown ShutdownFunc, logger log.Logger) *Monitor {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown,
		stopChan: make(chan struct{}),
		readings: readProcessMemory,
		reclaim:  forceReclaim,
		exit:     os.Exit,
	}
}

// Start begins the sampling loop. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}

	m.started = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.sampleOnce()

	m.wg.Add(1)

	go m.loop()
}

// Stop halts the sampling loop. Safe to call on a monitor that was never
// started, and safe to call twice.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}

	m.started = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

// Sample returns the most recent reading.
func (m *Monitor) Sample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// UnderPressure reports whether the latest sample crossed the warning
// threshold.
func (m *Monitor) UnderPressure() bool {
	return m.Sample().Warning
}

// Critical reports whether the latest sample crossed the critical
// threshold.
func (m *Monitor) Critical() bool {
	return m.Sample().Critical
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	defer runtime.Recover(context.Background(), m.logger, "memory", "sample_loop")

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) tick() {
	ctx := context.Background()
	sample := m.sampleOnce()

	switch {
	case sample.Critical:
		m.logger.Log(ctx, log.LevelError, "critical memory pressure",
			log.Float64("ratio", sample.Ratio),
			log.Any("rss", sample.RSS))
		m.handleCritical(ctx)
	case sample.Warning:
		m.logger.Log(ctx, log.LevelWarn, "memory pressure warning",
			log.Float64("ratio", sample.Ratio))
		m.reclaim()
	}
}

// handleCritical reclaims, waits out the grace delay, and re-samples.
// If usage is still critical the controlled shutdown fires exactly once,
// with a force-exit guard should graceful shutdown stall.
func (m *Monitor) handleCritical(ctx context.Context) {
	m.reclaim()

	select {
	case <-time.After(m.cfg.ReclaimGrace):
	case <-m.stopChan:
		return
	}

	if !m.sampleOnce().Critical {
		m.logger.Log(ctx, log.LevelInfo, "memory pressure recovered after reclamation")
		return
	}

	m.shutdownOnce.Do(func() {
		m.logger.Log(ctx, log.LevelError, "memory still critical after reclamation, initiating shutdown")

		if m.cfg.ShutdownGrace > 0 {
			exitGuard := time.AfterFunc(m.cfg.ShutdownGrace, func() {
				m.logger.Log(ctx, log.LevelError, "graceful shutdown exceeded grace period, forcing exit")
				m.exit(1)
			})
			defer exitGuard.Stop()
		}

		if m.shutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace)
			defer cancel()

			m.shutdown(shutdownCtx)
		}
	})
}

// sampleOnce reads memory, classifies it, and stores it as current.
func (m *Monitor) sampleOnce() Sample {
	heapUsed, heapTotal, external, rss := m.readings()

	ratio := 0.0
	if heapTotal > 0 {
		ratio = float64(heapUsed) / float64(heapTotal)
	}

	critical := ratio > m.cfg.CriticalRatio
	// Classification is monotonic: critical always implies warning.
	warning := critical || ratio > m.cfg.WarningRatio

	sample := Sample{
		HeapUsed:  heapUsed,
		HeapTotal: heapTotal,
		External:  external,
		RSS:       rss,
		Ratio:     ratio,
		Warning:   warning,
		Critical:  critical,
	}

	m.mu.Lock()
	m.current = sample
	m.mu.Unlock()

	return sample
}

// readProcessMemory reads heap statistics from the Go runtime and the
// resident set size from the OS.
func readProcessMemory() (heapUsed, heapTotal, external, rss uint64) {
	var ms goruntime.MemStats

	goruntime.ReadMemStats(&ms)

	heapUsed = ms.HeapAlloc
	heapTotal = ms.HeapSys
	external = ms.Sys - ms.HeapSys

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			rss = info.RSS
		}
	}

	return heapUsed, heapTotal, external, rss
}

// forceReclaim asks the runtime to collect garbage and return freed
// memory to the OS.
func forceReclaim() {
	goruntime.GC()
	debug.FreeOSMemory()
}
