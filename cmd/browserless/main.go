// Command browserless runs the browser-automation dispatch service: a
// fiber HTTP surface over a bounded worker-session pool, a multi-backend
// load balancer with per-backend circuit breakers, a memory-pressure
// monitor and a bounded work queue.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/steveteneriello/browserless/api"
	"github.com/steveteneriello/browserless/balancer"
	"github.com/steveteneriello/browserless/breaker"
	"github.com/steveteneriello/browserless/config"
	"github.com/steveteneriello/browserless/dispatch"
	"github.com/steveteneriello/browserless/health"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/memory"
	"github.com/steveteneriello/browserless/metrics"
	"github.com/steveteneriello/browserless/pool"
	"github.com/steveteneriello/browserless/queue"
	"github.com/steveteneriello/browserless/server"
	"github.com/steveteneriello/browserless/worker"
	zaplog "github.com/steveteneriello/browserless/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	logger, err := zaplog.NewLogger(level, cfg.Production)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	ctx := context.Background()

	launcher, err := worker.NewPlaywrightLauncher()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}

	defer func() { _ = launcher.Stop() }()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           time.Minute,
	})

	manager := server.NewManager(app, cfg.Address, logger).
		WithShutdownTimeout(cfg.ShutdownTimeout)

	// The monitor's controlled shutdown rides the same path as SIGTERM.
	monitor := memory.New(memory.Config{
		SampleInterval: cfg.SampleInterval,
		WarningRatio:   cfg.WarningRatio,
		CriticalRatio:  cfg.CriticalRatio,
		ReclaimGrace:   cfg.ReclaimGrace,
		ShutdownGrace:  cfg.ShutdownGrace,
	}, manager.Trigger, logger)

	sessions := pool.New(pool.Config{
		MaxSessions:     cfg.MaxSessions,
		LaunchRetries:   cfg.LaunchRetries,
		LaunchRetryBase: cfg.LaunchRetryBase,
		LaunchTimeout:   cfg.LaunchTimeout,
		MaxIdleAge:      cfg.MaxIdleAge,
		SweepInterval:   cfg.SweepInterval,
		Worker: worker.Config{
			Headless:       cfg.Headless,
			ViewportWidth:  cfg.ViewportWidth,
			ViewportHeight: cfg.ViewportHeight,
			PageTimeout:    cfg.PageTimeout,
		},
	}, launcher, monitor, logger)

	breakers := breaker.NewManager(logger)

	lb, err := balancer.New(balancer.Config{
		Strategy:            cfg.Strategy,
		HealthCheckInterval: cfg.HealthCheckInterval,
		ProbeTimeout:        cfg.ProbeTimeout,
		Breaker: breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
			RecoveryTimeout:  cfg.RecoveryTimeout,
			Timeout:          cfg.BreakerTimeout,
		},
	}, cfg.Backends, breakers, logger)
	if err != nil {
		return fmt.Errorf("build balancer: %w", err)
	}

	dispatcher := dispatch.New(lb, sessions, monitor, metrics.NewNopFactory(), logger)
	breakers.RegisterStateChangeListener(dispatcher)

	jobs := queue.New(queue.Config{
		Capacity:       cfg.QueueCapacity,
		Concurrency:    cfg.QueueConcurrency,
		MaxAttempts:    cfg.QueueMaxAttempts,
		RetryBase:      cfg.QueueRetryBase,
		RetainFinished: cfg.QueueRetain,
	}, dispatcher.Executor(), logger)
	dispatcher.AttachQueue(jobs)

	reporter := health.NewReporter(monitor, sessions, jobs, lb)

	api.NewHandler(dispatcher, reporter, jobs, logger).Register(app)

	dispatcher.Start()

	manager.OnShutdown(dispatcher.Shutdown)
	manager.OnShutdown(func(hookCtx context.Context) {
		_ = logger.Sync(hookCtx)
	})

	logger.Log(ctx, log.LevelInfo, "browserless starting",
		log.String("address", cfg.Address),
		log.String("strategy", cfg.Strategy),
		log.Int("backends", len(cfg.Backends)),
		log.Int("max_sessions", cfg.MaxSessions))

	return manager.Run()
}
