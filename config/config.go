// Package config loads the service configuration from the environment
// as a flat set of named options with documented defaults. Backend
// instances are enumerated explicitly and validated at startup;
// malformed entries are rejected, never silently skipped.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/steveteneriello/browserless/balancer"
	"github.com/steveteneriello/browserless/breaker"
)

// Breaker profile names selectable via BREAKER_PROFILE. The profile
// supplies the breaker defaults; the individual BREAKER_* options
// override single fields on top of it.
const (
	BreakerProfileBalanced   = "balanced"
	BreakerProfileAggressive = "aggressive"
)

var (
	// ErrInvalidBackends is returned when the BACKENDS entry list cannot
	// be parsed or fails validation.
	ErrInvalidBackends = errors.New("config: invalid backends")

	// ErrInvalidOption is returned when a single option fails validation.
	ErrInvalidOption = errors.New("config: invalid option")
)

// Config is the complete flat configuration of the service.
type Config struct {
	// HTTP surface
	Address         string
	LogLevel        string
	Production      bool
	ShutdownTimeout time.Duration

	// Worker session pool
	MaxSessions     int
	LaunchRetries   int
	LaunchRetryBase time.Duration
	LaunchTimeout   time.Duration
	MaxIdleAge      time.Duration
	SweepInterval   time.Duration

	// Worker launch template
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	PageTimeout    time.Duration

	// Circuit breaker
	BreakerProfile   string
	FailureThreshold int
	SuccessThreshold int
	HalfOpenMaxCalls int
	RecoveryTimeout  time.Duration
	BreakerTimeout   time.Duration

	// Load balancer
	Strategy            string
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	Backends            []balancer.Entry

	// Memory monitor
	SampleInterval time.Duration
	WarningRatio   float64
	CriticalRatio  float64
	ReclaimGrace   time.Duration
	ShutdownGrace  time.Duration

	// Work queue
	QueueCapacity    int
	QueueConcurrency int
	QueueMaxAttempts int
	QueueRetryBase   time.Duration
	QueueRetain      int
}

// FromEnv loads and validates configuration from the environment.
func FromEnv() (*Config, error) {
	profile := getEnv("BREAKER_PROFILE", BreakerProfileBalanced)

	base := breaker.DefaultConfig()
	if profile == BreakerProfileAggressive {
		base = breaker.AggressiveConfig()
	}

	cfg := &Config{
		Address:         getEnv("ADDRESS", ":3000"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Production:      getBool("PRODUCTION", false),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		MaxSessions:     getInt("MAX_SESSIONS", 10),
		LaunchRetries:   getInt("LAUNCH_RETRIES", 3),
		LaunchRetryBase: getDuration("LAUNCH_RETRY_BASE", time.Second),
		LaunchTimeout:   getDuration("LAUNCH_TIMEOUT", 30*time.Second),
		MaxIdleAge:      getDuration("MAX_IDLE_AGE", 5*time.Minute),
		SweepInterval:   getDuration("SWEEP_INTERVAL", time.Minute),

		Headless:       getBool("HEADLESS", true),
		ViewportWidth:  getInt("VIEWPORT_WIDTH", 1280),
		ViewportHeight: getInt("VIEWPORT_HEIGHT", 720),
		PageTimeout:    getDuration("PAGE_TIMEOUT", 30*time.Second),

		BreakerProfile:   profile,
		FailureThreshold: getInt("BREAKER_FAILURE_THRESHOLD", base.FailureThreshold),
		SuccessThreshold: getInt("BREAKER_SUCCESS_THRESHOLD", base.SuccessThreshold),
		HalfOpenMaxCalls: getInt("BREAKER_HALF_OPEN_MAX_CALLS", base.HalfOpenMaxCalls),
		RecoveryTimeout:  getDuration("BREAKER_RECOVERY_TIMEOUT", base.RecoveryTimeout),
		BreakerTimeout:   getDuration("BREAKER_TIMEOUT", base.Timeout),

		Strategy:            getEnv("STRATEGY", balancer.StrategyHealthBased),
		HealthCheckInterval: getDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		ProbeTimeout:        getDuration("PROBE_TIMEOUT", 5*time.Second),

		SampleInterval: getDuration("MEMORY_SAMPLE_INTERVAL", 10*time.Second),
		WarningRatio:   getFloat("MEMORY_WARNING_RATIO", 0.8),
		CriticalRatio:  getFloat("MEMORY_CRITICAL_RATIO", 0.9),
		ReclaimGrace:   getDuration("MEMORY_RECLAIM_GRACE", 5*time.Second),
		ShutdownGrace:  getDuration("MEMORY_SHUTDOWN_GRACE", 30*time.Second),

		QueueCapacity:    getInt("QUEUE_CAPACITY", 100),
		QueueConcurrency: getInt("QUEUE_CONCURRENCY", 4),
		QueueMaxAttempts: getInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueRetryBase:   getDuration("QUEUE_RETRY_BASE", 2*time.Second),
		QueueRetain:      getInt("QUEUE_RETAIN_FINISHED", 200),
	}

	backends, err := ParseBackends(getEnv("BACKENDS", "local=,5"))
	if err != nil {
		return nil, err
	}

	cfg.Backends = backends

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseBackends parses the explicit backend enumeration. The format is
// semicolon-separated entries of the form
//
//	id=url,capacity
//
// where url may be empty for locally launched workers, e.g.
//
//	chrome-1=http://10.0.0.1:9222,10;local=,5
func ParseBackends(raw string) ([]balancer.Entry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty list", ErrInvalidBackends)
	}

	var entries []balancer.Entry

	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, rest, ok := strings.Cut(part, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: entry %q must be id=url,capacity", ErrInvalidBackends, part)
		}

		endpoint, capStr, ok := splitLast(rest, ",")
		if !ok {
			return nil, fmt.Errorf("%w: entry %q is missing a capacity", ErrInvalidBackends, part)
		}

		capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
		if err != nil || capacity <= 0 {
			return nil, fmt.Errorf("%w: entry %q has a non-positive capacity", ErrInvalidBackends, part)
		}

		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" {
			parsed, err := url.Parse(endpoint)
			if err != nil || parsed.Host == "" {
				return nil, fmt.Errorf("%w: entry %q has a malformed url", ErrInvalidBackends, part)
			}

			switch parsed.Scheme {
			case "http", "https", "ws", "wss":
			default:
				return nil, fmt.Errorf("%w: entry %q has unsupported scheme %q", ErrInvalidBackends, part, parsed.Scheme)
			}
		}

		entries = append(entries, balancer.Entry{
			ID:      strings.TrimSpace(id),
			URL:     endpoint,
			MaxLoad: capacity,
		})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty list", ErrInvalidBackends)
	}

	return entries, nil
}

// splitLast splits s at the last occurrence of sep.
func splitLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}

	return s[:idx], s[idx+len(sep):], true
}

// Validate rejects option combinations the dispatch core cannot run
// with.
func (cfg *Config) Validate() error {
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("%w: MAX_SESSIONS must be positive", ErrInvalidOption)
	}

	if cfg.WarningRatio <= 0 || cfg.WarningRatio >= 1 {
		return fmt.Errorf("%w: MEMORY_WARNING_RATIO must be in (0, 1)", ErrInvalidOption)
	}

	if cfg.CriticalRatio <= cfg.WarningRatio || cfg.CriticalRatio >= 1 {
		return fmt.Errorf("%w: MEMORY_CRITICAL_RATIO must be in (MEMORY_WARNING_RATIO, 1)", ErrInvalidOption)
	}

	if cfg.ShutdownGrace <= 0 {
		return fmt.Errorf("%w: MEMORY_SHUTDOWN_GRACE must be positive", ErrInvalidOption)
	}

	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("%w: QUEUE_CAPACITY must be positive", ErrInvalidOption)
	}

	switch cfg.BreakerProfile {
	case BreakerProfileBalanced, BreakerProfileAggressive:
	default:
		return fmt.Errorf("%w: unknown BREAKER_PROFILE %q", ErrInvalidOption, cfg.BreakerProfile)
	}

	if _, err := balancer.NewStrategy(cfg.Strategy); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidOption, err)
	}

	seen := make(map[string]bool, len(cfg.Backends))
	for _, entry := range cfg.Backends {
		if seen[entry.ID] {
			return fmt.Errorf("%w: duplicate backend id %q", ErrInvalidBackends, entry.ID)
		}

		seen[entry.ID] = true
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func getFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}

	return parsed
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return parsed
}
