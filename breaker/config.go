package breaker

import "time"

// Config holds circuit breaker configuration.
type Config struct {
	FailureThreshold int           // consecutive failures to trip Open
	SuccessThreshold int           // consecutive successes in HalfOpen to close
	HalfOpenMaxCalls int           // max in-flight calls while HalfOpen
	RecoveryTimeout  time.Duration // how long Open lasts before a trial call is allowed
	Timeout          time.Duration // per-call execution timeout
}

// DefaultConfig provides balanced settings for browser backends.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 3,
		RecoveryTimeout:  30 * time.Second,
		Timeout:          30 * time.Second,
	}
}

// AggressiveConfig for backends requiring fast failure detection, such as
// instances known to crash under load.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
		RecoveryTimeout:  15 * time.Second,
		Timeout:          10 * time.Second,
	}
}

// normalized returns a copy of cfg with non-positive fields replaced by
// the defaults, so a zero-value Config still behaves sanely.
func (cfg Config) normalized() Config {
	def := DefaultConfig()

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}

	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}

	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return cfg
}
