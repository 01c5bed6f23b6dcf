package config

import (
	"testing"
	"time"

	"github.com/steveteneriello/browserless/balancer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Address)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, BreakerProfileBalanced, cfg.BreakerProfile)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, balancer.StrategyHealthBased, cfg.Strategy)
	assert.Equal(t, 0.8, cfg.WarningRatio)
	assert.Equal(t, 0.9, cfg.CriticalRatio)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, 30*time.Second, cfg.BreakerTimeout)

	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "local", cfg.Backends[0].ID)
	assert.Empty(t, cfg.Backends[0].URL)
	assert.Equal(t, 5, cfg.Backends[0].MaxLoad)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ADDRESS", ":8080")
	t.Setenv("MAX_SESSIONS", "25")
	t.Setenv("STRATEGY", "round_robin")
	t.Setenv("BREAKER_RECOVERY_TIMEOUT", "10s")
	t.Setenv("MEMORY_WARNING_RATIO", "0.7")
	t.Setenv("HEADLESS", "false")
	t.Setenv("BACKENDS", "chrome-1=http://10.0.0.1:9222,10")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, 25, cfg.MaxSessions)
	assert.Equal(t, "round_robin", cfg.Strategy)
	assert.Equal(t, 10*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 0.7, cfg.WarningRatio)
	assert.False(t, cfg.Headless)

	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "chrome-1", cfg.Backends[0].ID)
	assert.Equal(t, "http://10.0.0.1:9222", cfg.Backends[0].URL)
	assert.Equal(t, 10, cfg.Backends[0].MaxLoad)
}

func TestFromEnv_AggressiveBreakerProfile(t *testing.T) {
	t.Setenv("BREAKER_PROFILE", "aggressive")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "7")

	cfg, err := FromEnv()
	require.NoError(t, err)

	// The profile supplies the defaults; explicit options win over it.
	assert.Equal(t, BreakerProfileAggressive, cfg.BreakerProfile)
	assert.Equal(t, 7, cfg.FailureThreshold)
	assert.Equal(t, 1, cfg.HalfOpenMaxCalls)
	assert.Equal(t, 15*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 10*time.Second, cfg.BreakerTimeout)
}

func TestFromEnv_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("MAX_SESSIONS", "lots")
	t.Setenv("MEMORY_WARNING_RATIO", "plenty")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, 0.8, cfg.WarningRatio)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestFromEnv_RejectsInvalidCombinations(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown strategy", "STRATEGY", "coin_flip"},
		{"unknown breaker profile", "BREAKER_PROFILE", "reckless"},
		{"critical below warning", "MEMORY_CRITICAL_RATIO", "0.5"},
		{"negative shutdown grace", "MEMORY_SHUTDOWN_GRACE", "-1s"},
		{"malformed backends", "BACKENDS", "chrome-1"},
		{"duplicate backend ids", "BACKENDS", "a=,1;a=,2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}

func TestParseBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    []balancer.Entry
		wantErr bool
	}{
		{
			name: "single remote backend",
			raw:  "chrome-1=http://10.0.0.1:9222,10",
			want: []balancer.Entry{{ID: "chrome-1", URL: "http://10.0.0.1:9222", MaxLoad: 10}},
		},
		{
			name: "mixed remote and local",
			raw:  "chrome-1=ws://10.0.0.1:9222,10; local=,5",
			want: []balancer.Entry{
				{ID: "chrome-1", URL: "ws://10.0.0.1:9222", MaxLoad: 10},
				{ID: "local", URL: "", MaxLoad: 5},
			},
		},
		{
			name: "trailing semicolon tolerated",
			raw:  "local=,5;",
			want: []balancer.Entry{{ID: "local", URL: "", MaxLoad: 5}},
		},
		{name: "empty list", raw: "", wantErr: true},
		{name: "missing capacity", raw: "chrome-1=http://10.0.0.1:9222", wantErr: true},
		{name: "zero capacity", raw: "chrome-1=http://10.0.0.1:9222,0", wantErr: true},
		{name: "negative capacity", raw: "chrome-1=http://10.0.0.1:9222,-3", wantErr: true},
		{name: "missing id", raw: "=http://10.0.0.1:9222,5", wantErr: true},
		{name: "url without scheme", raw: "chrome-1=10.0.0.1:9222,5", wantErr: true},
		{name: "unsupported scheme", raw: "chrome-1=ftp://10.0.0.1,5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseBackends(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidBackends)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			MaxSessions:    10,
			WarningRatio:   0.8,
			CriticalRatio:  0.9,
			ShutdownGrace:  30 * time.Second,
			QueueCapacity:  100,
			Strategy:       balancer.StrategyRoundRobin,
			BreakerProfile: BreakerProfileBalanced,
			Backends:       []balancer.Entry{{ID: "local", MaxLoad: 5}},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non-positive sessions", func(c *Config) { c.MaxSessions = 0 }},
		{"warning ratio out of range", func(c *Config) { c.WarningRatio = 1.2 }},
		{"critical at or below warning", func(c *Config) { c.CriticalRatio = 0.8 }},
		{"non-positive queue capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"non-positive shutdown grace", func(c *Config) { c.ShutdownGrace = 0 }},
		{"unknown strategy", func(c *Config) { c.Strategy = "coin_flip" }},
		{"unknown breaker profile", func(c *Config) { c.BreakerProfile = "reckless" }},
		{"duplicate backends", func(c *Config) {
			c.Backends = append(c.Backends, balancer.Entry{ID: "local", MaxLoad: 1})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
