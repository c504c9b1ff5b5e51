package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-orchestrator/internal/config"
)

func TestRetryConfigMapping(t *testing.T) {
	rc := retryConfig(config.RetryConfig{
		MaxAttempts:        4,
		AttemptTimeoutSecs: 30,
		InitialBackoffMS:   250,
		MaxBackoffMS:       8000,
		Multiplier:         1.5,
		JitterFraction:     0.1,
	})

	assert.Equal(t, 4, rc.MaxAttempts)
	assert.Equal(t, 30*time.Second, rc.AttemptTimeout)
	assert.Equal(t, 250*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, 8*time.Second, rc.MaxBackoff)
	assert.InDelta(t, 1.5, rc.Multiplier, 0.001)
	assert.InDelta(t, 0.1, rc.JitterFraction, 0.001)
}

func TestBreakerConfigMapping(t *testing.T) {
	bc := breakerConfig(config.BreakerConfig{
		WindowSize:           20,
		FailureRateThreshold: 0.6,
		MinSamples:           8,
		CooldownSecs:         45,
		CooldownMultiplier:   3.0,
		MaxCooldownSecs:      600,
	})

	assert.Equal(t, 20, bc.WindowSize)
	assert.InDelta(t, 0.6, bc.FailureRateThreshold, 0.001)
	assert.Equal(t, 8, bc.MinSamples)
	assert.Equal(t, 45*time.Second, bc.Cooldown)
	assert.InDelta(t, 3.0, bc.CooldownMultiplier, 0.001)
	assert.Equal(t, 10*time.Minute, bc.MaxCooldown)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{}
	cfg.Store.Driver = "oracle"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEngine_InvalidConfig(t *testing.T) {
	cfg = &config.Config{}
	cfg.Store.Driver = "sqlite"

	_, err := initEngine(context.Background(), "run")
	require.Error(t, err)
}
