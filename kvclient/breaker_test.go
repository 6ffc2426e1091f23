package kvclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testBreakerConfig() circuitBreakerConfig {
	config := defaultBreakerConfig()
	config.VolumeThreshold = 4
	config.ErrorThresholdPercentage = 50
	config.SleepWindow = 50 * time.Millisecond
	return config
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	cb := newCircuitBreaker(testBreakerConfig())
	assert.True(t, cb.AllowsRequest())

	cb.MarkSuccessful()
	cb.MarkFailure()
	cb.MarkFailure()
	assert.True(t, cb.AllowsRequest(), "below volume threshold")

	cb.MarkFailure()
	assert.False(t, cb.AllowsRequest())
	assert.Equal(t, breakerStateOpen, cb.State())
}

func TestBreakerHalfOpenAfterSleepWindow(t *testing.T) {
	cb := newCircuitBreaker(testBreakerConfig())
	for i := 0; i < 4; i++ {
		cb.MarkFailure()
	}
	assert.Equal(t, breakerStateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, breakerStateHalfOpen, cb.State())

	// only one canary slot
	assert.True(t, cb.ShouldSendCanary())
	assert.False(t, cb.ShouldSendCanary())

	// canary success closes the breaker
	cb.MarkSuccessful()
	assert.Equal(t, breakerStateClosed, cb.State())
	assert.True(t, cb.AllowsRequest())
}

func TestBreakerCanaryFailureReopens(t *testing.T) {
	cb := newCircuitBreaker(testBreakerConfig())
	for i := 0; i < 4; i++ {
		cb.MarkFailure()
	}
	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.ShouldSendCanary())

	cb.MarkFailure()
	assert.Equal(t, breakerStateOpen, cb.State())
	assert.False(t, cb.AllowsRequest())
}

func TestBreakerDisabledAlwaysAllows(t *testing.T) {
	config := testBreakerConfig()
	config.Enabled = false
	cb := newCircuitBreaker(config)

	for i := 0; i < 100; i++ {
		cb.MarkFailure()
	}
	assert.True(t, cb.AllowsRequest())
}

func TestBreakerCompletionCallbackClassification(t *testing.T) {
	// server status errors mean the node answered and must not trip the
	// breaker; infrastructure failures must
	assert.True(t, defaultBreakerCompletion(nil))
	assert.True(t, defaultBreakerCompletion(&KvError{InnerError: ErrNotFound}))
	assert.True(t, defaultBreakerCompletion(ErrCancelled))
	assert.False(t, defaultBreakerCompletion(ErrTimeout))
	assert.False(t, defaultBreakerCompletion(ErrConnectionClosed))
}
