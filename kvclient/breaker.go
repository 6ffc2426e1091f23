package kvclient

import (
	"errors"
	"sync"
	"time"
)

type breakerState int

const (
	breakerStateClosed breakerState = iota
	breakerStateOpen
	breakerStateHalfOpen
)

type circuitBreakerConfig struct {
	Enabled bool

	// VolumeThreshold is the minimum number of tracked requests in a
	// window before the failure ratio is considered at all.
	VolumeThreshold int64

	// ErrorThresholdPercentage opens the breaker once reached.
	ErrorThresholdPercentage float64

	// SleepWindow is how long the breaker stays open before permitting a
	// half-open canary.
	SleepWindow time.Duration

	// RollingWindow bounds the age of the tracked counters.
	RollingWindow time.Duration

	CanaryTimeout time.Duration

	// CompletionCallback classifies an operation error; returning true
	// counts the operation as successful for breaker purposes.
	CompletionCallback func(error) bool
}

func defaultBreakerConfig() circuitBreakerConfig {
	return circuitBreakerConfig{
		Enabled:                  true,
		VolumeThreshold:          20,
		ErrorThresholdPercentage: 50,
		SleepWindow:              5 * time.Second,
		RollingWindow:            time.Minute,
		CanaryTimeout:            defaultCanaryTimeout,
		CompletionCallback:       defaultBreakerCompletion,
	}
}

// defaultBreakerCompletion counts only infrastructure failures against the
// breaker; server status errors mean the node is alive and answering.
func defaultBreakerCompletion(err error) bool {
	if err == nil {
		return true
	}
	var kvErr *KvError
	if errors.As(err, &kvErr) {
		return true
	}
	return errors.Is(err, ErrCancelled)
}

// circuitBreaker protects one node from request pile-up while it is
// unhealthy. Closed counts outcomes over a rolling window; open rejects
// outright; half-open admits a single canary.
type circuitBreaker struct {
	config circuitBreakerConfig

	lock        sync.Mutex
	state       breakerState
	total       int64
	failed      int64
	windowStart time.Time
	openedAt    time.Time
	canarySent  bool
}

func newCircuitBreaker(config circuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{
		config:      config,
		state:       breakerStateClosed,
		windowStart: time.Now(),
	}
}

// State also performs the open → half-open transition once the sleep
// window has elapsed.
func (cb *circuitBreaker) State() breakerState {
	cb.lock.Lock()
	defer cb.lock.Unlock()
	return cb.stateLocked()
}

func (cb *circuitBreaker) stateLocked() breakerState {
	if cb.state == breakerStateOpen && time.Since(cb.openedAt) >= cb.config.SleepWindow {
		cb.state = breakerStateHalfOpen
		cb.canarySent = false
	}
	return cb.state
}

// AllowsRequest reports whether a normal request may proceed right now.
func (cb *circuitBreaker) AllowsRequest() bool {
	if !cb.config.Enabled {
		return true
	}
	return cb.State() == breakerStateClosed
}

// ShouldSendCanary claims the single half-open probe slot.
func (cb *circuitBreaker) ShouldSendCanary() bool {
	cb.lock.Lock()
	defer cb.lock.Unlock()
	if cb.stateLocked() != breakerStateHalfOpen || cb.canarySent {
		return false
	}
	cb.canarySent = true
	return true
}

func (cb *circuitBreaker) MarkSuccessful() {
	cb.lock.Lock()
	defer cb.lock.Unlock()

	if cb.stateLocked() == breakerStateHalfOpen {
		cb.resetLocked()
		return
	}

	cb.rollWindowLocked()
	cb.total++
}

func (cb *circuitBreaker) MarkFailure() {
	cb.lock.Lock()
	defer cb.lock.Unlock()

	if cb.stateLocked() == breakerStateHalfOpen {
		cb.state = breakerStateOpen
		cb.openedAt = time.Now()
		return
	}

	cb.rollWindowLocked()
	cb.total++
	cb.failed++

	if cb.total >= cb.config.VolumeThreshold &&
		float64(cb.failed)/float64(cb.total)*100 >= cb.config.ErrorThresholdPercentage {
		cb.state = breakerStateOpen
		cb.openedAt = time.Now()
	}
}

func (cb *circuitBreaker) rollWindowLocked() {
	if time.Since(cb.windowStart) > cb.config.RollingWindow {
		cb.total = 0
		cb.failed = 0
		cb.windowStart = time.Now()
	}
}

func (cb *circuitBreaker) resetLocked() {
	cb.state = breakerStateClosed
	cb.total = 0
	cb.failed = 0
	cb.windowStart = time.Now()
}

func (cb *circuitBreaker) Reset() {
	cb.lock.Lock()
	cb.resetLocked()
	cb.lock.Unlock()
}

func (cb *circuitBreaker) CanaryTimeout() time.Duration {
	return cb.config.CanaryTimeout
}

func (cb *circuitBreaker) CompletionCallback(err error) bool {
	return cb.config.CompletionCallback(err)
}
