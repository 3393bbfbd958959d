package upstream

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"rpcbatcher/internal/config"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// CircuitBreakerConfigFrom converts the config section; nil disables the breaker
func CircuitBreakerConfigFrom(cfg *config.CircuitBreakerConfig) CircuitBreakerConfig {
	if cfg == nil {
		return CircuitBreakerConfig{}
	}
	return CircuitBreakerConfig{
		Enabled:             cfg.Enabled,
		FailureThreshold:    cfg.FailureThreshold,
		RecoveryTimeout:     cfg.GetRecoveryTimeoutDuration(),
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
	}
}

// CircuitBreaker temporarily excludes an upstream from selection after consecutive failed batches
type CircuitBreaker struct {
	cfg             CircuitBreakerConfig
	clock           clockwork.Clock
	state           cbState
	failures        int
	halfOpenSuccess int
	lastFailureAt   time.Time
	mu              sync.Mutex
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig, clock clockwork.Clock) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = config.DefaultCBFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Duration(config.DefaultCBRecoveryTimeout) * time.Millisecond
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = config.DefaultCBHalfOpenMaxRequests
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		clock: clock,
		state: cbClosed,
	}
}

// AllowRequest returns true if a batch may be sent. An open breaker moves to
// half-open once the recovery timeout has passed.
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.cfg.Enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbHalfOpen:
		return cb.halfOpenSuccess < cb.cfg.HalfOpenMaxRequests
	case cbOpen:
		if cb.clock.Since(cb.lastFailureAt) >= cb.cfg.RecoveryTimeout {
			cb.state = cbHalfOpen
			cb.halfOpenSuccess = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful batch
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenMaxRequests {
			cb.state = cbClosed
			cb.failures = 0
		}
	case cbClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed batch
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = cb.clock.Now()

	switch cb.state {
	case cbClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = cbOpen
		}
	case cbHalfOpen:
		cb.state = cbOpen
		cb.halfOpenSuccess = 0
	}
}

// State returns the breaker state name
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}
