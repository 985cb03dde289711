package apipool

import (
	"sync"
	"time"
)

// circuitState mirrors pkg/rpcproxy/worker.go's CircuitState: the pool
// quarantines a member whose failures exceed MaxFailures, probes it again
// after ResetTimeout, and fully closes the circuit once HalfOpenRequests
// successes accumulate.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type breakerConfig struct {
	MaxFailures      int
	ResetTimeout     time.Duration
	HalfOpenRequests int
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second, HalfOpenRequests: 3}
}

type circuitBreaker struct {
	cfg             breakerConfig
	mu              sync.Mutex
	state           circuitState
	failures        int
	successes       int
	lastStateChange time.Time
}

func newCircuitBreaker(cfg breakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, state: circuitClosed, lastStateChange: time.Now()}
}

// Allow reports whether a call against the guarded member should proceed.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastStateChange) > cb.cfg.ResetTimeout {
			cb.state = circuitHalfOpen
			cb.successes = 0
			cb.lastStateChange = time.Now()
			return true
		}
		return false
	case circuitHalfOpen:
		return cb.successes < cb.cfg.HalfOpenRequests
	default:
		return false
	}
}

// RecordSuccess clears accumulated failures and, in half-open state,
// closes the circuit once enough probes have succeeded.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == circuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenRequests {
			cb.state = circuitClosed
			cb.lastStateChange = time.Now()
		}
	}
}

// RecordFailure opens the circuit once MaxFailures is reached, or
// immediately on any half-open failure.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == circuitClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.state = circuitOpen
		cb.lastStateChange = time.Now()
	} else if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		cb.lastStateChange = time.Now()
	}
}
