package dictionary

import (
	"sync"
	"time"
)

// breaker is a minimal circuit breaker over dictionary calls, the same
// Closed/Open/HalfOpen state machine as pkg/rpcproxy/worker.go's
// CircuitBreaker and apipool's circuitBreaker.
type breaker struct {
	mu              sync.Mutex
	open            bool
	failures        int
	successes       int
	lastStateChange time.Time
	halfOpen        bool
}

const (
	breakerMaxFailures      = 5
	breakerResetTimeout     = 20 * time.Second
	breakerHalfOpenRequests = 2
)

func newBreaker() *breaker {
	return &breaker{lastStateChange: time.Now()}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.lastStateChange) > breakerResetTimeout {
		b.halfOpen = true
		b.successes = 0
		b.lastStateChange = time.Now()
		return true
	}
	return b.halfOpen && b.successes < breakerHalfOpenRequests
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.halfOpen {
		b.successes++
		if b.successes >= breakerHalfOpenRequests {
			b.open = false
			b.halfOpen = false
			b.lastStateChange = time.Now()
		}
	}
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if !b.open && b.failures >= breakerMaxFailures {
		b.open = true
		b.lastStateChange = time.Now()
	} else if b.halfOpen {
		b.halfOpen = false
		b.open = true
		b.lastStateChange = time.Now()
	}
}
