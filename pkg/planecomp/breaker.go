package planecomp

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every attempt through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects attempts until the retry timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a circuit breaker is open and rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 3
	FailureThreshold int
	// Timeout is how long the circuit stays open before a probe is allowed.
	// Default: DefaultAllocationRetry
	Timeout time.Duration
	// OnStateChange is called, without locks held, when the state changes.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker stops a window from retrying plane allocation every
// frame once allocation keeps failing. After Timeout one probe is let
// through; its success closes the circuit, its failure reopens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probing     bool
	rejections  int64
	lastFailure error
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAllocationRetry
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Rejections returns how many attempts were refused while open.
func (cb *CircuitBreaker) Rejections() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejections
}

// LastFailure returns the error of the most recent failed attempt.
func (cb *CircuitBreaker) LastFailure() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()
	cb.changed(from, CircuitClosed)
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			cb.rejections++
			cb.mu.Unlock()
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		cb.mu.Unlock()
		cb.changed(CircuitOpen, CircuitHalfOpen)
		return true
	default:
		if cb.probing {
			cb.rejections++
			cb.mu.Unlock()
			return false
		}
		cb.probing = true
		cb.mu.Unlock()
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	cb.probing = false
	if err == nil {
		cb.state = CircuitClosed
		cb.failures = 0
	} else {
		cb.lastFailure = err
		cb.failures++
		if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.now()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.changed(from, to)
}

func (cb *CircuitBreaker) changed(from, to CircuitState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
