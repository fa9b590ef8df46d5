package faulttolerance

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the current circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig controls when the breaker trips and recovers.
type BreakerConfig struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // wait before probing again (half-open)
	SuccessThreshold int           // consecutive successes to close from half-open
	Name             string
}

// CircuitBreaker guards the broker connection: once the broker has failed
// MaxFailures times in a row, calls fail fast with ErrCircuitOpen instead of
// stalling every in-flight trade on broker timeouts.
type CircuitBreaker struct {
	config      BreakerConfig
	logger      *logrus.Logger
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

func NewCircuitBreaker(config BreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Name == "" {
		config.Name = "breaker"
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  BreakerClosed,
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(cb.lastFailure) > cb.config.ResetTimeout {
			cb.transition(BreakerHalfOpen)
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = time.Now()
		if cb.state == BreakerHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.transition(BreakerOpen)
		}
		return
	}

	cb.failures = 0
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	case BreakerOpen:
		cb.transition(BreakerClosed)
	}
}

func (cb *CircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.logger.Infof("[%s] Circuit breaker %s -> %s", cb.config.Name, cb.state, next)
	cb.state = next
}
