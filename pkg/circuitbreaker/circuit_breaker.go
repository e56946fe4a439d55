package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops calling a flaky endpoint after repeated failures and
// probes it again once the cooldown has elapsed.
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	cooldown         time.Duration
	halfOpenMaxCalls uint32
	isFailure        func(error) bool
	now              func() time.Time

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32

	logger *logrus.Logger
}

func New(name string, maxFailures uint32, cooldown time.Duration) *CircuitBreaker {
	return NewWithLogger(name, maxFailures, cooldown, logrus.New())
}

func NewWithLogger(name string, maxFailures uint32, cooldown time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		cooldown:         cooldown,
		halfOpenMaxCalls: 1,
		isFailure:        defaultIsFailure,
		now:              time.Now,
		state:            StateClosed,
		logger:           logger,
	}
}

// WithFailurePredicate sets which errors count against the breaker. Errors the
// predicate rejects are returned to the caller without tripping the circuit.
func (cb *CircuitBreaker) WithFailurePredicate(fn func(error) bool) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if fn != nil {
		cb.isFailure = fn
	}
	return cb
}

// Cancellation belongs to the caller, not the endpoint
func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && cb.isFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateOpen:
		return &CircuitBreakerError{Name: cb.name, State: cb.state}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return &CircuitBreakerError{Name: cb.name, State: cb.state}
		}
		cb.halfOpenCalls++
	}
	cb.requestCount++
	return nil
}

// advance moves an open circuit to half-open once the cooldown has elapsed. Caller holds mu.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.cooldown {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           StateHalfOpen.String(),
		}).Debug("Circuit breaker probing endpoint")
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.reset()
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"state":           StateClosed.String(),
			}).Info("Circuit breaker closed after successful recovery")
		}
	case StateClosed:
		cb.failures = 0
		cb.successCount++
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
		"cooldown":        cb.cooldown.String(),
		"state":           StateOpen.String(),
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

// Reset closes the circuit regardless of its current state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

// GetState returns the current state, moving open to half-open when the cooldown has elapsed
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        uint32    `json:"failures"`
	Requests        uint32    `json:"requests"`
	Successes       uint32    `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreakerError is returned by Execute while the circuit refuses calls
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
