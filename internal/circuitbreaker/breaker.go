// Package circuitbreaker keeps a failing upstream source out of the pipeline
// until it has had time to recover.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls are skipped
	StateHalfOpen              // Probing whether the source has recovered
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker counts consecutive failures of one source.
type CircuitBreaker struct {
	name string

	// Consecutive failures that open the circuit
	failureThreshold int

	// Consecutive half-open successes that close it again
	successThreshold int

	// Duration before a half-open probe is allowed
	resetDelay time.Duration

	mu           sync.Mutex
	state        State
	failures     int
	successCount int
	lastTrip     time.Time
	lastErr      error
	now          func() time.Time

	onStateChange func(name string, from, to State)
}

// New creates a closed breaker for the named source.
func New(name string, failureThreshold int) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: 1,
		resetDelay:       5 * time.Minute,
		state:            StateClosed,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful probes needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	cb.successThreshold = threshold
	return cb
}

// WithStateCallback registers a function called on every state transition.
func (cb *CircuitBreaker) WithStateCallback(fn func(name string, from, to State)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Allow reports whether a call may proceed. An open circuit whose reset delay
// has elapsed moves to half-open and lets the call through as a probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastTrip) < cb.resetDelay {
		return ErrOpen
	}
	cb.transition(StateHalfOpen)
	cb.successCount = 0
	logrus.WithField("source", cb.name).Info("Circuit breaker half-open: probing source")
	return nil
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.lastErr = nil
	if cb.state != StateHalfOpen {
		return
	}
	cb.successCount++
	if cb.successCount >= cb.successThreshold {
		cb.transition(StateClosed)
		cb.successCount = 0
		logrus.WithField("source", cb.name).Info("Circuit breaker closed: source has recovered")
	}
}

// RecordFailure registers a failed call and trips the circuit when the
// threshold is reached. Any failure while half-open reopens it.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastErr = err
	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.trip()
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the error of the most recent failure, if any.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastErr
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.successCount = 0
	logrus.WithField("source", cb.name).Info("Circuit breaker manually reset to closed state")
}

// trip sets the circuit breaker to open state with the current time
func (cb *CircuitBreaker) trip() {
	cb.transition(StateOpen)
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.WithFields(logrus.Fields{
		"source":   cb.name,
		"failures": cb.failures,
	}).Warnf("Circuit breaker tripped: %v", cb.lastErr)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// Set holds one breaker per source, created on first use.
type Set struct {
	failureThreshold int
	resetDelay       time.Duration
	onStateChange    func(name string, from, to State)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewSet creates an empty breaker set sharing one configuration.
func NewSet(failureThreshold int, resetDelay time.Duration, onStateChange func(name string, from, to State)) *Set {
	return &Set{
		failureThreshold: failureThreshold,
		resetDelay:       resetDelay,
		onStateChange:    onStateChange,
		breakers:         make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for source.
func (s *Set) Get(source string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[source]
	if !ok {
		cb = New(source, s.failureThreshold).WithResetDelay(s.resetDelay).WithStateCallback(s.onStateChange)
		s.breakers[source] = cb
	}
	return cb
}

// States returns the state of every known breaker, keyed by source.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.GetState().String()
	}
	return out
}
