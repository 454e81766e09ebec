// Package circuitbreaker guards storage backends against cascading
// failures. A breaker is attached to one backend and converts repeated
// infrastructure errors into fast backend_unavailable rejections.
package circuitbreaker

import (
	"context"
	"sync/atomic"
	"time"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/pkg/types"
)

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state before closing
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before probing again
	OpenTimeout time.Duration
	// MaxHalfOpenRequests limits concurrent probes in half-open state
	MaxHalfOpenRequests int
	// IsFailure decides which errors count against the breaker
	IsFailure func(error) bool
	// OnStateChange is called when the circuit state changes
	OnStateChange func(from, to State)
}

// DefaultConfig returns the breaker configuration used for backend calls.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
		IsFailure:           DefaultIsFailure,
	}
}

// DefaultIsFailure counts infrastructure errors against the breaker and
// ignores client errors, which say nothing about backend health.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch ltmcerrors.KindOf(err) {
	case ltmcerrors.KindInvalidInput, ltmcerrors.KindNotFound, ltmcerrors.KindConflict:
		return false
	default:
		return true
	}
}

// CircuitBreaker implements the circuit breaker pattern for one backend.
type CircuitBreaker struct {
	backend types.Backend
	config  *Config

	state           int32 // atomic State
	lastFailureTime int64 // atomic unix nanos

	consecutiveFailures  int32
	consecutiveSuccesses int32
	halfOpenRequests     int32

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
}

// New creates a circuit breaker guarding the given backend.
func New(backend types.Backend, config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}
	if config.MaxHalfOpenRequests < 1 {
		config.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{
		backend: backend,
		config:  config,
		state:   int32(StateClosed),
	}
}

// Backend returns the backend this breaker guards.
func (cb *CircuitBreaker) Backend() types.Backend {
	return cb.backend
}

// Execute runs the given function with circuit breaker protection.
// Rejections surface as backend_unavailable so callers can record them
// as fallback reasons without special-casing the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.canExecute(); err != nil {
		atomic.AddInt64(&cb.totalRejections, 1)
		return err
	}

	atomic.AddInt64(&cb.totalRequests, 1)
	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() error {
	switch cb.getState() {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.shouldProbe() {
			cb.transitionTo(StateHalfOpen)
			return cb.reserveHalfOpenSlot()
		}
		err := ltmcerrors.New(ltmcerrors.KindBackendUnavailable, "circuit breaker open")
		err.Backend = cb.backend
		return err.WithContext("breaker_state", StateOpen.String())

	default: // StateHalfOpen
		return cb.reserveHalfOpenSlot()
	}
}

func (cb *CircuitBreaker) reserveHalfOpenSlot() error {
	current := atomic.AddInt32(&cb.halfOpenRequests, 1)
	if current > int32(cb.config.MaxHalfOpenRequests) {
		atomic.AddInt32(&cb.halfOpenRequests, -1)
		err := ltmcerrors.New(ltmcerrors.KindBackendUnavailable, "circuit breaker probing, request shed")
		err.Backend = cb.backend
		return err.WithContext("breaker_state", StateHalfOpen.String())
	}
	return nil
}

func (cb *CircuitBreaker) recordResult(err error) {
	state := cb.getState()

	if cb.config.IsFailure(err) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}

	if state == StateHalfOpen {
		atomic.AddInt32(&cb.halfOpenRequests, -1)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	atomic.AddInt64(&cb.totalSuccesses, 1)

	switch cb.getState() {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
	case StateHalfOpen:
		if atomic.AddInt32(&cb.consecutiveSuccesses, 1) >= int32(cb.config.SuccessThreshold) {
			cb.transitionTo(StateClosed)
		}
	case StateOpen:
		// The open timeout governs recovery, not stray successes.
	}
}

func (cb *CircuitBreaker) recordFailure() {
	atomic.AddInt64(&cb.totalFailures, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	switch cb.getState() {
	case StateClosed:
		if atomic.AddInt32(&cb.consecutiveFailures, 1) >= int32(cb.config.FailureThreshold) {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing reopens the circuit.
		cb.transitionTo(StateOpen)
	case StateOpen:
	}
}

func (cb *CircuitBreaker) shouldProbe() bool {
	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	if lastFailure == 0 {
		return true
	}
	return time.Since(time.Unix(0, lastFailure)) >= cb.config.OpenTimeout
}

func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(atomic.SwapInt32(&cb.state, int32(newState)))
	if oldState == newState {
		return
	}

	switch newState {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	case StateOpen:
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	case StateHalfOpen:
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
		atomic.StoreInt32(&cb.halfOpenRequests, 0)
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

func (cb *CircuitBreaker) getState() State {
	return State(atomic.LoadInt32(&cb.state))
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	return cb.getState()
}

// Stats holds circuit breaker statistics
type Stats struct {
	Backend           types.Backend
	State             State
	TotalRequests     int64
	TotalFailures     int64
	TotalSuccesses    int64
	TotalRejections   int64
	FailureRate       float64
	LastFailureTime   time.Time
	ConsecutiveErrors int32
}

// GetStats returns current statistics.
func (cb *CircuitBreaker) GetStats() Stats {
	requests := atomic.LoadInt64(&cb.totalRequests)
	failures := atomic.LoadInt64(&cb.totalFailures)

	var failureRate float64
	if requests > 0 {
		failureRate = float64(failures) / float64(requests)
	}

	var lastFailureTime time.Time
	if nanos := atomic.LoadInt64(&cb.lastFailureTime); nanos > 0 {
		lastFailureTime = time.Unix(0, nanos)
	}

	return Stats{
		Backend:           cb.backend,
		State:             cb.getState(),
		TotalRequests:     requests,
		TotalFailures:     failures,
		TotalSuccesses:    atomic.LoadInt64(&cb.totalSuccesses),
		TotalRejections:   atomic.LoadInt64(&cb.totalRejections),
		FailureRate:       failureRate,
		LastFailureTime:   lastFailureTime,
		ConsecutiveErrors: atomic.LoadInt32(&cb.consecutiveFailures),
	}
}

// Reset returns the breaker to the closed state and clears counters.
func (cb *CircuitBreaker) Reset() {
	atomic.StoreInt32(&cb.state, int32(StateClosed))
	atomic.StoreInt32(&cb.consecutiveFailures, 0)
	atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt32(&cb.halfOpenRequests, 0)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}
