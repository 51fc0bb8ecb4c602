package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking calls
	StateHalfOpen              // One trial call in flight
)

const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Config holds the tunables for a single named breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns the thresholds used for resources without overrides.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// Option customises a CircuitBreaker or Registry.
type Option func(*options)

type options struct {
	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStateChange registers a callback invoked after every state change.
// It runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(o *options) { o.onStateChange = fn }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

type CircuitBreaker struct {
	mutex            sync.Mutex
	name             string
	state            State
	failures         int
	openedAt         time.Time
	trialInFlight    bool
	failureThreshold int
	recoveryTimeout  time.Duration
	opts             options
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	FailureThreshold int       `json:"failure_threshold"`
	RecoveryTimeout  string    `json:"recovery_timeout"`
}

func NewCircuitBreaker(threshold int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	return newNamedBreaker("", Config{FailureThreshold: threshold, RecoveryTimeout: timeout}, buildOptions(opts))
}

func newNamedBreaker(name string, cfg Config, o options) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		opts:             o,
	}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has elapsed moves to half-open and hands out exactly one trial;
// every other caller is rejected until that trial resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.opts.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = StateHalfOpen
			cb.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			allowed = true
		}
	}

	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	from := cb.state

	cb.failures++

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.opts.now()
		cb.trialInFlight = false
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.opts.now()
		}
	}

	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	from := cb.state

	cb.failures = 0
	cb.state = StateClosed
	cb.trialInFlight = false
	cb.openedAt = time.Time{}

	cb.mutex.Unlock()

	cb.notify(from, StateClosed)
}

// ReleaseTrial frees the half-open trial slot when the trial ended with an
// outcome that says nothing about availability (auth, rate limit, cancel).
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Stats{
		State:            cb.state,
		Failures:         cb.failures,
		OpenedAt:         cb.openedAt,
		FailureThreshold: cb.failureThreshold,
		RecoveryTimeout:  cb.recoveryTimeout.String(),
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to || cb.opts.onStateChange == nil {
		return
	}
	cb.opts.onStateChange(cb.name, from, to)
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
