package connstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
	RateLimited
	RefreshingToken
	ShuttingDown
)

var (
	// ErrInvalidTransition is wrapped by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotCallable is returned by WaitCallable when the state rejects calls.
	ErrNotCallable = errors.New("connection does not accept calls")
)

// InvalidTransitionError describes a rejected transition.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// transitions lists the legal moves. ShuttingDown is reachable from every
// non-terminal state and is handled separately.
var transitions = map[State][]State{
	Disconnected:    {Connecting},
	Connecting:      {Connected, Error, RefreshingToken, Disconnected},
	Connected:       {Error, RateLimited, RefreshingToken, Disconnected},
	Error:           {Connecting},
	RateLimited:     {Connected, Error},
	RefreshingToken: {Connected, Error},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	if from == ShuttingDown {
		return false
	}
	if to == ShuttingDown {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine is the process-wide connection state. It is safe for concurrent use.
type Machine struct {
	mutex    sync.RWMutex
	state    State
	changed  chan struct{}
	onChange func(from, to State)
}

// Option customises a Machine.
type Option func(*Machine)

// WithOnChange registers a callback run after every successful transition,
// outside the lock.
func WithOnChange(fn func(from, to State)) Option {
	return func(m *Machine) { m.onChange = fn }
}

func New(opts ...Option) *Machine {
	m := &Machine{
		state:   Disconnected,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Current() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

// Transition moves the machine to the given state or returns an
// *InvalidTransitionError without mutating anything.
func (m *Machine) Transition(to State) error {
	m.mutex.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mutex.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}

	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.mutex.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// TransitionFrom performs the transition only if the machine is currently in
// the expected state. It lets concurrent callers race for the same move with
// exactly one winner.
func (m *Machine) TransitionFrom(from, to State) error {
	m.mutex.Lock()
	if m.state != from || !CanTransition(from, to) {
		current := m.state
		m.mutex.Unlock()
		return &InvalidTransitionError{From: current, To: to}
	}

	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.mutex.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

func (m *Machine) CanIssueCall() bool {
	return m.Current() == Connected
}

// WaitCallable returns nil once the machine is Connected. While a token
// refresh is in progress it blocks until the state changes or ctx ends; any
// other state fails immediately with ErrNotCallable.
func (m *Machine) WaitCallable(ctx context.Context) error {
	for {
		m.mutex.RLock()
		state, changed := m.state, m.changed
		m.mutex.RUnlock()

		switch state {
		case Connected:
			return nil
		case RefreshingToken:
			select {
			case <-changed:
			case <-ctx.Done():
				return fmt.Errorf("waiting for token refresh: %w", ctx.Err())
			}
		default:
			return fmt.Errorf("%w: state is %s", ErrNotCallable, state)
		}
	}
}

// Changed returns a channel closed on the next transition.
func (m *Machine) Changed() <-chan struct{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.changed
}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	case RateLimited:
		return "rate_limited"
	case RefreshingToken:
		return "refreshing_token"
	case ShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
