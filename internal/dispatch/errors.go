package dispatch

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind int

const (
	NotConnected ErrorKind = iota + 1
	CircuitOpen
	AuthExpired
	RateLimited
	Network
	InvalidTransition
	CacheCorrupt
	Rejected
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrAuthExpired       = errors.New("auth expired")
	ErrRateLimited       = errors.New("rate limited")
	ErrNetwork           = errors.New("network failure")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCacheCorrupt      = errors.New("cache corrupt")
	ErrRejected          = errors.New("request rejected")
)

func (k ErrorKind) String() string {
	switch k {
	case NotConnected:
		return "not_connected"
	case CircuitOpen:
		return "circuit_open"
	case AuthExpired:
		return "auth_expired"
	case RateLimited:
		return "rate_limited"
	case Network:
		return "network"
	case InvalidTransition:
		return "invalid_transition"
	case CacheCorrupt:
		return "cache_corrupt"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Message is the short text shown to CLI users.
func (k ErrorKind) Message() string {
	switch k {
	case NotConnected:
		return "not connected to the service"
	case CircuitOpen:
		return "service unavailable, try again shortly"
	case AuthExpired:
		return "session expired, please re-authenticate"
	case RateLimited:
		return "too many requests, slow down"
	case Network:
		return "network error talking to the service"
	case InvalidTransition:
		return "connection is in the wrong state for this operation"
	case CacheCorrupt:
		return "cached data was unreadable and has been discarded"
	case Rejected:
		return "the service rejected the request"
	default:
		return "unexpected error"
	}
}

// FallbackMessage is shown when cached data was served instead.
func (k ErrorKind) FallbackMessage() string {
	switch k {
	case NotConnected:
		return "not connected, showing cached data"
	case RateLimited:
		return "rate limited, showing cached data"
	default:
		return "service unavailable, showing cached data"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case NotConnected:
		return ErrNotConnected
	case CircuitOpen:
		return ErrCircuitOpen
	case AuthExpired:
		return ErrAuthExpired
	case RateLimited:
		return ErrRateLimited
	case Network:
		return ErrNetwork
	case InvalidTransition:
		return ErrInvalidTransition
	case CacheCorrupt:
		return ErrCacheCorrupt
	case Rejected:
		return ErrRejected
	default:
		return nil
	}
}

type Error struct {
	Kind       ErrorKind
	Resource   string
	Endpoint   string
	StatusCode int
	// RetryAfter is the suggested backoff for RateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Resource, e.Endpoint, e.Kind.Message())
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}
