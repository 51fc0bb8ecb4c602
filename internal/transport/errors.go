package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTimeout          = errors.New("request timed out")
	ErrConnection       = errors.New("connection failed")
	ErrResponseTooLarge = errors.New("response too large")
)

// Error is a transport-level failure: no usable HTTP response was received.
// Kind is ErrTimeout, ErrConnection or ErrResponseTooLarge.
type Error struct {
	Kind   error
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Method, e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// StatusError reports a response with status >= 400. It is returned
// together with the Response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

const maxExcerpt = 200

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Excerpt())
}

// Excerpt returns the start of the response body for messages and logs.
func (e *StatusError) Excerpt() string {
	if len(e.Body) <= maxExcerpt {
		return string(e.Body)
	}
	return string(e.Body[:maxExcerpt]) + "..."
}
