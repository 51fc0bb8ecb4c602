package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/angeloszaimis/voicectl/internal/cache"
)

// ApiExecutor is the uniform call contract shared by every domain manager.
type ApiExecutor interface {
	Execute(ctx context.Context, call Call) Result
}

// Call describes one API operation.
type Call struct {
	Method   string
	Endpoint string
	Params   url.Values
	// Body is sent as JSON. []byte and json.RawMessage are sent verbatim.
	Body any
	// CacheKey enables read-through caching and stale fallback for GETs.
	CacheKey string
	// CacheTTL in seconds; zero uses the namespace default.
	CacheTTL int
	// Resource names the circuit breaker guarding this call.
	Resource string
	// Invalidates lists cache keys dropped after a successful mutation.
	Invalidates []string
}

func (c Call) normalized() Call {
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.Resource == "" {
		c.Resource = cache.Namespace(c.CacheKey)
	}
	return c
}

func (c Call) cacheable() bool {
	return c.CacheKey != "" && c.Method == http.MethodGet
}

func (c Call) flightKey() string {
	return c.Method + " " + c.Endpoint + "?" + c.Params.Encode() + "#" + c.CacheKey
}

func (c Call) encodeBody() ([]byte, error) {
	switch b := c.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

type Kind int

const (
	KindSuccess Kind = iota
	KindCachedFallback
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindCachedFallback:
		return "cached_fallback"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of Execute. A CachedFallback carries the reason the
// live call was skipped or failed in Err.
type Result struct {
	Kind    Kind
	Payload json.RawMessage
	// Stale is set on every CachedFallback.
	Stale bool
	// Expired reports that the fallback entry's TTL had elapsed.
	Expired bool
	// FromCache is set when a Success was served from a fresh cache entry.
	FromCache bool
	Err       *Error
}

var ErrNoPayload = errors.New("result has no payload")

// OK reports whether the result carries usable data.
func (r Result) OK() bool {
	return r.Kind == KindSuccess || r.Kind == KindCachedFallback
}

// Error returns the failure as an error, or nil unless Kind is KindFailure.
func (r Result) Error() error {
	if r.Kind != KindFailure || r.Err == nil {
		return nil
	}
	return r.Err
}

// Decode unmarshals the payload into v.
func (r Result) Decode(v any) error {
	if err := r.Error(); err != nil {
		return err
	}
	if len(r.Payload) == 0 {
		return ErrNoPayload
	}
	return json.Unmarshal(r.Payload, v)
}

func success(payload []byte) Result {
	return Result{Kind: KindSuccess, Payload: payload}
}

func failure(err *Error) Result {
	return Result{Kind: KindFailure, Err: err}
}
