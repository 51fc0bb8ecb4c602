package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/angeloszaimis/voicectl/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDoer answers requests from a script of responders, repeating the last
// one when the script runs out.
type fakeDoer struct {
	mu       sync.Mutex
	requests []transport.Request
	script   []func(transport.Request) (*transport.Response, error)
}

func (d *fakeDoer) respond(fns ...func(transport.Request) (*transport.Response, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, fns...)
}

func (d *fakeDoer) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	d.mu.Lock()
	n := len(d.requests)
	d.requests = append(d.requests, req)
	var fn func(transport.Request) (*transport.Response, error)
	switch {
	case len(d.script) == 0:
		fn = ok(`{}`)
	case n < len(d.script):
		fn = d.script[n]
	default:
		fn = d.script[len(d.script)-1]
	}
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(req)
}

func (d *fakeDoer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDoer) Request(i int) transport.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[i]
}

func ok(body string) func(transport.Request) (*transport.Response, error) {
	return func(transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body), Duration: time.Millisecond}, nil
	}
}

func status(code int, header http.Header) func(transport.Request) (*transport.Response, error) {
	return func(transport.Request) (*transport.Response, error) {
		if header == nil {
			header = http.Header{}
		}
		body := []byte(http.StatusText(code))
		return &transport.Response{StatusCode: code, Header: header, Body: body, Duration: time.Millisecond},
			&transport.StatusError{StatusCode: code, Body: body}
	}
}

func fail(kind error) func(transport.Request) (*transport.Response, error) {
	return func(req transport.Request) (*transport.Response, error) {
		return nil, &transport.Error{Kind: kind, Method: req.Method, URL: req.Path, Err: errors.New("boom")}
	}
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (r *fakeRefresher) Refresh(ctx context.Context) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeRefresher) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
