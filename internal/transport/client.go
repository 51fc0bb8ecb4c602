package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 8 << 20
	ewmaAlpha      = 0.2
)

type Request struct {
	Method string
	// Path is resolved against the client's base URL.
	Path   string
	Query  url.Values
	Body   []byte
	Header http.Header
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Doer performs a single HTTP exchange.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is the HTTP Doer used by the dispatcher and the health check.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger

	mutex            sync.Mutex
	inFlight         int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() *url.URL {
	return c.base
}

func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.incrementInFlight()
	defer c.decrementInFlight()

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, c.classify(ctx, method, target, err)
	}
	oversized := len(data) > maxBodyBytes
	if oversized {
		data = data[:maxBodyBytes]
	}

	duration := time.Since(start)
	c.recordResponse(duration)

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Duration:   duration,
	}

	c.logger.Debug("api response",
		slog.String("method", method),
		slog.String("endpoint", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration))

	if resp.StatusCode >= http.StatusBadRequest {
		return out, &StatusError{StatusCode: resp.StatusCode, Body: data}
	}
	if oversized {
		return nil, &Error{
			Kind:   ErrResponseTooLarge,
			Method: method,
			URL:    target,
			Err:    fmt.Errorf("body exceeds %d bytes", maxBodyBytes),
		}
	}
	return out, nil
}

func (c *Client) resolve(req Request) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", req.Path, err)
	}

	base := *c.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	u := base.ResolveReference(ref)

	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// classify maps a client error onto ErrTimeout or ErrConnection. A caller
// cancellation is returned as the context error itself.
func (c *Client) classify(ctx context.Context, method, target string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s %s: %w", method, target, ctx.Err())
	}

	kind := ErrConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Method: method, URL: target, Err: err}
}

func (c *Client) incrementInFlight() {
	c.mutex.Lock()
	c.inFlight++
	c.mutex.Unlock()
}

func (c *Client) decrementInFlight() {
	c.mutex.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mutex.Unlock()
}

// InFlight returns the number of requests currently awaiting a response.
func (c *Client) InFlight() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.inFlight
}

func (c *Client) recordResponse(duration time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.hasEWMA {
		c.ewmaResponseTime = duration
		c.hasEWMA = true
		return
	}
	// ewma = (1 - α) * ewma + α * latest
	c.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(c.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the smoothed response time, or 0 before the first
// response.
func (c *Client) EWMATime() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ewmaResponseTime
}
