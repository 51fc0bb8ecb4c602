package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/voicectl/internal/auth"
	"github.com/angeloszaimis/voicectl/internal/cache"
	"github.com/angeloszaimis/voicectl/internal/circuitbreaker"
	"github.com/angeloszaimis/voicectl/internal/connstate"
	"github.com/angeloszaimis/voicectl/internal/metrics"
	"github.com/angeloszaimis/voicectl/internal/transport"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultRateLimitDelay = 60 * time.Second
)

type Option func(*Executor)

func WithRefresher(r auth.Refresher) Option {
	return func(e *Executor) { e.refresher = r }
}

func WithCollector(c *metrics.Collector) Option {
	return func(e *Executor) { e.collector = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(e *Executor) { e.userAgent = ua }
}

// WithDefaultBackoff sets the backoff used for a 429 without Retry-After.
func WithDefaultBackoff(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultBackoff = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor is the ApiExecutor shared by every manager in the process.
type Executor struct {
	doer        transport.Doer
	state       *connstate.Machine
	breakers    *circuitbreaker.Registry
	cache       *cache.Store
	credentials auth.CredentialsProvider
	refresher   auth.Refresher
	collector   *metrics.Collector
	logger      *slog.Logger

	timeout        time.Duration
	userAgent      string
	defaultBackoff time.Duration
	now            func() time.Time

	reads     singleflight.Group
	refreshes singleflight.Group

	mutex            sync.Mutex
	rateLimitedUntil time.Time
	// refreshes completed; a call that saw an older value reuses the newer
	// session instead of refreshing again.
	generation uint64
}

func New(
	doer transport.Doer,
	state *connstate.Machine,
	breakers *circuitbreaker.Registry,
	store *cache.Store,
	credentials auth.CredentialsProvider,
	opts ...Option,
) *Executor {
	e := &Executor{
		doer:           doer,
		state:          state,
		breakers:       breakers,
		cache:          store,
		credentials:    credentials,
		logger:         slog.Default(),
		timeout:        DefaultTimeout,
		defaultBackoff: DefaultRateLimitDelay,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ ApiExecutor = (*Executor)(nil)

// trace collects what a call did for logging and metrics.
type trace struct {
	requestID  string
	generation uint64
	statusCode int
	duration   time.Duration
}

func (e *Executor) Execute(ctx context.Context, call Call) Result {
	call = call.normalized()
	tr := &trace{requestID: uuid.NewString(), generation: e.currentGeneration()}

	e.emit(metrics.MetricEvent{
		Type:     metrics.EventCallStarted,
		Resource: call.Resource,
		Endpoint: call.Endpoint,
	})

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res := e.execute(ctx, call, tr, 0)
	e.complete(call, tr, res)
	return res
}

func (e *Executor) execute(ctx context.Context, call Call, tr *trace, attempt int) Result {
	// 1. State gate
	if reason := e.admit(ctx, call); reason != nil {
		return e.fallback(call, reason)
	}

	// 2. Breaker gate
	if !e.breakers.Allow(call.Resource) {
		return e.fallback(call, e.newError(call, CircuitOpen, nil))
	}

	// 3. Cache read
	if call.cacheable() {
		if value, ok := e.cache.Get(call.CacheKey); ok {
			e.breakers.ReleaseTrial(call.Resource)
			res := success(value)
			res.FromCache = true
			return res
		}
	}

	// 4. Network call
	ex, leader := e.exchange(ctx, call, tr)

	// 5. Outcome
	return e.settle(ctx, call, tr, ex, leader, attempt)
}

// admit applies the state gate. An elapsed rate limit backoff is cleared
// first.
func (e *Executor) admit(ctx context.Context, call Call) *Error {
	e.ResumeIfBackoffElapsed()

	err := e.state.WaitCallable(ctx)
	if err == nil {
		return nil
	}

	if e.state.Current() == connstate.RateLimited {
		reason := e.newError(call, RateLimited, err)
		reason.RetryAfter = e.remainingBackoff()
		return reason
	}
	return e.newError(call, NotConnected, err)
}

type exchange struct {
	resp *transport.Response
	err  error
}

// exchange performs the HTTP round trip. Identical concurrent cacheable
// GETs share one request; leader is true for the caller that issued it.
func (e *Executor) exchange(ctx context.Context, call Call, tr *trace) (exchange, bool) {
	if !call.cacheable() {
		return e.roundTrip(ctx, call, tr), true
	}

	var leader bool
	v, _, _ := e.reads.Do(call.flightKey(), func() (any, error) {
		leader = true
		return e.roundTrip(ctx, call, tr), nil
	})
	return v.(exchange), leader
}

func (e *Executor) roundTrip(ctx context.Context, call Call, tr *trace) exchange {
	body, err := call.encodeBody()
	if err != nil {
		return exchange{err: err}
	}

	creds, err := e.credentials.SessionHeaders(ctx)
	if err != nil {
		return exchange{err: err}
	}

	resp, err := e.doer.Do(ctx, transport.Request{
		Method: call.Method,
		Path:   call.Endpoint,
		Query:  call.Params,
		Body:   body,
		Header: SessionHeaders(creds, e.userAgent, tr.requestID),
	})
	if resp != nil {
		tr.statusCode = resp.StatusCode
		tr.duration = resp.Duration
	}
	return exchange{resp: resp, err: err}
}

func (e *Executor) settle(ctx context.Context, call Call, tr *trace, ex exchange, leader bool, attempt int) Result {
	if ex.err == nil {
		if leader {
			e.breakers.RecordSuccess(call.Resource)
			e.store(call, ex.resp.Body)
		}
		return success(ex.resp.Body)
	}

	var statusErr *transport.StatusError
	switch {
	case errors.Is(ex.err, auth.ErrNoCredentials):
		e.releaseTrial(call, leader)
		return e.reauthenticate(ctx, call, tr, attempt, ex.err)

	case errors.As(ex.err, &statusErr):
		return e.settleStatus(ctx, call, tr, ex, statusErr, leader, attempt)

	case errors.Is(ex.err, transport.ErrResponseTooLarge):
		// The service answered; a partial body must never reach the cache.
		if leader {
			e.breakers.RecordSuccess(call.Resource)
		}
		return failure(e.newError(call, Rejected, ex.err))

	case errors.Is(ex.err, context.Canceled):
		e.releaseTrial(call, leader)
		return failure(e.newError(call, Network, ex.err))

	case errors.Is(ex.err, transport.ErrTimeout), errors.Is(ex.err, transport.ErrConnection),
		errors.Is(ex.err, context.DeadlineExceeded):
		if leader {
			e.breakers.RecordFailure(call.Resource)
		}
		return e.fallback(call, e.newError(call, Network, ex.err))

	default:
		// Request could not be built; the service was never contacted.
		e.releaseTrial(call, leader)
		return failure(e.newError(call, Rejected, ex.err))
	}
}

func (e *Executor) settleStatus(ctx context.Context, call Call, tr *trace, ex exchange, statusErr *transport.StatusError, leader bool, attempt int) Result {
	code := statusErr.StatusCode

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.releaseTrial(call, leader)
		return e.reauthenticate(ctx, call, tr, attempt, statusErr)

	case code == http.StatusTooManyRequests:
		e.releaseTrial(call, leader)
		backoff, ok := ParseRetryAfter(ex.resp.Header.Get("Retry-After"), e.now())
		if !ok {
			backoff = e.defaultBackoff
		}
		e.enterRateLimit(backoff)

		reason := e.newError(call, RateLimited, statusErr)
		reason.StatusCode = code
		reason.RetryAfter = backoff
		return failure(reason)

	case code >= http.StatusInternalServerError:
		if leader {
			e.breakers.RecordFailure(call.Resource)
		}
		reason := e.newError(call, Network, statusErr)
		reason.StatusCode = code
		return e.fallback(call, reason)

	default:
		// The service answered, so it is available.
		if leader {
			e.breakers.RecordSuccess(call.Resource)
		}
		reason := e.newError(call, Rejected, statusErr)
		reason.StatusCode = code
		return failure(reason)
	}
}

// reauthenticate refreshes the session once and retries the call. A second
// rejection or a failed refresh leaves the connection in Error.
func (e *Executor) reauthenticate(ctx context.Context, call Call, tr *trace, attempt int, cause error) Result {
	reason := e.newError(call, AuthExpired, cause)
	var statusErr *transport.StatusError
	if errors.As(cause, &statusErr) {
		reason.StatusCode = statusErr.StatusCode
	}

	if attempt > 0 || e.refresher == nil {
		e.failAuth()
		return failure(reason)
	}

	if err := e.refreshSession(ctx, tr.generation); err != nil {
		reason.Err = errors.Join(cause, err)
		var transitionErr *connstate.InvalidTransitionError
		if errors.As(err, &transitionErr) {
			reason.Kind = InvalidTransition
		}
		return failure(reason)
	}

	e.logger.Info("retrying after session refresh",
		slog.String("resource", call.Resource),
		slog.String("endpoint", call.Endpoint),
		slog.String("request_id", tr.requestID))
	return e.execute(ctx, call, tr, attempt+1)
}

// refreshSession runs one refresh for all concurrent callers. A caller that
// started before the latest successful refresh reuses it.
func (e *Executor) refreshSession(ctx context.Context, seen uint64) error {
	if e.currentGeneration() > seen && e.state.Current() == connstate.Connected {
		return nil
	}

	_, err, _ := e.refreshes.Do("refresh", func() (any, error) {
		if err := e.state.TransitionFrom(connstate.Connected, connstate.RefreshingToken); err != nil &&
			e.state.Current() != connstate.RefreshingToken {
			return nil, err
		}

		// The refresh is shared, so one caller's cancellation must not
		// abort it for the others.
		if err := e.refresher.Refresh(context.WithoutCancel(ctx)); err != nil {
			_ = e.state.TransitionFrom(connstate.RefreshingToken, connstate.Error)
			e.logger.Warn("session refresh failed", slog.Any("err", err))
			return nil, err
		}

		e.mutex.Lock()
		e.generation++
		e.mutex.Unlock()

		return nil, e.state.TransitionFrom(connstate.RefreshingToken, connstate.Connected)
	})
	return err
}

func (e *Executor) currentGeneration() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.generation
}

func (e *Executor) failAuth() {
	if err := e.state.TransitionFrom(connstate.Connected, connstate.Error); err == nil {
		e.logger.Warn("session rejected after refresh")
	}
}

func (e *Executor) enterRateLimit(backoff time.Duration) {
	e.mutex.Lock()
	until := e.now().Add(backoff)
	if until.After(e.rateLimitedUntil) {
		e.rateLimitedUntil = until
	}
	e.mutex.Unlock()

	_ = e.state.TransitionFrom(connstate.Connected, connstate.RateLimited)
}

// ResumeIfBackoffElapsed moves RateLimited back to Connected once the
// backoff has passed. It reports whether it did so.
func (e *Executor) ResumeIfBackoffElapsed() bool {
	if e.state.Current() != connstate.RateLimited || e.remainingBackoff() > 0 {
		return false
	}
	return e.state.TransitionFrom(connstate.RateLimited, connstate.Connected) == nil
}

func (e *Executor) remainingBackoff() time.Duration {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	remaining := e.rateLimitedUntil.Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e *Executor) releaseTrial(call Call, leader bool) {
	if leader {
		e.breakers.ReleaseTrial(call.Resource)
	}
}

func (e *Executor) store(call Call, body []byte) {
	if call.cacheable() {
		if err := e.cache.Set(call.CacheKey, body, call.CacheTTL); err != nil {
			e.logger.Warn("cache write failed", slog.String("key", call.CacheKey), slog.Any("err", err))
		}
		return
	}

	for _, key := range call.Invalidates {
		if err := e.cache.Invalidate(key); err != nil {
			e.logger.Warn("cache invalidation failed", slog.String("key", key), slog.Any("err", err))
		}
	}
}

// fallback serves any present cache entry in place of a failed or skipped
// call, flagged stale.
func (e *Executor) fallback(call Call, reason *Error) Result {
	if !call.cacheable() {
		return failure(reason)
	}

	entry, ok := e.cache.GetStale(call.CacheKey)
	if !ok {
		return failure(reason)
	}

	e.emit(metrics.MetricEvent{
		Type:     metrics.EventCacheFallback,
		Resource: call.Resource,
		Endpoint: call.Endpoint,
	})

	return Result{
		Kind:    KindCachedFallback,
		Payload: entry.Value,
		Stale:   true,
		Expired: !entry.ValidAt(e.now()),
		Err:     reason,
	}
}

func (e *Executor) newError(call Call, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Resource: call.Resource, Endpoint: call.Endpoint, Err: err}
}

func (e *Executor) complete(call Call, tr *trace, res Result) {
	outcome := outcomeLabel(res)

	e.emit(metrics.MetricEvent{
		Type:       metrics.EventCallCompleted,
		Resource:   call.Resource,
		Endpoint:   call.Endpoint,
		Outcome:    outcome,
		Duration:   tr.duration,
		StatusCode: tr.statusCode,
	})

	attrs := []any{
		slog.String("resource", call.Resource),
		slog.String("method", call.Method),
		slog.String("endpoint", call.Endpoint),
		slog.String("request_id", tr.requestID),
		slog.String("outcome", outcome),
	}
	if tr.statusCode != 0 {
		attrs = append(attrs, slog.Int("status", tr.statusCode))
	}

	switch res.Kind {
	case KindSuccess:
		e.logger.Debug("api call completed", attrs...)
	case KindCachedFallback:
		attrs = append(attrs, slog.Bool("expired", res.Expired), slog.String("reason", res.Err.Kind.String()))
		e.logger.Warn("serving cached data", attrs...)
	default:
		attrs = append(attrs, slog.Any("err", res.Err))
		if res.Err.Kind == Rejected {
			e.logger.Info("api call rejected", attrs...)
		} else {
			e.logger.Warn("api call failed", attrs...)
		}
	}
}

func outcomeLabel(res Result) string {
	switch res.Kind {
	case KindSuccess:
		if res.FromCache {
			return "cache_hit"
		}
		return "success"
	case KindCachedFallback:
		return "fallback"
	default:
		if res.Err == nil {
			return "failure"
		}
		return res.Err.Kind.String()
	}
}

func (e *Executor) emit(event metrics.MetricEvent) {
	e.collector.Emit(event)
}
