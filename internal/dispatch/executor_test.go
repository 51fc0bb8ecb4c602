package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/voicectl/internal/auth"
	"github.com/angeloszaimis/voicectl/internal/cache"
	"github.com/angeloszaimis/voicectl/internal/circuitbreaker"
	"github.com/angeloszaimis/voicectl/internal/connstate"
	"github.com/angeloszaimis/voicectl/internal/dispatch"
	"github.com/angeloszaimis/voicectl/internal/transport"
)

var _ = Describe("Executor", func() {
	var (
		clock     *fakeClock
		doer      *fakeDoer
		state     *connstate.Machine
		breakers  *circuitbreaker.Registry
		store     *cache.Store
		refresher *fakeRefresher
		executor  *dispatch.Executor

		statesMu sync.Mutex
		states   []connstate.State
	)

	devicesCall := dispatch.Call{
		Method:   http.MethodGet,
		Endpoint: "/api/devices-v2/device",
		CacheKey: "devices:list",
		Resource: "device",
	}

	visited := func() []connstate.State {
		statesMu.Lock()
		defer statesMu.Unlock()
		return append([]connstate.State(nil), states...)
	}

	BeforeEach(func() {
		clock = newFakeClock()
		doer = &fakeDoer{}
		refresher = &fakeRefresher{}
		states = nil

		state = connstate.New(connstate.WithOnChange(func(_, to connstate.State) {
			statesMu.Lock()
			states = append(states, to)
			statesMu.Unlock()
		}))
		Expect(state.Transition(connstate.Connecting)).To(Succeed())
		Expect(state.Transition(connstate.Connected)).To(Succeed())

		breakers = circuitbreaker.NewRegistry(
			circuitbreaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second},
			circuitbreaker.WithClock(clock.Now),
		)
		store = cache.New(cache.Options{DefaultTTLSeconds: 60, Clock: clock.Now})

		executor = dispatch.New(doer, state, breakers, store,
			auth.Static{Cookie: "session-id=abc; csrf=tok", CSRFToken: "tok"},
			dispatch.WithRefresher(refresher),
			dispatch.WithClock(clock.Now),
			dispatch.WithUserAgent("voicectl-test"),
			dispatch.WithDefaultBackoff(45*time.Second),
			dispatch.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
	})

	Describe("successful calls", func() {
		It("should return the payload and populate the cache", func() {
			doer.respond(ok(`[{"name":"Kitchen"}]`))

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindSuccess))
			Expect(string(res.Payload)).To(Equal(`[{"name":"Kitchen"}]`))

			value, ok := store.Get("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(value)).To(Equal(`[{"name":"Kitchen"}]`))
		})

		It("should serve a fresh cache entry without network I/O", func() {
			Expect(store.Set("devices:list", []byte(`[]`), 60)).To(Succeed())

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindSuccess))
			Expect(res.FromCache).To(BeTrue())
			Expect(doer.Calls()).To(Equal(0))
		})

		It("should send fresh session headers with every call", func() {
			executor.Execute(context.Background(), dispatch.Call{Endpoint: "/api/a", Resource: "device"})
			executor.Execute(context.Background(), dispatch.Call{Endpoint: "/api/b", Resource: "device"})

			first, second := doer.Request(0), doer.Request(1)
			Expect(first.Header.Get("Cookie")).To(Equal("session-id=abc; csrf=tok"))
			Expect(first.Header.Get("csrf")).To(Equal("tok"))
			Expect(first.Header.Get("User-Agent")).To(Equal("voicectl-test"))
			Expect(first.Header.Get("Accept")).To(Equal("application/json"))
			Expect(first.Header.Get("X-Request-Id")).NotTo(BeEmpty())
			Expect(second.Header.Get("X-Request-Id")).NotTo(Equal(first.Header.Get("X-Request-Id")))
		})

		It("should encode params and JSON bodies", func() {
			executor.Execute(context.Background(), dispatch.Call{
				Method:   http.MethodPost,
				Endpoint: "/api/np/command",
				Params:   url.Values{"deviceSerialNumber": {"G0911"}},
				Body:     map[string]string{"type": "PauseCommand"},
				Resource: "music",
			})

			req := doer.Request(0)
			Expect(req.Method).To(Equal(http.MethodPost))
			Expect(req.Query.Get("deviceSerialNumber")).To(Equal("G0911"))
			Expect(string(req.Body)).To(MatchJSON(`{"type":"PauseCommand"}`))
		})

		It("should not cache mutations and should drop invalidated keys", func() {
			Expect(store.Set("routines:list", []byte(`[]`), 60)).To(Succeed())

			res := executor.Execute(context.Background(), dispatch.Call{
				Method:      http.MethodPost,
				Endpoint:    "/api/behaviors/preview",
				CacheKey:    "routines:ignored",
				Resource:    "routines",
				Invalidates: []string{"routines:list"},
			})
			Expect(res.Kind).To(Equal(dispatch.KindSuccess))

			_, ok := store.GetStale("routines:list")
			Expect(ok).To(BeFalse())
			_, ok = store.GetStale("routines:ignored")
			Expect(ok).To(BeFalse())
		})

		It("should decode the payload", func() {
			doer.respond(ok(`{"volume":30}`))

			var out struct{ Volume int }
			Expect(executor.Execute(context.Background(), dispatch.Call{Endpoint: "/x", Resource: "device"}).Decode(&out)).To(Succeed())
			Expect(out.Volume).To(Equal(30))
		})
	})

	Describe("state gate", func() {
		It("should fail fast when not connected", func() {
			Expect(state.Transition(connstate.Disconnected)).To(Succeed())

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindFailure))
			Expect(res.Error()).To(MatchError(dispatch.ErrNotConnected))
			Expect(doer.Calls()).To(Equal(0))
		})

		It("should degrade to cached data when not connected", func() {
			Expect(store.Set("devices:list", []byte(`["cached"]`), 60)).To(Succeed())
			Expect(state.Transition(connstate.Error)).To(Succeed())

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindCachedFallback))
			Expect(res.Stale).To(BeTrue())
			Expect(res.Err.Kind).To(Equal(dispatch.NotConnected))
			Expect(res.Error()).NotTo(HaveOccurred())
		})

		It("should fail without I/O after shutdown", func() {
			Expect(state.Transition(connstate.ShuttingDown)).To(Succeed())

			res := executor.Execute(context.Background(), dispatch.Call{Endpoint: "/x", Resource: "device"})
			Expect(res.Err.Kind).To(Equal(dispatch.NotConnected))
			Expect(doer.Calls()).To(Equal(0))
		})
	})

	Describe("breaker gate", func() {
		It("should open after three network failures and serve stale cache on the fourth call", func() {
			doer.respond(status(http.StatusServiceUnavailable, nil))
			uncached := dispatch.Call{Endpoint: "/api/devices-v2/device", Resource: "device"}

			for i := 0; i < 3; i++ {
				res := executor.Execute(context.Background(), uncached)
				Expect(res.Err.Kind).To(Equal(dispatch.Network))
				Expect(res.Err.StatusCode).To(Equal(http.StatusServiceUnavailable))
			}
			Expect(breakers.GetBreaker("device").State()).To(Equal(circuitbreaker.StateOpen))

			Expect(store.Set("devices:list", []byte(`["cached"]`), 60)).To(Succeed())
			res := executor.Execute(context.Background(), devicesCall)

			Expect(res.Kind).To(Equal(dispatch.KindCachedFallback))
			Expect(res.Stale).To(BeTrue())
			Expect(res.Expired).To(BeFalse())
			Expect(string(res.Payload)).To(Equal(`["cached"]`))
			Expect(res.Err.Kind).To(Equal(dispatch.CircuitOpen))
			Expect(doer.Calls()).To(Equal(3))
		})

		It("should fail with CircuitOpen when nothing is cached", func() {
			doer.respond(fail(transport.ErrConnection))
			for i := 0; i < 3; i++ {
				executor.Execute(context.Background(), devicesCall)
			}

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Error()).To(MatchError(dispatch.ErrCircuitOpen))
			Expect(doer.Calls()).To(Equal(3))
		})

		It("should close again after a successful trial", func() {
			doer.respond(
				fail(transport.ErrTimeout), fail(transport.ErrTimeout), fail(transport.ErrTimeout),
				ok(`[]`),
			)
			for i := 0; i < 3; i++ {
				executor.Execute(context.Background(), devicesCall)
			}

			clock.Advance(31 * time.Second)
			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindSuccess))
			Expect(breakers.GetBreaker("device").State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should release the half-open trial on a rate limit", func() {
			doer.respond(
				fail(transport.ErrTimeout), fail(transport.ErrTimeout), fail(transport.ErrTimeout),
				status(http.StatusTooManyRequests, http.Header{"Retry-After": {"1"}}),
				ok(`[]`),
			)
			for i := 0; i < 3; i++ {
				executor.Execute(context.Background(), devicesCall)
			}

			clock.Advance(31 * time.Second)
			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Err.Kind).To(Equal(dispatch.RateLimited))
			Expect(breakers.GetBreaker("device").State()).To(Equal(circuitbreaker.StateHalfOpen))

			clock.Advance(2 * time.Second)
			res = executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindSuccess))
		})
	})

	Describe("network failures", func() {
		It("should count toward the breaker and report Network", func() {
			doer.respond(fail(transport.ErrTimeout))

			res := executor.Execute(context.Background(), dispatch.Call{Endpoint: "/x", Resource: "music"})
			Expect(res.Error()).To(MatchError(dispatch.ErrNetwork))
			Expect(res.Error()).To(MatchError(transport.ErrTimeout))
			Expect(breakers.GetBreaker("music").Failures()).To(Equal(1))
		})

		It("should fall back to an expired entry and flag it", func() {
			Expect(store.Set("devices:list", []byte(`["old"]`), 60)).To(Succeed())
			clock.Advance(5 * time.Minute)
			doer.respond(fail(transport.ErrConnection))

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindCachedFallback))
			Expect(res.Stale).To(BeTrue())
			Expect(res.Expired).To(BeTrue())
			Expect(res.Err.Kind).To(Equal(dispatch.Network))
		})

		It("should not count caller cancellation against the breaker", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			res := executor.Execute(ctx, dispatch.Call{Endpoint: "/x", Resource: "music"})
			Expect(res.Kind).To(Equal(dispatch.KindFailure))
			Expect(breakers.GetBreaker("music").Failures()).To(Equal(0))
		})
	})

	Describe("authentication", func() {
		It("should refresh once and retry after a 401", func() {
			doer.respond(status(http.StatusUnauthorized, nil), ok(`["fresh"]`))

			res := executor.Execute(context.Background(), devicesCall)

			Expect(res.Kind).To(Equal(dispatch.KindSuccess))
			Expect(string(res.Payload)).To(Equal(`["fresh"]`))
			Expect(refresher.Calls()).To(Equal(1))
			Expect(doer.Calls()).To(Equal(2))
			Expect(state.Current()).To(Equal(connstate.Connected))
			Expect(visited()).To(ContainElement(connstate.RefreshingToken))
			Expect(breakers.GetBreaker("device").Failures()).To(Equal(0))
		})

		It("should surface AuthExpired when the retry is rejected too", func() {
			doer.respond(status(http.StatusForbidden, nil))

			res := executor.Execute(context.Background(), devicesCall)

			Expect(res.Error()).To(MatchError(dispatch.ErrAuthExpired))
			Expect(res.Err.StatusCode).To(Equal(http.StatusForbidden))
			Expect(refresher.Calls()).To(Equal(1))
			Expect(doer.Calls()).To(Equal(2))
			Expect(state.Current()).To(Equal(connstate.Error))
			Expect(breakers.GetBreaker("device").Failures()).To(Equal(0))
		})

		It("should move to Error when the refresh fails", func() {
			refresher.err = auth.ErrRefreshFailed
			doer.respond(status(http.StatusUnauthorized, nil))

			res := executor.Execute(context.Background(), devicesCall)

			Expect(res.Error()).To(MatchError(dispatch.ErrAuthExpired))
			Expect(res.Error()).To(MatchError(auth.ErrRefreshFailed))
			Expect(doer.Calls()).To(Equal(1))
			Expect(state.Current()).To(Equal(connstate.Error))
		})

		It("should refresh when credentials are missing", func() {
			calls := 0
			creds := credentialsFunc(func() (auth.Credentials, error) {
				calls++
				if calls == 1 {
					return auth.Credentials{}, auth.ErrNoCredentials
				}
				return auth.Credentials{Cookie: "a=b"}, nil
			})
			executor = dispatch.New(doer, state, breakers, store, creds,
				dispatch.WithRefresher(refresher), dispatch.WithClock(clock.Now))

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindSuccess))
			Expect(refresher.Calls()).To(Equal(1))
			Expect(doer.Calls()).To(Equal(1))
		})

		It("should share one refresh between concurrent rejected calls", func() {
			refresher.delay = 50 * time.Millisecond
			var rejected sync.Map
			doer.respond(func(req transport.Request) (*transport.Response, error) {
				if _, seen := rejected.LoadOrStore(req.Path, true); !seen {
					return status(http.StatusUnauthorized, nil)(req)
				}
				return ok(`{}`)(req)
			})

			var wg sync.WaitGroup
			results := make([]dispatch.Result, 4)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i] = executor.Execute(context.Background(), dispatch.Call{
						Endpoint: "/api/" + string(rune('a'+i)),
						Resource: "device",
					})
				}(i)
			}
			wg.Wait()

			for _, res := range results {
				Expect(res.Kind).To(Equal(dispatch.KindSuccess))
			}
			Expect(refresher.Calls()).To(BeNumerically("<", 4))
			Expect(state.Current()).To(Equal(connstate.Connected))
		})
	})

	Describe("rate limiting", func() {
		It("should enter RateLimited with the server's backoff", func() {
			doer.respond(status(http.StatusTooManyRequests, http.Header{"Retry-After": {"120"}}))

			res := executor.Execute(context.Background(), devicesCall)

			Expect(res.Error()).To(MatchError(dispatch.ErrRateLimited))
			Expect(res.Err.RetryAfter).To(Equal(120 * time.Second))
			Expect(state.Current()).To(Equal(connstate.RateLimited))
			Expect(breakers.GetBreaker("device").Failures()).To(Equal(0))
		})

		It("should use the default backoff without Retry-After", func() {
			doer.respond(status(http.StatusTooManyRequests, nil))

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Err.RetryAfter).To(Equal(45 * time.Second))
		})

		It("should reject calls until the backoff elapses", func() {
			doer.respond(status(http.StatusTooManyRequests, http.Header{"Retry-After": {"10"}}), ok(`[]`))
			executor.Execute(context.Background(), devicesCall)

			clock.Advance(4 * time.Second)
			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Err.Kind).To(Equal(dispatch.RateLimited))
			Expect(res.Err.RetryAfter).To(Equal(6 * time.Second))
			Expect(doer.Calls()).To(Equal(1))

			clock.Advance(7 * time.Second)
			res = executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).To(Equal(dispatch.KindSuccess))
			Expect(state.Current()).To(Equal(connstate.Connected))
		})
	})

	Describe("other client errors", func() {
		It("should report Rejected without tripping the breaker", func() {
			doer.respond(status(http.StatusNotFound, nil))

			for i := 0; i < 5; i++ {
				res := executor.Execute(context.Background(), devicesCall)
				Expect(res.Error()).To(MatchError(dispatch.ErrRejected))
				Expect(res.Err.StatusCode).To(Equal(http.StatusNotFound))
			}
			Expect(breakers.GetBreaker("device").State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should neither cache nor fall back on an oversized response", func() {
			doer.respond(fail(transport.ErrResponseTooLarge))

			res := executor.Execute(context.Background(), devicesCall)
			Expect(res.Kind).NotTo(Equal(dispatch.KindSuccess))
			Expect(res.Error()).To(MatchError(dispatch.ErrRejected))
			Expect(res.Error()).To(MatchError(transport.ErrResponseTooLarge))

			_, cached := store.GetStale("devices:list")
			Expect(cached).To(BeFalse())
			Expect(breakers.GetBreaker("device").Failures()).To(Equal(0))
			Expect(state.Current()).To(Equal(connstate.Connected))
		})

		It("should reject bodies that cannot be encoded", func() {
			res := executor.Execute(context.Background(), dispatch.Call{
				Method:   http.MethodPost,
				Endpoint: "/x",
				Body:     make(chan int),
				Resource: "device",
			})
			Expect(res.Error()).To(MatchError(dispatch.ErrRejected))
			Expect(doer.Calls()).To(Equal(0))
		})
	})

	Describe("concurrency", func() {
		It("should collapse identical concurrent reads into one request", func() {
			release := make(chan struct{})
			doer.respond(func(req transport.Request) (*transport.Response, error) {
				<-release
				return ok(`["shared"]`)(req)
			})

			var wg sync.WaitGroup
			results := make([]dispatch.Result, 5)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i] = executor.Execute(context.Background(), devicesCall)
				}(i)
			}

			Eventually(doer.Calls).Should(Equal(1))
			time.Sleep(20 * time.Millisecond)
			close(release)
			wg.Wait()

			Expect(doer.Calls()).To(Equal(1))
			for _, res := range results {
				Expect(res.OK()).To(BeTrue())
				Expect(string(res.Payload)).To(Equal(`["shared"]`))
			}
		})
	})
})

type credentialsFunc func() (auth.Credentials, error)

func (f credentialsFunc) SessionHeaders(context.Context) (auth.Credentials, error) {
	return f()
}
