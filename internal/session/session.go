package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/voicectl/config"
	"github.com/angeloszaimis/voicectl/internal/auth"
	"github.com/angeloszaimis/voicectl/internal/cache"
	"github.com/angeloszaimis/voicectl/internal/circuitbreaker"
	"github.com/angeloszaimis/voicectl/internal/connstate"
	"github.com/angeloszaimis/voicectl/internal/dispatch"
	"github.com/angeloszaimis/voicectl/internal/fanout"
	"github.com/angeloszaimis/voicectl/internal/healthcheck"
	"github.com/angeloszaimis/voicectl/internal/managers"
	"github.com/angeloszaimis/voicectl/internal/metrics"
	"github.com/angeloszaimis/voicectl/internal/transport"
)

const metricsBufferSize = 256

// resources get a breaker up front so status reports all of them.
var resources = []string{
	managers.ResourceDevice,
	managers.ResourceMusic,
	managers.ResourceNotifications,
	managers.ResourceRoutines,
	managers.ResourceSmartHome,
}

type Option func(*options)

type options struct {
	httpClient  *http.Client
	credentials auth.CredentialsProvider
	refresher   auth.Refresher
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithCredentials replaces the cookie file provider.
func WithCredentials(p auth.CredentialsProvider) Option {
	return func(o *options) { o.credentials = p }
}

// WithRefresher replaces the refresh command from the configuration.
func WithRefresher(r auth.Refresher) Option {
	return func(o *options) { o.refresher = r }
}

type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	state      *connstate.Machine
	breakers   *circuitbreaker.Registry
	cache      *cache.Store
	client     *transport.Client
	executor   *dispatch.Executor
	checker    *healthcheck.Checker
	collector  *metrics.Collector
	prometheus *metrics.Prometheus

	Devices       *managers.Devices
	Player        *managers.Player
	Notifications *managers.Notifications
	Routines      *managers.Routines
	SmartHome     *managers.SmartHome

	stopCollector context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{cfg: cfg, logger: logger}

	s.prometheus = metrics.NewPrometheus()
	s.collector = metrics.NewCollector(metricsBufferSize, logger, metrics.WithPrometheus(s.prometheus))
	collectorCtx, stop := context.WithCancel(context.Background())
	s.stopCollector = stop
	s.collector.Start(collectorCtx)

	s.state = connstate.New(connstate.WithOnChange(s.stateChanged))

	s.breakers = circuitbreaker.NewRegistry(
		breakerConfig(cfg.CircuitBreaker.Default),
		circuitbreaker.WithStateChange(s.breakerChanged),
	)
	for resource, bc := range cfg.CircuitBreaker.Resources {
		s.breakers.Configure(resource, breakerConfig(bc))
	}
	for _, resource := range resources {
		s.breakers.GetBreaker(resource)
	}

	s.cache = cache.New(cache.Options{
		Dir:               cfg.Cache.Dir,
		Compress:          cfg.Cache.Compress,
		CompressMinBytes:  cfg.Cache.CompressMinBytes,
		DefaultTTLSeconds: cfg.Cache.DefaultTTLSeconds,
		TTLSeconds:        cfg.Cache.TTLSeconds,
		Logger:            logger,
	})
	s.prometheus.RegisterCache(s.cache.Stats)

	clientOpts := []transport.Option{
		transport.WithTimeout(cfg.API.TimeoutDuration()),
		transport.WithLogger(logger),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, transport.WithHTTPClient(o.httpClient))
	}
	client, err := transport.New(cfg.API.BaseURL, clientOpts...)
	if err != nil {
		stop()
		s.collector.Wait()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.client = client

	credentials := o.credentials
	if credentials == nil {
		credentials = auth.NewCookieJarProvider(cfg.Auth.CookieFile, auth.WithTarget(client.BaseURL()))
	}
	refresher := o.refresher
	if refresher == nil && cfg.Auth.RefreshCommand != "" {
		refresher = auth.NewScriptRefresher(
			cfg.Auth.RefreshCommand,
			cfg.Auth.CookieFile,
			cfg.Auth.RefreshTimeoutDuration(),
			logger,
		)
	}

	execOpts := []dispatch.Option{
		dispatch.WithCollector(s.collector),
		dispatch.WithLogger(logger),
		dispatch.WithTimeout(cfg.API.TimeoutDuration()),
		dispatch.WithUserAgent(cfg.API.UserAgent),
		dispatch.WithDefaultBackoff(cfg.RateLimit.DefaultBackoffDuration()),
	}
	checkOpts := []healthcheck.Option{
		healthcheck.WithEndpoint(cfg.API.ProbeEndpoint),
		healthcheck.WithUserAgent(cfg.API.UserAgent),
		healthcheck.WithLogger(logger),
		healthcheck.WithOnRestored(s.breakers.Reset),
	}
	if refresher != nil {
		execOpts = append(execOpts, dispatch.WithRefresher(refresher))
		checkOpts = append(checkOpts, healthcheck.WithRefresher(refresher))
	}

	s.executor = dispatch.New(client, s.state, s.breakers, s.cache, credentials, execOpts...)
	s.checker = healthcheck.New(client, s.state, credentials, checkOpts...)

	pool := fanout.New(cfg.Fanout.Workers, cfg.Fanout.RequestsPerSecond)
	s.Devices = managers.NewDevices(s.executor, pool)
	s.Player = managers.NewPlayer(s.executor)
	s.Notifications = managers.NewNotifications(s.executor)
	s.Routines = managers.NewRoutines(s.executor)
	s.SmartHome = managers.NewSmartHome(s.executor)

	return s, nil
}

func breakerConfig(bc config.BreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: bc.FailureThreshold,
		RecoveryTimeout:  bc.RecoveryTimeoutDuration(),
	}
}

func (s *Session) stateChanged(from, to connstate.State) {
	s.logger.Debug("Connection state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	s.collector.Emit(metrics.MetricEvent{
		Type: metrics.EventStateChanged,
		From: from.String(),
		To:   to.String(),
	})
}

func (s *Session) breakerChanged(resource string, from, to circuitbreaker.State) {
	s.logger.Info("Circuit breaker changed",
		slog.String("resource", resource),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	s.collector.Emit(metrics.MetricEvent{
		Type:     metrics.EventBreakerChanged,
		Resource: resource,
		From:     from.String(),
		To:       to.String(),
	})
}

func (s *Session) Offline() bool {
	return s.cfg.Offline
}

func (s *Session) State() connstate.State {
	return s.state.Current()
}

func (s *Session) Executor() dispatch.ApiExecutor {
	return s.executor
}

func (s *Session) Cache() *cache.Store {
	return s.cache
}

// Registry is the Prometheus registry holding every voicectl series.
func (s *Session) Registry() *prometheus.Registry {
	return s.prometheus.Registry()
}

// Connect probes the API and moves the session to Connected. In offline
// mode it does nothing and calls are served from the cache.
func (s *Session) Connect(ctx context.Context) error {
	if s.cfg.Offline {
		s.logger.Debug("Offline mode, skipping connect")
		return nil
	}
	return s.checker.Connect(ctx)
}

// StartMonitor reconnects after errors and resumes after rate limits in the
// background until ctx ends.
func (s *Session) StartMonitor(ctx context.Context) {
	if s.cfg.Offline {
		return
	}
	go s.checker.Monitor(ctx, s.cfg.Monitor.IntervalDuration(), s.executor)
}

// Close moves the state machine to ShuttingDown, flushes pending metric
// events and writes the textfile when one is configured. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.state.Transition(connstate.ShuttingDown); err != nil {
			s.logger.Debug("Shutdown transition skipped", slog.Any("err", err))
		}

		s.stopCollector()
		s.collector.Wait()

		if path := s.cfg.Metrics.Textfile; path != "" {
			if err := s.prometheus.WriteTextfile(path); err != nil {
				s.closeErr = fmt.Errorf("write metrics textfile: %w", err)
			}
		}
	})
	return s.closeErr
}

type Status struct {
	State      string                          `json:"state"`
	Offline    bool                            `json:"offline"`
	BaseURL    string                          `json:"base_url"`
	InFlight   int                             `json:"in_flight"`
	AvgLatency string                          `json:"avg_latency"`
	Breakers   map[string]circuitbreaker.Stats `json:"breakers"`
	CacheDir   string                          `json:"cache_dir,omitempty"`
	Cache      cache.Stats                     `json:"cache"`
	Metrics    metrics.Snapshot                `json:"metrics"`
}

func (s *Session) Status() Status {
	return Status{
		State:      s.state.Current().String(),
		Offline:    s.cfg.Offline,
		BaseURL:    s.client.BaseURL().String(),
		InFlight:   s.client.InFlight(),
		AvgLatency: s.client.EWMATime().String(),
		Breakers:   s.breakers.Stats(),
		CacheDir:   s.cache.Dir(),
		Cache:      s.cache.Stats(),
		Metrics:    s.collector.Snapshot(),
	}
}
