package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/voicectl/internal/auth"
	"github.com/angeloszaimis/voicectl/internal/connstate"
	"github.com/angeloszaimis/voicectl/internal/dispatch"
	"github.com/angeloszaimis/voicectl/internal/transport"
)

const (
	DefaultProbeEndpoint = "/api/bootstrap"
	DefaultProbeTimeout  = 10 * time.Second
)

// ErrProbeRejected means the service refused the session during connect.
var ErrProbeRejected = errors.New("session rejected by probe")

type Option func(*Checker)

func WithRefresher(r auth.Refresher) Option {
	return func(c *Checker) { c.refresher = r }
}

func WithEndpoint(endpoint string) Option {
	return func(c *Checker) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Checker) { c.userAgent = ua }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithOnRestored registers fn to run each time Monitor re-establishes a
// lost connection.
func WithOnRestored(fn func()) Option {
	return func(c *Checker) { c.onRestored = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type Checker struct {
	doer        transport.Doer
	state       *connstate.Machine
	credentials auth.CredentialsProvider
	refresher   auth.Refresher
	endpoint    string
	userAgent   string
	timeout     time.Duration
	onRestored  func()
	logger      *slog.Logger
}

func New(doer transport.Doer, state *connstate.Machine, credentials auth.CredentialsProvider, opts ...Option) *Checker {
	c := &Checker{
		doer:        doer,
		state:       state,
		credentials: credentials,
		endpoint:    DefaultProbeEndpoint,
		timeout:     DefaultProbeTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe sends one authenticated GET to the probe endpoint.
func (c *Checker) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	creds, err := c.credentials.SessionHeaders(ctx)
	if err != nil {
		return err
	}

	_, err = c.doer.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   c.endpoint,
		Header: dispatch.SessionHeaders(creds, c.userAgent, uuid.NewString()),
	})
	return err
}

// Connect moves the machine from Disconnected or Error to Connected. It is
// a no-op when already connected.
func (c *Checker) Connect(ctx context.Context) error {
	switch current := c.state.Current(); current {
	case connstate.Connected:
		return nil
	case connstate.Disconnected, connstate.Error:
		if err := c.state.TransitionFrom(current, connstate.Connecting); err != nil {
			return err
		}
	default:
		return &connstate.InvalidTransitionError{From: current, To: connstate.Connecting}
	}

	err := c.Probe(ctx)
	if err == nil {
		return c.established(connstate.Connecting)
	}

	if !isAuthFailure(err) || c.refresher == nil {
		c.failed(connstate.Connecting, err)
		return fmt.Errorf("connect: %w", classify(err))
	}

	if err := c.state.TransitionFrom(connstate.Connecting, connstate.RefreshingToken); err != nil {
		return err
	}
	if err := c.refresher.Refresh(ctx); err != nil {
		c.failed(connstate.RefreshingToken, err)
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.Probe(ctx); err != nil {
		c.failed(connstate.RefreshingToken, err)
		return fmt.Errorf("connect after refresh: %w", classify(err))
	}
	return c.established(connstate.RefreshingToken)
}

func (c *Checker) established(from connstate.State) error {
	if err := c.state.TransitionFrom(from, connstate.Connected); err != nil {
		return err
	}
	c.logger.Info("Connected", slog.String("endpoint", c.endpoint))
	return nil
}

func (c *Checker) failed(from connstate.State, cause error) {
	_ = c.state.TransitionFrom(from, connstate.Error)
	c.logger.Warn("Connect failed", slog.String("endpoint", c.endpoint), slog.Any("err", cause))
}

// Resumer clears an elapsed rate limit backoff.
type Resumer interface {
	ResumeIfBackoffElapsed() bool
}

// Monitor reconnects from Error and resumes from an elapsed rate limit on
// every tick until ctx ends. resumer may be nil.
func (c *Checker) Monitor(ctx context.Context, interval time.Duration, resumer Resumer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Connection monitor stopped")
			return

		case <-ticker.C:
			switch c.state.Current() {
			case connstate.Error, connstate.Disconnected:
				if err := c.Connect(ctx); err == nil {
					c.logger.Info("Connection restored")
					if c.onRestored != nil {
						c.onRestored()
					}
				}

			case connstate.RateLimited:
				if resumer != nil && resumer.ResumeIfBackoffElapsed() {
					c.logger.Info("Rate limit backoff elapsed")
				}
			}
		}
	}
}

func isAuthFailure(err error) bool {
	if errors.Is(err, auth.ErrNoCredentials) {
		return true
	}
	var statusErr *transport.StatusError
	return errors.As(err, &statusErr) &&
		(statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden)
}

func classify(err error) error {
	if isAuthFailure(err) {
		return errors.Join(ErrProbeRejected, err)
	}
	return err
}
