package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/interaction"
	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/subscription"
	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Config configures a Client.
type Config struct {
	// Endpoint of the broker, including the optional token and TLS
	// settings. Required.
	Endpoint transport.Endpoint

	// Dial configures the default dialer.
	Dial transport.DialOptions

	// Dialer replaces the default dialer.
	Dialer transport.Dialer

	// CallTimeout bounds calls whose context has no deadline
	// (default: 10s).
	CallTimeout time.Duration

	// Backoff configures reconnect delays.
	Backoff connection.BackoffConfig

	// AttemptTimeout bounds one dial plus restore (default: 30s).
	AttemptTimeout time.Duration

	// Registerer receives the client metrics (optional).
	Registerer prometheus.Registerer

	// Logger for operational messages (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives frame, message and state events (optional).
	ProtocolLogger log.Logger
}

// Client is a broker client. It is safe for concurrent use.
type Client struct {
	endpoint transport.Endpoint
	logger   *slog.Logger

	session  *connection.Session
	mux      *interaction.Mux
	registry *subscription.Registry
	metrics  *metrics

	closed atomic.Bool
}

// New creates a client for cfg.Endpoint. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint.IsZero() {
		return nil, ErrNoEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("endpoint", cfg.Endpoint.String())

	dialer := cfg.Dialer
	if dialer == nil {
		if cfg.Dial.Logger == nil {
			cfg.Dial.Logger = cfg.ProtocolLogger
		}
		dialer = transport.NewDialer(cfg.Dial)
	}

	c := &Client{endpoint: cfg.Endpoint, logger: logger}
	c.mux = interaction.NewMux(interaction.MuxConfig{
		CallTimeout:    cfg.CallTimeout,
		Logger:         logger,
		ProtocolLogger: cfg.ProtocolLogger,
	})

	reg, err := subscription.NewRegistry(subscription.Config{
		Caller:         c.mux,
		CallTimeout:    cfg.CallTimeout,
		Logger:         logger,
		ProtocolLogger: cfg.ProtocolLogger,
	})
	if err != nil {
		return nil, err
	}
	c.registry = reg

	ep := cfg.Endpoint
	session, err := connection.NewSession(connection.Config{
		Connect: func(ctx context.Context) (transport.Channel, error) {
			return dialer.Dial(ctx, ep)
		},
		Handler:        (*sessionHandler)(c),
		Backoff:        cfg.Backoff,
		AttemptTimeout: cfg.AttemptTimeout,
		Logger:         logger,
		ProtocolLogger: cfg.ProtocolLogger,
	})
	if err != nil {
		return nil, err
	}
	c.session = session

	if cfg.Registerer != nil {
		m, err := newMetrics(cfg.Registerer, c)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		c.metrics = m
	}
	return c, nil
}

// Connect establishes the session. A failed first attempt is returned
// without retry; once connected, the client reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.mapErr(c.session.Connect(ctx))
}

// Close disconnects and releases all resources. Calls in flight fail with
// ErrClientClosed. Close is idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mux.Close()
	_ = c.registry.Close()
	err := c.session.Close()
	c.logger.Debug("client closed")
	return err
}

// State returns the session state.
func (c *Client) State() connection.State {
	return c.session.State()
}

// Generation returns the connection generation.
func (c *Client) Generation() uint64 {
	return c.session.Generation()
}

// OnStateChange registers fn for session state transitions. fn must not
// call back into the client.
func (c *Client) OnStateChange(fn func(old, new connection.State)) {
	c.session.OnStateChange(fn)
}

// Stats is a snapshot of client counters.
type Stats struct {
	State           connection.State
	Generation      uint64
	Reconnects      uint64
	PendingRequests int
	Subscriptions   map[subscription.Status]int
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	return Stats{
		State:           c.session.State(),
		Generation:      c.session.Generation(),
		Reconnects:      c.session.Reconnects(),
		PendingRequests: c.mux.Pending(),
		Subscriptions:   c.registry.Counts(),
	}
}

// handle waits for a usable channel. A disconnected client that was not
// stopped by a fatal error connects first.
func (c *Client) handle(ctx context.Context) (connection.Handle, error) {
	h, err := c.session.EnsureConnected(ctx)
	if err != nil && c.session.State() == connection.StateDisconnected && !connection.IsFatal(err) {
		if err := c.session.Connect(ctx); err != nil {
			return connection.Handle{}, err
		}
		h, err = c.session.EnsureConnected(ctx)
	}
	return h, err
}

// do runs one request with the call deadline applied to the wait for a
// channel as well.
func (c *Client) do(ctx context.Context, op wire.Operation, fn func(ctx context.Context, h connection.Handle) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	start := time.Now()
	ctx, cancel := c.mux.Bound(ctx)
	defer cancel()

	h, err := c.handle(ctx)
	if err == nil {
		err = fn(ctx, h)
	}
	err = c.mapErr(err)
	c.metrics.observe(op, time.Since(start), err)
	return err
}

func (c *Client) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() || errors.Is(err, connection.ErrClosed) {
		return ErrClientClosed
	}
	return interaction.WrapTimeout(err)
}

// sessionHandler connects the session to the multiplexer and registry.
type sessionHandler Client

func (h *sessionHandler) HandleFrame(gen uint64, data []byte) {
	c := (*Client)(h)
	mt, err := wire.PeekMessageType(data)
	if err != nil {
		c.logger.Debug("dropping undecodable frame", "generation", gen, "error", err)
		return
	}

	switch mt {
	case wire.MessageTypeResponse:
		resp, err := wire.DecodeResponse(data)
		if err != nil {
			c.logger.Debug("dropping malformed response", "error", err)
			return
		}
		c.mux.HandleResponse(gen, resp)
	case wire.MessageTypeNotification:
		n, err := wire.DecodeNotification(data)
		if err != nil {
			c.logger.Debug("dropping malformed notification", "error", err)
			return
		}
		c.registry.HandleNotification(gen, n)
	default:
		c.logger.Debug("dropping unexpected frame", "type", mt, "generation", gen)
	}
}

// Restore authorizes the new channel and re-registers subscriptions. A
// rejected token stops the session.
func (h *sessionHandler) Restore(ctx context.Context, hd connection.Handle) error {
	c := (*Client)(h)
	if token := c.endpoint.Token(); token != "" {
		if err := c.mux.Authorize(ctx, hd, token); err != nil {
			if status, ok := interaction.StatusOf(err); ok && status.IsAuthFailure() {
				return connection.Fatal(err)
			}
			return fmt.Errorf("authorize: %w", err)
		}
	}
	return c.registry.Restore(ctx, hd)
}

func (h *sessionHandler) ConnectionLost(gen uint64, err error) {
	c := (*Client)(h)
	c.mux.FailGeneration(gen, err)
	c.registry.ConnectionLost(gen, err)
}

var _ connection.Handler = (*sessionHandler)(nil)
