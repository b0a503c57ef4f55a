package mockbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vehiclesignals/vss-go/pkg/subscription"
	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// DefaultMaxSubscriptions is the per-session subscription limit.
const DefaultMaxSubscriptions = 64

// Broker errors.
var (
	ErrUnknownSignal = errors.New("unknown signal")
	ErrBrokerClosed  = errors.New("broker closed")
	ErrOffline       = errors.New("broker offline")
)

// Config configures a Broker.
type Config struct {
	// Signals is the signal tree (default: DefaultCatalog()).
	Signals []Signal

	// Tokens accepted by Authorize. When empty, sessions need no
	// authorization.
	Tokens []string

	// MaxSubscriptions per session (default: DefaultMaxSubscriptions).
	MaxSubscriptions int

	// Actuate copies every new actuator target into its current value.
	Actuate bool

	// Now stamps values (default: time.Now).
	Now func() time.Time

	// Logger (default: slog.Default()).
	Logger *slog.Logger
}

type signal struct {
	Signal
	current wire.Datapoint
	target  wire.Datapoint
}

func (s *signal) slot(field wire.Field) *wire.Datapoint {
	if field == wire.FieldTarget {
		return &s.target
	}
	return &s.current
}

// Broker is an in-memory signal broker. It serves the broker protocol on
// any transport.Channel and keeps one session per channel.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	signals  map[string]*signal
	sessions map[*session]struct{}
	stalled  map[wire.Operation]bool
	rejected map[string]wire.Status
	offline  bool
	closed   bool

	// pubMu orders notifications across publishers.
	pubMu sync.Mutex

	nextSubID atomic.Uint32
	accepted  atomic.Uint64
	wg        sync.WaitGroup
}

// New creates a broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Signals == nil {
		cfg.Signals = DefaultCatalog()
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Broker{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "mockbroker"),
		signals:  make(map[string]*signal, len(cfg.Signals)),
		sessions: make(map[*session]struct{}),
		stalled:  make(map[wire.Operation]bool),
		rejected: make(map[string]wire.Status),
	}
	now := cfg.Now()
	for _, s := range cfg.Signals {
		if _, err := subscription.ParsePattern(s.Path); err != nil {
			return nil, fmt.Errorf("signal %q: %w", s.Path, err)
		}
		if _, dup := b.signals[s.Path]; dup {
			return nil, fmt.Errorf("signal %q: duplicate path", s.Path)
		}
		if !s.Initial.IsZero() && s.Initial.Type() != s.Type {
			return nil, fmt.Errorf("signal %q: initial value is %s, want %s", s.Path, s.Initial.Type(), s.Type)
		}
		sig := &signal{Signal: s}
		sig.current = wire.Datapoint{Path: s.Path}
		sig.target = wire.Datapoint{Path: s.Path}
		if !s.Initial.IsZero() {
			sig.current.Value = s.Initial
			sig.current.Timestamp = now
		}
		b.signals[s.Path] = sig
	}
	return b, nil
}

// Serve runs a session on ch until ch dies or the broker is closed. It
// returns immediately.
func (b *Broker) Serve(ch transport.Channel) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch.Close()
		return
	}
	s := newSession(b, ch)
	b.sessions[s] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	b.accepted.Add(1)
	go func() {
		defer b.wg.Done()
		s.run()
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
	}()
}

// Dialer returns a dialer that connects clients to b over in-memory pipes.
// The endpoint is ignored apart from logging.
func (b *Broker) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
		if err := ctx.Err(); err != nil {
			return nil, &transport.ConnectError{Endpoint: ep.String(), Err: err}
		}
		b.mu.Lock()
		closed, offline := b.closed, b.offline
		b.mu.Unlock()
		switch {
		case closed:
			return nil, &transport.ConnectError{Endpoint: ep.String(), Err: ErrBrokerClosed}
		case offline:
			return nil, &transport.ConnectError{Endpoint: ep.String(), Err: ErrOffline}
		}

		client, server := transport.Pipe()
		b.Serve(server)
		return client, nil
	})
}

// Authenticate reports whether token is accepted. It suits the
// Authenticate hooks of the WebSocket and gRPC servers.
func (b *Broker) Authenticate(token string) bool {
	return len(b.cfg.Tokens) == 0 || slices.Contains(b.cfg.Tokens, token)
}

func (b *Broker) requiresAuth() bool {
	return len(b.cfg.Tokens) > 0
}

// Publish sets the current value of path as a provider would and notifies
// subscribers. Unlike a client Set it accepts sensors and attributes.
func (b *Broker) Publish(path string, v wire.Value) error {
	return b.PublishAt(path, v, b.cfg.Now())
}

// PublishAt is Publish with an explicit timestamp.
func (b *Broker) PublishAt(path string, v wire.Value, ts time.Time) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	sig, ok := b.signals[path]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSignal, path)
	}
	if v.Type() != sig.Type {
		b.mu.Unlock()
		return fmt.Errorf("%s: value is %s, want %s", path, v.Type(), sig.Type)
	}
	sig.current = wire.Datapoint{Path: path, Value: v, Timestamp: ts}
	out := b.collectLocked([]wire.Datapoint{sig.current}, wire.FieldCurrent)
	b.mu.Unlock()

	b.deliver(out)
	return nil
}

// Value returns the stored datapoint of path.
func (b *Broker) Value(path string, field wire.Field) (wire.Datapoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sig, ok := b.signals[path]
	if !ok {
		return wire.Datapoint{}, false
	}
	return *sig.slot(field), true
}

// Sever breaks every live session channel with err, as a network failure
// would, and returns the number of channels broken.
func (b *Broker) Sever(err error) int {
	if err == nil {
		err = errors.New("connection severed")
	}
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.sever(err)
	}
	return len(sessions)
}

// SetOffline makes Dialer refuse new connections while offline is true.
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// Stall makes the broker swallow requests of op without answering.
func (b *Broker) Stall(op wire.Operation, stall bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stall {
		b.stalled[op] = true
	} else {
		delete(b.stalled, op)
	}
}

// RejectSubscribe makes subscribe requests for pattern fail with status.
// StatusSuccess removes the rejection.
func (b *Broker) RejectSubscribe(pattern string, status wire.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status.IsSuccess() {
		delete(b.rejected, pattern)
	} else {
		b.rejected[pattern] = status
	}
}

// Sessions returns the number of live sessions.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Accepted returns the number of sessions served so far.
func (b *Broker) Accepted() uint64 {
	return b.accepted.Load()
}

// Subscriptions returns the number of server-side subscriptions across
// all sessions.
func (b *Broker) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.sessions {
		n += len(s.subs)
	}
	return n
}

// Close ends all sessions and refuses new ones.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.ch.Close()
	}
	b.wg.Wait()
	return nil
}

// outbound is one notification for one session.
type outbound struct {
	s *session
	n *wire.Notification
}

// collectLocked groups updates by matching subscription. b.mu must be held.
func (b *Broker) collectLocked(updates []wire.Datapoint, field wire.Field) []outbound {
	var out []outbound
	for s := range b.sessions {
		for _, sub := range s.subs {
			if sub.field != field {
				continue
			}
			var matched []wire.Datapoint
			for _, dp := range updates {
				if sub.pattern.Match(dp.Path) {
					matched = append(matched, dp)
				}
			}
			if len(matched) > 0 {
				out = append(out, outbound{s: s, n: &wire.Notification{SubscriptionID: sub.id, Updates: matched}})
			}
		}
	}
	return out
}

func (b *Broker) deliver(out []outbound) {
	for _, o := range out {
		o.s.notify(o.n)
	}
}

func (b *Broker) isStalled(op wire.Operation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stalled[op]
}
