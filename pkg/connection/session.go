package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/transport"
)

// Session errors.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client closed")

	// ErrNotConnected is returned while no connection was ever requested.
	ErrNotConnected = errors.New("not connected")
)

// DefaultAttemptTimeout bounds one connection attempt, restore included.
const DefaultAttemptTimeout = 30 * time.Second

// State represents the session state.
type State uint8

const (
	// StateDisconnected indicates no channel and no attempt in progress.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates a restored, usable channel.
	StateConnected

	// StateReconnecting indicates the session is waiting out a backoff
	// delay after losing its channel.
	StateReconnecting

	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc establishes a new channel.
type ConnectFunc func(ctx context.Context) (transport.Channel, error)

// Handle is a channel together with the generation it was restored under.
// Holders must tolerate the channel dying at any time.
type Handle struct {
	Channel    transport.Channel
	Generation uint64
}

// Handler receives the traffic and lifecycle of every channel the session
// establishes. Its methods are called from session goroutines and must not
// block.
type Handler interface {
	// HandleFrame is called from the read loop for every inbound frame.
	HandleFrame(gen uint64, data []byte)

	// Restore runs on a new channel before the session reports Connected.
	// The read loop is already running, so requests sent here receive
	// their responses. Return an error wrapped with Fatal to stop the
	// session without retrying.
	Restore(ctx context.Context, h Handle) error

	// ConnectionLost is called when the channel of generation gen dies.
	ConnectionLost(gen uint64, err error)
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as permanent: the session stops instead of retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal or is a fatal
// transport.ConnectError.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe) || transport.IsFatal(err)
}

// Config configures a Session.
type Config struct {
	// Connect dials a new channel. Required.
	Connect ConnectFunc

	// Handler receives frames and restores state on new channels. Required.
	Handler Handler

	Backoff BackoffConfig

	// AttemptTimeout bounds a single dial plus restore (default: 30s).
	AttemptTimeout time.Duration

	// Logger for operational messages (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives session state events (optional).
	ProtocolLogger log.Logger
}

// Session owns at most one live channel and keeps it connected.
//
// The state machine is
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> RECONNECTING -> CONNECTING
//
// with CLOSED reachable from every state. Only the session changes its
// state, always under mu.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	plog    log.Logger
	backoff *Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	mu         sync.Mutex
	state      State
	changed    chan struct{}
	ch         transport.Channel
	generation uint64
	reconnects uint64
	lastErr    error

	// reconnecting is set while reconnectLoop runs.
	reconnecting bool

	cbMu     sync.Mutex
	onChange []func(old, new State)
}

// NewSession creates a disconnected session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Connect == nil {
		return nil, errors.New("connect function is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		plog:    log.OrNoop(cfg.ProtocolLogger),
		backoff: NewBackoff(cfg.Backoff),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the generation of the most recent successful connect.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Reconnects returns the number of successful reconnects after the first
// connect.
func (s *Session) Reconnects() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Err returns the error that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnStateChange registers a callback for state transitions. Callbacks run
// synchronously with the transition, in order, and must not call back into
// the session.
func (s *Session) OnStateChange(fn func(old, new State)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Connect establishes the first channel. A failed attempt is returned as
// is, without retry. Concurrent calls share one attempt. Connect on a
// connected session returns nil; while reconnecting it waits like
// EnsureConnected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateConnected:
		s.mu.Unlock()
		return nil
	}
	if s.reconnecting {
		s.mu.Unlock()
		_, err := s.EnsureConnected(ctx)
		return err
	}
	s.mu.Unlock()

	result := s.group.DoChan("connect", func() (any, error) {
		return nil, s.connectOnce()
	})
	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connectOnce() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateConnected:
		s.mu.Unlock()
		return nil
	}
	s.lastErr = nil
	s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()

	err := s.attempt(false)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.lastErr = err
			s.setStateLocked(StateDisconnected, err)
		}
		s.mu.Unlock()
		s.logger.Warn("connect failed", "error", err)
	}
	return err
}

// EnsureConnected waits until the session is Connected and returns the
// current handle. It fails with ErrClosed after Close, with the stopping
// error after a fatal failure, and with ErrNotConnected if Connect was
// never called.
func (s *Session) EnsureConnected(ctx context.Context) (Handle, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case StateConnected:
			h := Handle{Channel: s.ch, Generation: s.generation}
			s.mu.Unlock()
			return h, nil
		case StateClosed:
			s.mu.Unlock()
			return Handle{}, ErrClosed
		case StateDisconnected:
			err := s.lastErr
			if err == nil {
				err = ErrNotConnected
			}
			s.mu.Unlock()
			return Handle{}, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}
}

// Close stops the session and closes its channel. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	ch := s.ch
	s.ch = nil
	s.setStateLocked(StateClosed, nil)
	s.mu.Unlock()

	s.cancel()
	if ch != nil {
		ch.Close()
	}
	s.wg.Wait()
	return nil
}

// attempt dials, restores and commits one channel. The caller has set the
// state to Connecting.
func (s *Session) attempt(reconnect bool) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AttemptTimeout)
	defer cancel()

	ch, err := s.cfg.Connect(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		ch.Close()
		return ErrClosed
	}
	gen := s.generation + 1
	loopDone := make(chan struct{})
	s.wg.Add(1)
	s.mu.Unlock()
	go s.readLoop(ch, gen, loopDone)

	abort := func(err error) error {
		ch.Close()
		<-loopDone
		return err
	}

	if err := s.cfg.Handler.Restore(ctx, Handle{Channel: ch, Generation: gen}); err != nil {
		return abort(err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return abort(ErrClosed)
	}
	if err := ch.Err(); err != nil {
		s.mu.Unlock()
		return abort(err)
	}
	s.ch = ch
	s.generation = gen
	if reconnect {
		s.reconnects++
		s.reconnecting = false
	}
	s.lastErr = nil
	s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	s.backoff.Reset()
	s.logger.Info("connected", "channel", ch.ID(), "generation", gen)
	return nil
}

func (s *Session) readLoop(ch transport.Channel, gen uint64, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	for data, err := range transport.Stream(ch) {
		if err != nil {
			s.channelLost(ch, gen, err)
			return
		}
		s.cfg.Handler.HandleFrame(gen, data)
	}
}

func (s *Session) channelLost(ch transport.Channel, gen uint64, err error) {
	s.cfg.Handler.ConnectionLost(gen, err)

	s.mu.Lock()
	if s.ch != ch || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.ch = nil
	s.setStateLocked(StateReconnecting, err)
	s.reconnecting = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Warn("connection lost", "channel", ch.ID(), "generation", gen, "error", err)
	go s.reconnectLoop()
}

// reconnectLoop retries under backoff until connected, closed or stopped
// by a fatal error.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for {
		delay := s.backoff.Next()
		s.logger.Debug("reconnecting", "attempt", s.backoff.Attempts(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateConnecting, nil)
		s.mu.Unlock()

		err := s.attempt(true)
		if err == nil {
			return
		}

		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		if IsFatal(err) {
			s.reconnecting = false
			s.lastErr = err
			s.setStateLocked(StateDisconnected, err)
			s.mu.Unlock()
			s.logger.Error("reconnect rejected", "error", err)
			return
		}
		s.setStateLocked(StateReconnecting, err)
		s.mu.Unlock()
		s.logger.Debug("reconnect attempt failed", "error", err)
	}
}

// setStateLocked records a transition, wakes EnsureConnected waiters and
// runs the callbacks. s.mu must be held; callbacks run under cbMu, which
// keeps them in transition order.
func (s *Session) setStateLocked(next State, reason error) {
	old := s.state
	if old == next {
		return
	}
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})

	ev := log.Event{
		Timestamp:  time.Now(),
		Layer:      log.LayerSession,
		Category:   log.CategoryState,
		Generation: s.generation,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: old.String(),
			NewState: next.String(),
		},
	}
	if reason != nil {
		ev.StateChange.Reason = reason.Error()
	}
	s.plog.Log(ev)

	s.cbMu.Lock()
	for _, fn := range s.onChange {
		fn(old, next)
	}
	s.cbMu.Unlock()
}
