package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/interaction"
	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Registry errors.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNilSink              = errors.New("nil sink")
	ErrClosed               = connection.ErrClosed

	errUnsubscribed = errors.New("unsubscribed")
)

// DefaultCallTimeout bounds each registration and best-effort
// server-side cancel.
const DefaultCallTimeout = 10 * time.Second

// Notifications may arrive before the subscribe response has been
// processed. They are parked, per server id, until the registration
// commits or the generation ends.
const (
	maxParkedIDs     = 16
	maxParkedUpdates = 256
)

// Status is the lifecycle state of a subscription.
type Status uint8

const (
	// StatusPending means the subscription has no server-side
	// counterpart on the current channel yet.
	StatusPending Status = iota

	// StatusActive means the broker acknowledged the subscription on the
	// current channel.
	StatusActive

	// StatusStale means the broker rejected the subscription or did not
	// acknowledge it within the call timeout. It is retried on the next
	// reconnect or on Retry.
	StatusStale
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// Caller issues server-side subscription requests. *interaction.Mux
// implements it.
type Caller interface {
	Subscribe(ctx context.Context, h connection.Handle, pattern string, field wire.Field) (uint32, error)
	Unsubscribe(ctx context.Context, h connection.Handle, id uint32) error
}

// Config configures a Registry.
type Config struct {
	// Caller sends subscribe and unsubscribe requests. Required.
	Caller Caller

	// CallTimeout bounds each registration and best-effort cancel
	// (default: 10s).
	CallTimeout time.Duration

	// Logger for operational messages (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives subscription state events (optional).
	ProtocolLogger log.Logger
}

// Registry tracks the client's subscriptions and keeps them registered
// with the broker across reconnects.
//
// The session hands it every new channel through Restore and reports dead
// channels through ConnectionLost; notifications are fed in with the
// generation of the channel they arrived on.
type Registry struct {
	caller  Caller
	timeout time.Duration
	logger  *slog.Logger
	plog    log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nextID atomic.Uint64

	mu         sync.Mutex
	order      []*Subscription
	byServerID map[uint32]*Subscription
	parked     map[uint32][]wire.Datapoint
	handle     connection.Handle
	live       bool
	closed     bool
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Caller == nil {
		return nil, errors.New("subscription: Caller is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		caller:     cfg.Caller,
		timeout:    cfg.CallTimeout,
		logger:     logger.With("component", "subscriptions"),
		plog:       log.OrNoop(cfg.ProtocolLogger),
		ctx:        ctx,
		cancel:     cancel,
		byServerID: make(map[uint32]*Subscription),
		parked:     make(map[uint32][]wire.Datapoint),
	}, nil
}

// Subscribe adds a subscription for pattern and returns it in
// StatusPending. If a channel is live, registration starts in the
// background; otherwise it happens on the next Restore.
func (r *Registry) Subscribe(pattern string, field wire.Field, sink Sink) (*Subscription, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, ErrNilSink
	}

	s := &Subscription{
		reg:     r,
		id:      r.nextID.Add(1),
		pattern: p,
		field:   field,
		sink:    sink,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		last:    make(map[string]wire.Datapoint),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.order = append(r.order, s)
	go s.run()
	r.logState(s, "", StatusPending, nil)

	if r.live {
		r.registerAsyncLocked(s, r.handle)
	}
	return s, nil
}

// Unsubscribe removes s. When it returns, the sink of s is not invoked
// again. If s was active, a server-side cancel is sent; its failure is
// logged only. Unsubscribe must not be called from the sink of s itself.
func (r *Registry) Unsubscribe(s *Subscription) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	idx := slices.Index(r.order, s)
	if idx < 0 {
		r.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	r.order = slices.Delete(r.order, idx, idx+1)
	s.removed = true

	h := r.handle
	active := s.status == StatusActive && r.live && s.ch == h.Channel
	if s.status == StatusActive && r.byServerID[s.serverID] == s {
		delete(r.byServerID, s.serverID)
	}
	serverID := s.serverID
	r.logState(s, s.status.String(), s.status, errUnsubscribed)
	r.mu.Unlock()

	s.stop()
	if active {
		r.cancelRemote(h, s, serverID)
	}
	return nil
}

// Restore registers every subscription on the new channel h in insertion
// order. A broker rejection, or a registration left unanswered for the
// call timeout, marks only that subscription stale. Any other failure
// aborts the restore and is returned.
func (r *Registry) Restore(ctx context.Context, h connection.Handle) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.handle, r.live = h, true
	clear(r.byServerID)
	clear(r.parked)
	subs := slices.Clone(r.order)
	for _, s := range subs {
		if s.status == StatusActive && s.ch != h.Channel {
			r.setStatusLocked(s, StatusPending, nil)
		}
	}
	r.mu.Unlock()

	for _, s := range subs {
		if err := r.register(ctx, s, h); err != nil {
			return fmt.Errorf("restore subscription %s: %w", s.pattern, err)
		}
	}
	return nil
}

// ConnectionLost demotes the subscriptions of generation gen to pending
// and reports err to their sinks.
func (r *Registry) ConnectionLost(gen uint64, err error) {
	if err == nil {
		err = connection.ErrNotConnected
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle.Generation == gen {
		r.live = false
		clear(r.byServerID)
		clear(r.parked)
	}
	for _, s := range r.order {
		if s.status == StatusActive && s.gen == gen {
			s.ch = nil
			r.setStatusLocked(s, StatusPending, err)
			s.enqueue(delivery{err: err, lost: true})
		}
	}
}

// Retry registers stale subscriptions on the current channel.
func (r *Registry) Retry(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if !r.live {
		r.mu.Unlock()
		return connection.ErrNotConnected
	}
	h := r.handle
	var stale []*Subscription
	for _, s := range r.order {
		if s.status == StatusStale {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		if err := r.register(ctx, s, h); err != nil {
			return fmt.Errorf("retry subscription %s: %w", s.pattern, err)
		}
	}
	return nil
}

// HandleNotification routes n to the subscription it belongs to. Updates
// from another generation, for unknown subscriptions or outside the
// subscription's pattern are dropped. It reports whether n was accepted.
func (r *Registry) HandleNotification(gen uint64, n *wire.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.live || gen != r.handle.Generation {
		r.logger.Debug("dropping notification from old generation",
			"subscription", n.SubscriptionID, "generation", gen)
		return false
	}

	s := r.byServerID[n.SubscriptionID]
	if s == nil {
		r.parkLocked(n)
		return false
	}
	for _, dp := range n.Updates {
		if s.pattern.Match(dp.Path) {
			s.enqueue(delivery{dp: dp})
		}
	}
	return true
}

// Close removes all subscriptions without server-side cancels. It is
// idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.live = false
	subs := r.order
	r.order = nil
	for _, s := range subs {
		s.removed = true
	}
	clear(r.byServerID)
	clear(r.parked)
	r.mu.Unlock()

	r.cancel()
	for _, s := range subs {
		s.stop()
	}
	r.wg.Wait()
	return nil
}

// Count returns the number of subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Counts returns the number of subscriptions per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int, 3)
	for _, s := range r.order {
		counts[s.status]++
	}
	return counts
}

// Subscriptions returns the subscriptions in insertion order.
func (r *Registry) Subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// register subscribes s on h unless it is already active or being
// registered there. Each call is bounded by the call timeout. Broker
// rejections, and timeouts while ctx and the channel are still alive,
// mark s stale and return nil.
func (r *Registry) register(ctx context.Context, s *Subscription, h connection.Handle) error {
	r.mu.Lock()
	if s.removed || r.closed || s.inflight == h.Channel ||
		(s.status == StatusActive && s.ch == h.Channel) {
		r.mu.Unlock()
		return nil
	}
	s.inflight = h.Channel
	r.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	id, err := r.caller.Subscribe(callCtx, h, s.pattern.String(), s.field)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.inflight == h.Channel {
		s.inflight = nil
	}
	if err != nil && !rejected(err) && !unanswered(ctx, h, err) {
		return err
	}

	current := r.live && r.handle.Channel == h.Channel
	if s.removed || !current {
		if err == nil && current {
			delete(r.parked, id)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.cancelRemote(h, s, id)
			}()
		}
		return nil
	}

	if err != nil {
		s.err = err
		r.setStatusLocked(s, StatusStale, err)
		s.enqueue(delivery{err: err})
		r.logger.Warn("subscription not registered", "pattern", s.pattern, "error", err)
		return nil
	}

	s.serverID, s.gen, s.ch, s.err = id, h.Generation, h.Channel, nil
	r.byServerID[id] = s
	r.setStatusLocked(s, StatusActive, nil)
	for _, dp := range r.parked[id] {
		if s.pattern.Match(dp.Path) {
			s.enqueue(delivery{dp: dp})
		}
	}
	delete(r.parked, id)
	return nil
}

// registerAsyncLocked registers s in the background. A failure other than
// a rejection on a channel that is still alive marks s stale.
func (r *Registry) registerAsyncLocked(s *Subscription, h connection.Handle) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.register(r.ctx, s, h)
		if err == nil || r.ctx.Err() != nil || h.Channel.Err() != nil {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if s.removed || s.status != StatusPending || !r.live || r.handle.Channel != h.Channel {
			return
		}
		s.err = err
		r.setStatusLocked(s, StatusStale, err)
		s.enqueue(delivery{err: err})
	}()
}

func (r *Registry) parkLocked(n *wire.Notification) {
	awaiting := false
	for _, s := range r.order {
		if s.inflight != nil && s.inflight == r.handle.Channel {
			awaiting = true
			break
		}
	}
	if !awaiting {
		r.logger.Debug("dropping notification for unknown subscription", "subscription", n.SubscriptionID)
		return
	}

	queued, ok := r.parked[n.SubscriptionID]
	if !ok && len(r.parked) >= maxParkedIDs {
		return
	}
	room := maxParkedUpdates - len(queued)
	if room <= 0 {
		return
	}
	r.parked[n.SubscriptionID] = append(queued, n.Updates[:min(room, len(n.Updates))]...)
}

func (r *Registry) cancelRemote(h connection.Handle, s *Subscription, id uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.caller.Unsubscribe(ctx, h, id); err != nil {
		r.logger.Warn("server-side unsubscribe failed",
			"subscription", s.id, "pattern", s.pattern, "error", err)
	}
}

func (r *Registry) setStatusLocked(s *Subscription, next Status, reason error) {
	old := s.status
	if old == next {
		return
	}
	s.status = next
	r.logState(s, old.String(), next, reason)
}

func (r *Registry) logState(s *Subscription, old string, next Status, reason error) {
	ev := &log.StateChangeEvent{
		Entity:         log.StateEntitySubscription,
		OldState:       old,
		NewState:       next.String(),
		SubscriptionID: s.id,
	}
	if reason != nil {
		ev.Reason = reason.Error()
		if errors.Is(reason, errUnsubscribed) {
			ev.NewState = "REMOVED"
		}
	}
	r.plog.Log(log.Event{
		Timestamp:   time.Now(),
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		Generation:  s.gen,
		StateChange: ev,
	})
}

func rejected(err error) bool {
	var se *interaction.StatusError
	return errors.As(err, &se) || errors.Is(err, interaction.ErrUnexpectedReply)
}

// unanswered reports whether err is a timeout of a single registration on
// a channel that is still usable.
func unanswered(ctx context.Context, h connection.Handle, err error) bool {
	return errors.Is(err, interaction.ErrTimeout) && ctx.Err() == nil && h.Channel.Err() == nil
}
