package mockbroker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/vehiclesignals/vss-go/pkg/interaction"
	"github.com/vehiclesignals/vss-go/pkg/subscription"
	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

type serverSub struct {
	id      uint32
	pattern subscription.Pattern
	field   wire.Field
}

// session serves one channel. It implements interaction.Backend; its
// methods run on the session goroutine.
type session struct {
	b      *Broker
	ch     transport.Channel
	logger *slog.Logger
	srv    *interaction.Server

	authorized bool

	// subs is guarded by b.mu.
	subs map[uint32]*serverSub

	// priming lists subscriptions whose current values are sent once the
	// subscribe response is out.
	priming []uint32
}

func newSession(b *Broker, ch transport.Channel) *session {
	s := &session{
		b:      b,
		ch:     ch,
		logger: b.logger.With("session", ch.ID()),
		subs:   make(map[uint32]*serverSub),
	}
	s.srv = interaction.NewServer(s)
	return s
}

func (s *session) run() {
	defer s.ch.Close()
	s.logger.Debug("session started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for data, err := range transport.Stream(s.ch) {
		if err != nil {
			s.logger.Debug("session ended", "error", err)
			return
		}
		mt, err := wire.PeekMessageType(data)
		if err != nil || mt != wire.MessageTypeRequest {
			s.logger.Debug("dropping frame", "type", mt, "error", err)
			continue
		}
		req, err := wire.DecodeRequest(data)
		if err != nil {
			s.logger.Debug("dropping malformed request", "error", err)
			continue
		}
		if s.b.isStalled(req.Operation) {
			s.logger.Debug("stalling request", "op", req.Operation, "id", req.MessageID)
			continue
		}

		resp := s.handle(ctx, req)
		if err := s.send(resp); err != nil {
			s.logger.Debug("send response failed", "error", err)
			return
		}
		s.flushPriming()
	}
}

func (s *session) handle(ctx context.Context, req *wire.Request) *wire.Response {
	if s.b.requiresAuth() && !s.authorized && req.Operation != wire.OpAuthorize {
		resp, _ := wire.NewResponse(req.MessageID, wire.StatusUnauthenticated, &wire.ErrorPayload{Message: "not authorized"})
		return resp
	}
	return s.srv.HandleRequest(ctx, req)
}

func (s *session) send(resp *wire.Response) error {
	data, err := wire.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return s.ch.Send(data)
}

func (s *session) notify(n *wire.Notification) {
	data, err := wire.EncodeNotification(n)
	if err != nil {
		s.logger.Warn("encode notification failed", "error", err)
		return
	}
	if err := s.ch.Send(data); err != nil {
		s.logger.Debug("send notification failed", "subscription", n.SubscriptionID, "error", err)
	}
}

// flushPriming sends the current values of newly created subscriptions.
func (s *session) flushPriming() {
	if len(s.priming) == 0 {
		return
	}
	ids := s.priming
	s.priming = nil

	s.b.pubMu.Lock()
	defer s.b.pubMu.Unlock()

	for _, id := range ids {
		s.b.mu.Lock()
		sub, ok := s.subs[id]
		var updates []wire.Datapoint
		if ok {
			for _, sig := range s.b.signals {
				dp := *sig.slot(sub.field)
				if !dp.Value.IsZero() && sub.pattern.Match(sig.Path) {
					updates = append(updates, dp)
				}
			}
		}
		s.b.mu.Unlock()

		if len(updates) > 0 {
			slices.SortFunc(updates, func(a, b wire.Datapoint) int {
				return cmp.Compare(a.Path, b.Path)
			})
			s.notify(&wire.Notification{SubscriptionID: id, Updates: updates})
		}
	}
}

type breaker interface {
	Break(err error)
}

func (s *session) sever(err error) {
	if br, ok := s.ch.(breaker); ok {
		br.Break(err)
		return
	}
	s.ch.Close()
}

// Authorize implements interaction.Backend.
func (s *session) Authorize(_ context.Context, token string) error {
	if !s.b.Authenticate(token) {
		s.logger.Info("rejected token")
		return statusError(wire.StatusUnauthenticated, "invalid token")
	}
	s.authorized = true
	return nil
}

// Get implements interaction.Backend.
func (s *session) Get(_ context.Context, paths []string, field wire.Field) ([]wire.Datapoint, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	values := make([]wire.Datapoint, 0, len(paths))
	for _, p := range paths {
		sig, ok := s.b.signals[p]
		if !ok {
			return nil, statusError(wire.StatusNotFound, "unknown signal %s", p)
		}
		if field == wire.FieldTarget && sig.Kind != KindActuator {
			return nil, statusError(wire.StatusInvalidArgument, "%s is not an actuator", p)
		}
		values = append(values, *sig.slot(field))
	}
	return values, nil
}

// Set implements interaction.Backend. Either all entries are applied or
// none.
func (s *session) Set(_ context.Context, entries []wire.Datapoint, field wire.Field) error {
	s.b.pubMu.Lock()
	defer s.b.pubMu.Unlock()

	s.b.mu.Lock()
	for _, e := range entries {
		sig, ok := s.b.signals[e.Path]
		switch {
		case !ok:
			s.b.mu.Unlock()
			return statusError(wire.StatusNotFound, "unknown signal %s", e.Path)
		case sig.Kind == KindAttribute:
			s.b.mu.Unlock()
			return statusError(wire.StatusReadOnly, "%s is an attribute", e.Path)
		case field == wire.FieldTarget && sig.Kind != KindActuator:
			s.b.mu.Unlock()
			return statusError(wire.StatusReadOnly, "%s is not an actuator", e.Path)
		case e.Value.Type() != sig.Type:
			s.b.mu.Unlock()
			return statusError(wire.StatusTypeMismatch, "%s is %s, got %s", e.Path, sig.Type, e.Value.Type())
		}
	}

	now := s.b.cfg.Now()
	var changed, actuated []wire.Datapoint
	for _, e := range entries {
		sig := s.b.signals[e.Path]
		dp := wire.Datapoint{Path: e.Path, Value: e.Value, Timestamp: now}
		*sig.slot(field) = dp
		changed = append(changed, dp)
		if field == wire.FieldTarget && s.b.cfg.Actuate {
			sig.current = dp
			actuated = append(actuated, dp)
		}
	}
	out := s.b.collectLocked(changed, field)
	if len(actuated) > 0 {
		out = append(out, s.b.collectLocked(actuated, wire.FieldCurrent)...)
	}
	s.b.mu.Unlock()

	s.b.deliver(out)
	return nil
}

// Subscribe implements interaction.Backend.
func (s *session) Subscribe(_ context.Context, pattern string, field wire.Field) (uint32, error) {
	p, err := subscription.ParsePattern(pattern)
	if err != nil {
		return 0, statusError(wire.StatusInvalidArgument, "%v", err)
	}

	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if status, ok := s.b.rejected[pattern]; ok {
		return 0, statusError(status, "subscription to %s rejected", pattern)
	}
	if len(s.subs) >= s.b.cfg.MaxSubscriptions {
		return 0, statusError(wire.StatusResourceExhausted, "at most %d subscriptions", s.b.cfg.MaxSubscriptions)
	}
	matched := false
	for path, sig := range s.b.signals {
		if p.Match(path) && (field != wire.FieldTarget || sig.Kind == KindActuator) {
			matched = true
			break
		}
	}
	if !matched {
		return 0, statusError(wire.StatusNotFound, "no signal matches %s", pattern)
	}

	id := s.b.nextSubID.Add(1)
	if id == 0 {
		id = s.b.nextSubID.Add(1)
	}
	s.subs[id] = &serverSub{id: id, pattern: p, field: field}
	s.priming = append(s.priming, id)
	s.logger.Debug("subscribed", "subscription", id, "pattern", pattern, "field", field)
	return id, nil
}

// Unsubscribe implements interaction.Backend.
func (s *session) Unsubscribe(_ context.Context, id uint32) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return statusError(wire.StatusNotFound, "unknown subscription %d", id)
	}
	delete(s.subs, id)
	s.logger.Debug("unsubscribed", "subscription", id)
	return nil
}

func statusError(status wire.Status, format string, args ...any) error {
	return &interaction.StatusError{Status: status, Message: fmt.Sprintf(format, args...)}
}

var _ interaction.Backend = (*session)(nil)
