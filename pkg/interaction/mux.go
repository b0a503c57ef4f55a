package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// DefaultCallTimeout bounds calls whose context has no deadline.
const DefaultCallTimeout = 10 * time.Second

// Multiplexer errors.
var (
	// ErrTimeout is returned when a call is not answered in time. It wraps
	// context.DeadlineExceeded.
	ErrTimeout = errors.New("request timed out")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = connection.ErrClosed

	// ErrUnexpectedReply indicates a success response the call cannot use.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// StatusError is a failure reported by the broker.
type StatusError struct {
	Status  wire.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker: %s: %s", e.Status, e.Message)
	}
	return "broker: " + e.Status.String()
}

// StatusOf returns the broker status carried by err.
func StatusOf(err error) (wire.Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return wire.StatusSuccess, false
}

// WrapTimeout marks a deadline error as ErrTimeout. Other errors are
// returned unchanged.
func WrapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// MuxConfig configures a Mux.
type MuxConfig struct {
	// CallTimeout applies to calls without a context deadline
	// (default: 10s).
	CallTimeout time.Duration

	// Logger for operational messages (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives decoded request and response events
	// (optional).
	ProtocolLogger log.Logger
}

type result struct {
	resp *wire.Response
	err  error
}

type pendingCall struct {
	op      wire.Operation
	gen     uint64
	started time.Time
	done    chan result
}

// Mux correlates requests and responses over the session channel.
// Every call gets a fresh message id and owns one pending entry until it
// returns; the entry records the generation it was sent on.
type Mux struct {
	timeout time.Duration
	logger  *slog.Logger
	plog    log.Logger

	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingCall
	closed  bool
}

// NewMux creates a multiplexer.
func NewMux(cfg MuxConfig) *Mux {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		timeout: cfg.CallTimeout,
		logger:  logger.With("component", "mux"),
		plog:    log.OrNoop(cfg.ProtocolLogger),
		pending: make(map[uint32]*pendingCall),
	}
}

// Bound applies the default call timeout to ctx if it has no deadline.
func (m *Mux) Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Pending returns the number of outstanding calls.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Call sends one request on h and waits for its response. A response with
// an error status is returned together with a *StatusError. A dead channel
// fails the call with its *transport.TransportError.
func (m *Mux) Call(ctx context.Context, h connection.Handle, op wire.Operation, payload any) (*wire.Response, error) {
	if h.Channel == nil {
		return nil, connection.ErrNotConnected
	}
	ctx, cancel := m.Bound(ctx)
	defer cancel()

	id, pc, err := m.register(op, h.Generation)
	if err != nil {
		return nil, err
	}
	defer m.remove(id)

	req, err := wire.NewRequest(id, op, payload)
	if err != nil {
		return nil, err
	}
	data, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := h.Channel.Send(data); err != nil {
		return nil, err
	}
	m.logRequest(h, data)

	select {
	case r := <-pc.done:
		if r.err != nil {
			return nil, r.err
		}
		if !r.resp.IsSuccess() {
			return r.resp, &StatusError{Status: r.resp.Status, Message: r.resp.ErrorMessage()}
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, WrapTimeout(ctx.Err())
	}
}

func (m *Mux) register(op wire.Operation, gen uint64) (uint32, *pendingCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, ErrClientClosed
	}

	var id uint32
	for {
		id = m.nextID.Add(1)
		if id == 0 {
			continue
		}
		if _, used := m.pending[id]; !used {
			break
		}
	}
	pc := &pendingCall{op: op, gen: gen, started: time.Now(), done: make(chan result, 1)}
	m.pending[id] = pc
	return id, pc, nil
}

func (m *Mux) remove(id uint32) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// HandleResponse resolves the call waiting for resp. Responses with an
// unknown id or from another generation are dropped; the return value
// reports whether a call was resolved.
func (m *Mux) HandleResponse(gen uint64, resp *wire.Response) bool {
	m.mu.Lock()
	pc, ok := m.pending[resp.MessageID]
	if !ok || pc.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("dropping unmatched response", "id", resp.MessageID, "generation", gen)
		return false
	}
	delete(m.pending, resp.MessageID)
	m.mu.Unlock()

	latency := time.Since(pc.started)
	m.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		Generation: gen,
		Message: &log.MessageEvent{
			Type:      wire.MessageTypeResponse,
			MessageID: resp.MessageID,
			Operation: &pc.op,
			Status:    &resp.Status,
			Latency:   &latency,
		},
	})

	pc.done <- result{resp: resp}
	return true
}

// FailGeneration resolves every call sent on generation gen with err.
func (m *Mux) FailGeneration(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pc := range m.pending {
		if pc.gen == gen {
			delete(m.pending, id)
			pc.done <- result{err: err}
		}
	}
}

// Close fails all outstanding calls with ErrClientClosed. Later calls fail
// immediately. It is idempotent.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, pc := range m.pending {
		delete(m.pending, id)
		pc.done <- result{err: ErrClientClosed}
	}
}

func (m *Mux) logRequest(h connection.Handle, data []byte) {
	msg := log.DescribeMessage(data)
	if msg == nil {
		return
	}
	m.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.Channel.ID(),
		Direction:    log.DirectionOut,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		Generation:   h.Generation,
		Message:      msg,
	})
}
