package subscription

import (
	"sync"
	"sync/atomic"

	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Sink is the delivery target of a subscription. Both methods are called
// from the subscription's delivery goroutine, one at a time and in order.
type Sink interface {
	// Deliver receives one update.
	Deliver(dp wire.Datapoint)

	// Stale reports that the broker rejected the subscription or did not
	// acknowledge it in time. The registry retries it on the next
	// reconnect or on Retry.
	Stale(err error)
}

// DisconnectSink is implemented by sinks that want to hear about a lost
// channel. Disconnected is called, in order with updates, for every
// active subscription of that channel; the subscription is pending until
// it is restored.
type DisconnectSink interface {
	Disconnected(err error)
}

// SinkFunc adapts a function to a Sink that ignores Stale.
type SinkFunc func(dp wire.Datapoint)

func (f SinkFunc) Deliver(dp wire.Datapoint) { f(dp) }
func (f SinkFunc) Stale(error)                {}

// Funcs adapts functions to a Sink. Nil fields are skipped.
type Funcs struct {
	OnValue      func(dp wire.Datapoint)
	OnStale      func(err error)
	OnDisconnect func(err error)
}

func (f Funcs) Deliver(dp wire.Datapoint) {
	if f.OnValue != nil {
		f.OnValue(dp)
	}
}

func (f Funcs) Stale(err error) {
	if f.OnStale != nil {
		f.OnStale(err)
	}
}

func (f Funcs) Disconnected(err error) {
	if f.OnDisconnect != nil {
		f.OnDisconnect(err)
	}
}

// DefaultChanSinkSize is the buffer used by NewChanSink for sizes <= 0.
const DefaultChanSinkSize = 64

// ChanSink queues updates on a buffered channel. Updates that do not fit
// are dropped and counted.
type ChanSink struct {
	values  chan wire.Datapoint
	errs    chan error
	dropped atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

// NewChanSink creates a channel sink holding up to size updates.
func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = DefaultChanSinkSize
	}
	return &ChanSink{
		values: make(chan wire.Datapoint, size),
		errs:   make(chan error, 1),
	}
}

// C returns the update channel. It is never closed.
func (s *ChanSink) C() <-chan wire.Datapoint { return s.values }

// Errors returns a channel signalling stale and disconnect errors. Only
// the latest unread error is kept.
func (s *ChanSink) Errors() <-chan error { return s.errs }

// Dropped returns the number of updates discarded because the buffer was
// full.
func (s *ChanSink) Dropped() uint64 { return s.dropped.Load() }

// Err returns the most recent stale or disconnect error.
func (s *ChanSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *ChanSink) Deliver(dp wire.Datapoint) {
	select {
	case s.values <- dp:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChanSink) Stale(err error) { s.signal(err) }

func (s *ChanSink) Disconnected(err error) { s.signal(err) }

func (s *ChanSink) signal(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	select {
	case <-s.errs:
	default:
	}
	select {
	case s.errs <- err:
	default:
	}
}

var (
	_ Sink = SinkFunc(nil)
	_ Sink = Funcs{}
	_ Sink = (*ChanSink)(nil)

	_ DisconnectSink = Funcs{}
	_ DisconnectSink = (*ChanSink)(nil)
)
