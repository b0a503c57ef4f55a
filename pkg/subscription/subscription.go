package subscription

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// maxQueuedUpdates bounds the updates waiting for a slow sink. When full,
// the oldest queued update is discarded. Errors are never discarded.
const maxQueuedUpdates = 1024

// Subscription is one client-side subscription. Its identity is unique
// for the lifetime of the registry; the broker-assigned id changes on
// every registration.
type Subscription struct {
	reg     *Registry
	id      uint64
	pattern Pattern
	field   wire.Field
	sink    Sink

	// Guarded by reg.mu. ch is the channel s is active on, inflight the
	// channel a registration is running on.
	status   Status
	err      error
	serverID uint32
	gen      uint64
	ch       transport.Channel
	inflight transport.Channel
	removed  bool

	qmu    sync.Mutex
	queue  []delivery
	values int
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	lastMu sync.Mutex
	last   map[string]wire.Datapoint

	delivered  atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
}

// delivery is an update, a stale error or a disconnect.
type delivery struct {
	dp   wire.Datapoint
	err  error
	lost bool
}

func (d delivery) isValue() bool { return d.err == nil && !d.lost }

// ID returns the client-side subscription id.
func (s *Subscription) ID() uint64 { return s.id }

// Pattern returns the subscribed path pattern.
func (s *Subscription) Pattern() Pattern { return s.pattern }

// Field returns the subscribed value slot.
func (s *Subscription) Field() wire.Field { return s.field }

// Status returns the current status.
func (s *Subscription) Status() Status {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.status
}

// Err returns the rejection or timeout that made the subscription stale,
// if any.
func (s *Subscription) Err() error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.err
}

// Last returns the last value delivered for path.
func (s *Subscription) Last(path string) (wire.Datapoint, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	dp, ok := s.last[path]
	return dp, ok
}

// Delivered returns the number of updates handed to the sink.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Suppressed returns the number of repeated observations that were not
// delivered.
func (s *Subscription) Suppressed() uint64 { return s.suppressed.Load() }

// Dropped returns the number of updates discarded because the sink fell
// too far behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) enqueue(d delivery) {
	s.qmu.Lock()
	if d.isValue() {
		if s.values >= maxQueuedUpdates {
			i := slices.IndexFunc(s.queue, delivery.isValue)
			s.queue = slices.Delete(s.queue, i, i+1)
			s.values--
			s.dropped.Add(1)
		}
		s.values++
	}
	s.queue = append(s.queue, d)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued items in order until stop.
func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}

		for {
			s.qmu.Lock()
			batch := s.queue
			s.queue, s.values = nil, 0
			s.qmu.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, d := range batch {
				select {
				case <-s.quit:
					return
				default:
				}
				s.dispatch(d)
			}
		}
	}
}

func (s *Subscription) dispatch(d delivery) {
	switch {
	case d.lost:
		if ds, ok := s.sink.(DisconnectSink); ok {
			ds.Disconnected(d.err)
		}
		return
	case d.err != nil:
		s.sink.Stale(d.err)
		return
	}

	s.lastMu.Lock()
	prev, seen := s.last[d.dp.Path]
	if seen && prev.SameObservation(d.dp) {
		s.lastMu.Unlock()
		s.suppressed.Add(1)
		return
	}
	s.last[d.dp.Path] = d.dp
	s.lastMu.Unlock()

	s.delivered.Add(1)
	s.sink.Deliver(d.dp)
}

// stop ends delivery and waits for an in-progress sink call to return.
func (s *Subscription) stop() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
