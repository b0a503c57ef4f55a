package transport

import (
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vehiclesignals/vss-go/pkg/log"
)

// Channel is one logical connection to the broker carrying whole frames.
// Control traffic (keepalive, graceful close) is handled by the
// implementation and never returned from Recv.
//
// Send may be called concurrently. Recv must be called from one goroutine.
// After the first failure every method returns the same *TransportError.
type Channel interface {
	// ID identifies the channel in logs.
	ID() string

	// Send writes one frame.
	Send(data []byte) error

	// Recv blocks for the next frame.
	Recv() ([]byte, error)

	// Close releases the underlying resource. It is idempotent.
	Close() error

	// Done is closed once the channel is dead.
	Done() <-chan struct{}

	// Err returns the terminal error, or nil while the channel is alive.
	Err() error
}

// Stream returns the inbound frames of ch as a lazy, infinite sequence.
// The sequence ends after yielding the channel's terminal error. It is not
// restartable: ranging over it again yields only ErrStreamConsumed.
func Stream(ch Channel) iter.Seq2[[]byte, error] {
	var used atomic.Bool
	return func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		for {
			data, err := ch.Recv()
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// deathState records the first failure of a channel.
type deathState struct {
	once sync.Once
	done chan struct{}
	err  atomic.Pointer[TransportError]
}

func (d *deathState) init() {
	d.done = make(chan struct{})
}

// die records err as terminal if the channel is still alive and runs
// release exactly once. It returns the terminal error.
func (d *deathState) die(op string, err error, release func()) error {
	d.once.Do(func() {
		d.err.Store(&TransportError{Op: op, Err: err})
		close(d.done)
		if release != nil {
			release()
		}
	})
	return d.err.Load()
}

func (d *deathState) Done() <-chan struct{} { return d.done }

func (d *deathState) Err() error {
	if te := d.err.Load(); te != nil {
		return te
	}
	return nil
}

func (d *deathState) dead() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// recvFrom implements Recv on top of an inbox filled by a read goroutine.
// Frames already queued are returned before the terminal error.
func recvFrom(inbox <-chan []byte, d *deathState) ([]byte, error) {
	select {
	case data := <-inbox:
		return data, nil
	default:
	}
	select {
	case data := <-inbox:
		return data, nil
	case <-d.done:
		select {
		case data := <-inbox:
			return data, nil
		default:
			return nil, d.Err()
		}
	}
}

// MaxLogFrameDataSize is the maximum frame data size included in logs (4 KB).
const MaxLogFrameDataSize = 4096

func frameEvent(id, transport string, dir log.Direction, data []byte, overhead int) log.Event {
	frameData := data
	truncated := false
	if len(data) > MaxLogFrameDataSize {
		frameData = data[:MaxLogFrameDataSize]
		truncated = true
	}
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: id,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Transport:    transport,
		Frame: &log.FrameEvent{
			Size:      len(data) + overhead,
			Data:      frameData,
			Truncated: truncated,
		},
	}
}

func stateEvent(id, transport, oldState, newState string, reason error) log.Event {
	ev := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		Transport:    transport,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			OldState: oldState,
			NewState: newState,
		},
	}
	if reason != nil {
		ev.StateChange.Reason = reason.Error()
	}
	return ev
}
