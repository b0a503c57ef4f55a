package transport

import (
	"slices"

	"github.com/google/uuid"
)

// PipeChannel is one end of an in-memory channel pair.
type PipeChannel struct {
	id    string
	in    chan []byte
	peer  *PipeChannel
	death deathState
}

// Pipe returns two connected in-memory channels. Frames sent on one are
// received on the other. Closing or breaking either end kills both, the
// way a socket would.
func Pipe() (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{id: uuid.New().String(), in: make(chan []byte, DefaultRecvBuffer)}
	b := &PipeChannel{id: uuid.New().String(), in: make(chan []byte, DefaultRecvBuffer)}
	a.death.init()
	b.death.init()
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeChannel) ID() string { return p.id }
func (p *PipeChannel) Done() <-chan struct{} { return p.death.Done() }
func (p *PipeChannel) Err() error { return p.death.Err() }

// Send delivers a copy of data to the peer.
func (p *PipeChannel) Send(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if p.death.dead() {
		return p.death.Err()
	}
	select {
	case p.peer.in <- slices.Clone(data):
		return nil
	case <-p.death.Done():
		return p.death.Err()
	}
}

// Recv returns the next frame sent by the peer.
func (p *PipeChannel) Recv() ([]byte, error) {
	return recvFrom(p.in, &p.death)
}

// Close kills both ends. The peer observes ErrPeerClosed.
func (p *PipeChannel) Close() error {
	p.death.die("close", ErrChannelClosed, nil)
	p.peer.death.die("read", ErrPeerClosed, nil)
	return nil
}

// Break simulates a transport failure: both ends die with err.
func (p *PipeChannel) Break(err error) {
	p.death.die("read", err, nil)
	p.peer.death.die("read", err, nil)
}

var _ Channel = (*PipeChannel)(nil)
