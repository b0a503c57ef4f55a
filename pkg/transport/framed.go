package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

const transportFramed = "framed"

// DefaultRecvBuffer is the number of inbound frames queued per channel.
const DefaultRecvBuffer = 64

// FramedOptions configures a length-prefixed channel over a net.Conn.
type FramedOptions struct {
	// ID names the channel in logs. Empty generates a UUID.
	ID string

	// MaxMessageSize is the maximum frame size (default: 64KB).
	MaxMessageSize uint32

	KeepAlive KeepAliveConfig

	// WriteTimeout bounds a single frame write (0 = no timeout).
	WriteTimeout time.Duration

	// RecvBuffer is the inbound queue length (default: 64).
	RecvBuffer int

	// Logger receives frame and control events (optional).
	Logger log.Logger
}

// FramedChannel carries CBOR frames over a stream socket, with a 4-byte
// length prefix per frame. Ping, pong and close control frames are
// answered internally.
type FramedChannel struct {
	id     string
	conn   net.Conn
	framer *Framer
	opts   FramedOptions
	logger log.Logger

	keepAlive *KeepAlive
	inbox     chan []byte

	writeMu sync.Mutex
	death   deathState
}

// NewFramedChannel wraps conn and starts its read loop and keep-alive.
// The channel owns conn from now on.
func NewFramedChannel(conn net.Conn, opts FramedOptions) *FramedChannel {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.RecvBuffer <= 0 {
		opts.RecvBuffer = DefaultRecvBuffer
	}

	c := &FramedChannel{
		id:     opts.ID,
		conn:   conn,
		framer: NewFramer(conn, opts.MaxMessageSize),
		opts:   opts,
		logger: log.OrNoop(opts.Logger),
		inbox:  make(chan []byte, opts.RecvBuffer),
	}
	c.death.init()
	if opts.Logger != nil {
		c.framer.SetLogger(opts.Logger, c.id)
	}

	if !opts.KeepAlive.Disabled {
		c.keepAlive = NewKeepAlive(opts.KeepAlive,
			func(seq uint32) error {
				return c.sendControl(wire.ControlPing, seq)
			},
			func() {
				c.fail("keepalive", ErrKeepAliveTimeout)
			},
		)
		c.keepAlive.Start()
	}

	c.logger.Log(stateEvent(c.id, transportFramed, "", "OPEN", nil))
	go c.readLoop()
	return c
}

// ID returns the channel identifier.
func (c *FramedChannel) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *FramedChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// TLSState returns the TLS state for TLS channels.
func (c *FramedChannel) TLSState() (tls.ConnectionState, bool) {
	if tc, ok := c.conn.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Done is closed once the channel is dead.
func (c *FramedChannel) Done() <-chan struct{} { return c.death.Done() }

// Err returns the terminal error.
func (c *FramedChannel) Err() error { return c.death.Err() }

// Send writes one frame.
func (c *FramedChannel) Send(data []byte) error {
	if c.death.dead() {
		return c.death.Err()
	}

	c.writeMu.Lock()
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	err := c.framer.WriteFrame(data)
	c.writeMu.Unlock()

	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrMessageEmpty) {
			// Rejected before touching the socket; the channel stays usable.
			return err
		}
		return c.fail("write", err)
	}
	return nil
}

// Recv returns the next non-control frame.
func (c *FramedChannel) Recv() ([]byte, error) {
	return recvFrom(c.inbox, &c.death)
}

// Close sends a close control frame and releases the socket.
func (c *FramedChannel) Close() error {
	if c.death.dead() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if data, err := wire.EncodeControlMessage(&wire.ControlMessage{Type: wire.ControlClose}); err == nil {
		_ = c.framer.WriteFrame(data)
	}
	c.writeMu.Unlock()
	c.fail("close", ErrChannelClosed)
	return nil
}

// KeepAliveStats returns keep-alive statistics, if enabled.
func (c *FramedChannel) KeepAliveStats() (KeepAliveStats, bool) {
	if c.keepAlive == nil {
		return KeepAliveStats{}, false
	}
	return c.keepAlive.Stats(), true
}

func (c *FramedChannel) fail(op string, err error) error {
	return c.death.die(op, err, func() {
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		c.conn.Close()
		c.logger.Log(stateEvent(c.id, transportFramed, "OPEN", "DEAD", err))
	})
}

func (c *FramedChannel) sendControl(typ wire.ControlMessageType, seq uint32) error {
	data, err := wire.EncodeControlMessage(&wire.ControlMessage{Type: typ, Sequence: seq})
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    log.DirectionOut,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		Transport:    transportFramed,
		ControlMsg:   &log.ControlMsgEvent{Type: typ, Sequence: seq},
	})
	return c.Send(data)
}

func (c *FramedChannel) readLoop() {
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			if err == io.EOF {
				err = ErrPeerClosed
			}
			c.fail("read", err)
			return
		}

		if mt, err := wire.PeekMessageType(data); err == nil && mt == wire.MessageTypeControl {
			if !c.handleControl(data) {
				return
			}
			continue
		}

		select {
		case c.inbox <- data:
		case <-c.death.Done():
			return
		}
	}
}

// handleControl processes a control frame. It returns false once the
// channel is dead.
func (c *FramedChannel) handleControl(data []byte) bool {
	msg, err := wire.DecodeControlMessage(data)
	if err != nil {
		return true
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    log.DirectionIn,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		Transport:    transportFramed,
		ControlMsg:   &log.ControlMsgEvent{Type: msg.Type, Sequence: msg.Sequence},
	})

	switch msg.Type {
	case wire.ControlPing:
		_ = c.sendControl(wire.ControlPong, msg.Sequence)
	case wire.ControlPong:
		if c.keepAlive != nil {
			c.keepAlive.PongReceived(msg.Sequence)
		}
	case wire.ControlClose:
		c.fail("read", ErrPeerClosed)
		return false
	}
	return true
}

var _ Channel = (*FramedChannel)(nil)
