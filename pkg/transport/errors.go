package transport

import (
	"errors"
	"fmt"
)

// Channel errors.
var (
	// ErrChannelClosed is the terminal error of a channel closed locally.
	ErrChannelClosed = errors.New("channel closed")

	// ErrPeerClosed indicates the broker closed the channel gracefully.
	ErrPeerClosed = errors.New("closed by peer")

	// ErrKeepAliveTimeout indicates the peer stopped answering pings.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrStreamConsumed is yielded when a Stream is ranged over twice.
	ErrStreamConsumed = errors.New("stream already consumed")

	// ErrUnsupportedScheme indicates an endpoint scheme without a dialer.
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
)

// TransportError reports a failure of the underlying socket or stream.
// A channel that returned a TransportError is dead.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectError reports a failed attempt to establish a channel.
// Fatal is set when the broker rejected the credentials; such attempts must
// not be retried.
type ConnectError struct {
	Endpoint string
	Fatal    bool
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("connect %s: rejected: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsFatal reports whether err contains a fatal ConnectError.
func IsFatal(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Fatal
}

// IsTransport reports whether err contains a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
