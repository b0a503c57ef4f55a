package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/vehiclesignals/vss-go/pkg/log"
)

// Dialer establishes channels to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Channel, error) {
	return f(ctx, ep)
}

// DialOptions configures the default dialer.
type DialOptions struct {
	// ConnectTimeout bounds one dial attempt, handshakes included
	// (default: 10s).
	ConnectTimeout time.Duration

	Framed    FramedOptions
	WebSocket WebSocketOptions
	GRPC      GRPCOptions

	// Logger is used by every channel whose options have none.
	Logger log.Logger
}

type dialer struct {
	opts DialOptions
}

// NewDialer returns a Dialer that picks the channel implementation from the
// endpoint scheme. Every failure is a *ConnectError.
func NewDialer(opts DialOptions) Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Framed.Logger == nil {
		opts.Framed.Logger = opts.Logger
	}
	if opts.WebSocket.Logger == nil {
		opts.WebSocket.Logger = opts.Logger
	}
	if opts.GRPC.Logger == nil {
		opts.GRPC.Logger = opts.Logger
	}
	return &dialer{opts: opts}
}

func (d *dialer) Dial(ctx context.Context, ep Endpoint) (Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	switch ep.Scheme() {
	case SchemeTCP, SchemeTLS:
		return d.dialFramed(ctx, ep)
	case SchemeWS, SchemeWSS:
		return DialWebSocket(ctx, ep, d.opts.WebSocket)
	case SchemeGRPC, SchemeGRPCS:
		return DialGRPC(ctx, ep, d.opts.GRPC)
	default:
		return nil, &ConnectError{Endpoint: ep.String(), Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, ep.Scheme())}
	}
}

func (d *dialer) dialFramed(ctx context.Context, ep Endpoint) (Channel, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.String(), Err: err}
	}

	if ep.Scheme().Secure() {
		tlsConf, err := ep.TLS().ClientConfig(ep.Host(), ALPNProtocol)
		if err != nil {
			conn.Close()
			return nil, &ConnectError{Endpoint: ep.String(), Err: err}
		}
		tlsConn := tls.Client(conn, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &ConnectError{Endpoint: ep.String(), Err: fmt.Errorf("TLS handshake: %w", err)}
		}
		if err := VerifyConnection(tlsConn.ConnectionState()); err != nil {
			tlsConn.Close()
			return nil, &ConnectError{Endpoint: ep.String(), Err: err}
		}
		conn = tlsConn
	}

	return NewFramedChannel(conn, d.opts.Framed), nil
}
