package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vehiclesignals/vss-go/pkg/log"
)

const transportGRPC = "grpc"

// gRPC service naming for the session stream.
const (
	GRPCServiceName = "vss.broker.v1.Broker"
	GRPCSessionName = "Session"
	GRPCSessionPath = "/" + GRPCServiceName + "/" + GRPCSessionName
)

// rawCodec passes frames through gRPC untouched. Frames are already CBOR.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "vss-frame" }

var sessionStreamDesc = grpc.StreamDesc{
	StreamName:    GRPCSessionName,
	ServerStreams: true,
	ClientStreams: true,
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream a
// channel needs.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// GRPCOptions configures gRPC channels.
type GRPCOptions struct {
	// DialOptions are appended to the client connection options.
	DialOptions []grpc.DialOption

	RecvBuffer int
	Logger     log.Logger
}

// GRPCChannel carries frames as messages of a bidirectional gRPC stream.
type GRPCChannel struct {
	id     string
	stream msgStream
	logger log.Logger
	inbox  chan []byte

	// release tears down the stream and, on the client, the connection.
	release func()

	writeMu sync.Mutex
	death   deathState
}

func newGRPCChannel(stream msgStream, opts GRPCOptions, release func()) *GRPCChannel {
	if opts.RecvBuffer <= 0 {
		opts.RecvBuffer = DefaultRecvBuffer
	}
	c := &GRPCChannel{
		id:      uuid.New().String(),
		stream:  stream,
		logger:  log.OrNoop(opts.Logger),
		inbox:   make(chan []byte, opts.RecvBuffer),
		release: release,
	}
	c.death.init()
	c.logger.Log(stateEvent(c.id, transportGRPC, "", "OPEN", nil))
	go c.readLoop()
	return c
}

// DialGRPC opens the session stream on a grpc:// or grpcs:// endpoint.
// The token is sent as "authorization: Bearer <token>" metadata. The call
// waits for the broker's response headers so that credential rejections
// surface here as fatal ConnectErrors.
func DialGRPC(ctx context.Context, ep Endpoint, opts GRPCOptions) (*GRPCChannel, error) {
	creds := insecure.NewCredentials()
	if ep.Scheme().Secure() {
		tlsConf, err := ep.TLS().ClientConfig(ep.Host())
		if err != nil {
			return nil, &ConnectError{Endpoint: ep.String(), Err: err}
		}
		creds = credentials.NewTLS(tlsConf)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(ep.Address(), dialOpts...)
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.String(), Err: err}
	}

	// The stream outlives the dial context; it ends on Close.
	streamCtx, cancel := context.WithCancel(context.Background())
	if ep.Token() != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+ep.Token())
	}
	stop := context.AfterFunc(ctx, cancel)

	fail := func(err error) (*GRPCChannel, error) {
		cancel()
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &ConnectError{Endpoint: ep.String(), Fatal: isFatalStatus(err), Err: err}
	}

	stream, err := conn.NewStream(streamCtx, &sessionStreamDesc, GRPCSessionPath)
	if err != nil {
		stop()
		return fail(err)
	}

	md, err := stream.Header()
	if err == nil && md == nil {
		// Stream ended without headers; the status carries the reason.
		var discard []byte
		err = stream.RecvMsg(&discard)
		if err == nil || errors.Is(err, io.EOF) {
			err = errors.New("session stream ended during setup")
		}
	}
	if !stop() || err != nil {
		if err == nil {
			err = ctx.Err()
		}
		return fail(err)
	}

	return newGRPCChannel(stream, opts, func() {
		cancel()
		conn.Close()
	}), nil
}

func isFatalStatus(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

func (c *GRPCChannel) ID() string { return c.id }

// Done is closed once the channel is dead.
func (c *GRPCChannel) Done() <-chan struct{} { return c.death.Done() }

// Err returns the terminal error.
func (c *GRPCChannel) Err() error { return c.death.Err() }

// Send writes data as one stream message.
func (c *GRPCChannel) Send(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if c.death.dead() {
		return c.death.Err()
	}

	c.writeMu.Lock()
	err := c.stream.SendMsg(&data)
	c.writeMu.Unlock()
	if err != nil {
		return c.fail("write", err)
	}
	c.logger.Log(frameEvent(c.id, transportGRPC, log.DirectionOut, data, 0))
	return nil
}

// Recv returns the next stream message.
func (c *GRPCChannel) Recv() ([]byte, error) {
	return recvFrom(c.inbox, &c.death)
}

// Close ends the stream.
func (c *GRPCChannel) Close() error {
	c.fail("close", ErrChannelClosed)
	return nil
}

func (c *GRPCChannel) fail(op string, err error) error {
	return c.death.die(op, err, func() {
		c.release()
		c.logger.Log(stateEvent(c.id, transportGRPC, "OPEN", "DEAD", err))
	})
}

func (c *GRPCChannel) readLoop() {
	for {
		var data []byte
		if err := c.stream.RecvMsg(&data); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrPeerClosed
			}
			c.fail("read", err)
			return
		}
		if len(data) == 0 {
			continue
		}
		c.logger.Log(frameEvent(c.id, transportGRPC, log.DirectionIn, data, 0))

		select {
		case c.inbox <- data:
		case <-c.death.Done():
			return
		}
	}
}

// GRPCServerOptions returns the server options required by RegisterGRPC.
func GRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(rawCodec{})}
}

// GRPCSessionHandler receives session streams accepted by a gRPC server.
type GRPCSessionHandler struct {
	// Handler is called with every accepted channel.
	Handler func(Channel)

	// Authenticate validates the bearer token (optional).
	Authenticate func(token string) bool

	Options GRPCOptions
}

// sessionService is the HandlerType of the session service.
type sessionService interface {
	session(grpc.ServerStream) error
}

func (h *GRPCSessionHandler) session(stream grpc.ServerStream) error {
	if h.Authenticate != nil {
		token := ""
		if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				token = strings.TrimPrefix(v[0], "Bearer ")
			}
		}
		if !h.Authenticate(token) {
			return status.Error(codes.Unauthenticated, "invalid token")
		}
	}

	// Headers release the client's DialGRPC.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	done := make(chan struct{})
	ch := newGRPCChannel(stream, h.Options, func() { close(done) })
	h.Handler(ch)

	select {
	case <-done:
	case <-stream.Context().Done():
		ch.fail("read", stream.Context().Err())
	}
	return nil
}

// RegisterGRPC registers the session service on s. The server must be
// created with GRPCServerOptions.
func RegisterGRPC(s *grpc.Server, h *GRPCSessionHandler) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: GRPCServiceName,
		HandlerType: (*sessionService)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    GRPCSessionName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(sessionService).session(stream)
			},
		}},
	}, h)
}

var _ Channel = (*GRPCChannel)(nil)
