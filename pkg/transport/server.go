package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vehiclesignals/vss-go/pkg/log"
)

// ServerConfig configures a framed broker listener.
type ServerConfig struct {
	// Address to listen on (e.g., ":55556" or "127.0.0.1:0").
	Address string

	// TLSConfig enables TLS when set. Use NewServerTLSConfig.
	TLSConfig *tls.Config

	// Framed configures accepted channels. ID is ignored.
	Framed FramedOptions

	// Logger for protocol logging (optional).
	Logger log.Logger

	// Handler is called with every accepted channel and owns it.
	Handler func(Channel)

	// OnError is called for accept and handshake failures (optional).
	OnError func(err error)
}

// Server accepts framed channels over TCP or TLS.
type Server struct {
	config   ServerConfig
	listener net.Listener

	channels   map[*FramedChannel]struct{}
	channelsMu sync.Mutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a framed server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultFramedPort)
	}
	if config.Framed.Logger == nil {
		config.Framed.Logger = config.Logger
	}
	return &Server{
		config:   config,
		channels: make(map[*FramedChannel]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("server already running")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.running.Swap(true) {
		return errors.New("server already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and all accepted channels.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.channelsMu.Lock()
	for ch := range s.channels {
		ch.Close()
	}
	s.channelsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of live channels.
func (s *Server) ConnectionCount() int {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	return len(s.channels)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.reportError(fmt.Errorf("accept: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if s.config.TLSConfig != nil {
		tlsConn := tls.Server(conn, s.config.TLSConfig)
		hsCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err == nil {
			err = VerifyConnection(tlsConn.ConnectionState())
		}
		if err != nil {
			conn.Close()
			s.reportError(fmt.Errorf("TLS handshake with %s: %w", conn.RemoteAddr(), err))
			return
		}
		conn = tlsConn
	}

	opts := s.config.Framed
	opts.ID = uuid.New().String()
	ch := NewFramedChannel(conn, opts)

	s.channelsMu.Lock()
	if !s.running.Load() {
		s.channelsMu.Unlock()
		ch.Close()
		return
	}
	s.channels[ch] = struct{}{}
	s.channelsMu.Unlock()

	s.config.Handler(ch)

	select {
	case <-ch.Done():
	case <-s.ctx.Done():
		ch.Close()
	}

	s.channelsMu.Lock()
	delete(s.channels, ch)
	s.channelsMu.Unlock()
}

func (s *Server) reportError(err error) {
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
}
