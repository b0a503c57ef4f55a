package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vehiclesignals/vss-go/pkg/log"
)

const transportWebSocket = "websocket"

// WebSocketOptions configures WebSocket channels.
type WebSocketOptions struct {
	// PingInterval is the interval between WebSocket pings (default: 30s).
	// The peer is considered dead if nothing arrives for 3 intervals.
	PingInterval time.Duration

	// WriteTimeout bounds a single message write (default: 10s).
	WriteTimeout time.Duration

	// RecvBuffer is the inbound queue length (default: 64).
	RecvBuffer int

	Logger log.Logger
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RecvBuffer <= 0 {
		o.RecvBuffer = DefaultRecvBuffer
	}
	return o
}

// WebSocketChannel carries one frame per binary WebSocket message.
type WebSocketChannel struct {
	id     string
	conn   *websocket.Conn
	opts   WebSocketOptions
	logger log.Logger
	inbox  chan []byte

	writeMu sync.Mutex
	death   deathState
}

func newWebSocketChannel(conn *websocket.Conn, opts WebSocketOptions) *WebSocketChannel {
	opts = opts.withDefaults()
	c := &WebSocketChannel{
		id:     uuid.New().String(),
		conn:   conn,
		opts:   opts,
		logger: log.OrNoop(opts.Logger),
		inbox:  make(chan []byte, opts.RecvBuffer),
	}
	c.death.init()

	idle := 3 * opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	c.logger.Log(stateEvent(c.id, transportWebSocket, "", "OPEN", nil))
	go c.readLoop()
	go c.heartbeatLoop()
	return c
}

// DialWebSocket opens a WebSocket channel to a ws:// or wss:// endpoint.
// The endpoint token is sent as a bearer Authorization header. A 401 or 403
// reply to the upgrade is a fatal ConnectError.
func DialWebSocket(ctx context.Context, ep Endpoint, opts WebSocketOptions) (*WebSocketChannel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	scheme := "ws"
	if ep.Scheme().Secure() {
		scheme = "wss"
		tlsConf, err := ep.TLS().ClientConfig(ep.Host())
		if err != nil {
			return nil, &ConnectError{Endpoint: ep.String(), Err: err}
		}
		dialer.TLSClientConfig = tlsConf
	}

	header := http.Header{}
	if ep.Token() != "" {
		header.Set("Authorization", "Bearer "+ep.Token())
	}

	url := scheme + "://" + ep.Address() + ep.Path()
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		ce := &ConnectError{Endpoint: ep.String(), Err: err}
		if resp != nil {
			ce.Fatal = resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
			ce.Err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, ce
	}
	return newWebSocketChannel(conn, opts), nil
}

func (c *WebSocketChannel) ID() string { return c.id }

// Done is closed once the channel is dead.
func (c *WebSocketChannel) Done() <-chan struct{} { return c.death.Done() }

// Err returns the terminal error.
func (c *WebSocketChannel) Err() error { return c.death.Err() }

// Send writes data as one binary message.
func (c *WebSocketChannel) Send(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if c.death.dead() {
		return c.death.Err()
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err := c.conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return c.fail("write", err)
	}
	c.logger.Log(frameEvent(c.id, transportWebSocket, log.DirectionOut, data, 0))
	return nil
}

// Recv returns the next binary message.
func (c *WebSocketChannel) Recv() ([]byte, error) {
	return recvFrom(c.inbox, &c.death)
}

// Close sends a normal-closure frame and closes the connection.
func (c *WebSocketChannel) Close() error {
	if c.death.dead() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.fail("close", ErrChannelClosed)
	return nil
}

func (c *WebSocketChannel) fail(op string, err error) error {
	return c.death.die(op, err, func() {
		c.conn.Close()
		c.logger.Log(stateEvent(c.id, transportWebSocket, "OPEN", "DEAD", err))
	})
}

func (c *WebSocketChannel) readLoop() {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrPeerClosed
			}
			c.fail("read", err)
			return
		}
		if typ != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		c.logger.Log(frameEvent(c.id, transportWebSocket, log.DirectionIn, data, 0))

		select {
		case c.inbox <- data:
		case <-c.death.Done():
			return
		}
	}
}

func (c *WebSocketChannel) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.death.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.fail("write", err)
				return
			}
		}
	}
}

// WebSocketServer accepts broker sessions over WebSocket.
type WebSocketServer struct {
	// Handler is called with every accepted channel. The HTTP handler
	// returns once the channel is dead.
	Handler func(Channel)

	// Authenticate validates the bearer token (optional). Returning false
	// rejects the upgrade with 401.
	Authenticate func(token string) bool

	Options WebSocketOptions
}

// ServeHTTP upgrades the request and hands the channel to Handler.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Authenticate != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.Authenticate(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := newWebSocketChannel(conn, s.Options)
	s.Handler(ch)
	<-ch.Done()
}

var _ Channel = (*WebSocketChannel)(nil)
