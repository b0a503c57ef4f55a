package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo returns a handler that sends every received frame back.
func echo() func(Channel) {
	return func(ch Channel) {
		go func() {
			for data, err := range Stream(ch) {
				if err != nil {
					return
				}
				if ch.Send(data) != nil {
					return
				}
			}
		}()
	}
}

func wsEndpoint(t *testing.T, srv *httptest.Server) Endpoint {
	t.Helper()
	ep, err := ParseEndpoint("ws" + strings.TrimPrefix(srv.URL, "http") + "/vss")
	require.NoError(t, err)
	return ep
}

func TestWebSocketChannel(t *testing.T) {
	srv := httptest.NewServer(&WebSocketServer{Handler: echo()})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialWebSocket(ctx, wsEndpoint(t, srv), WebSocketOptions{})
	require.NoError(t, err)
	defer ch.Close()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, ch.Send([]byte(msg)))
		got, err := ch.Recv()
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send([]byte("late")), ErrChannelClosed)
}

func TestWebSocketAuth(t *testing.T) {
	srv := httptest.NewServer(&WebSocketServer{
		Handler:      echo(),
		Authenticate: func(token string) bool { return token == "good" },
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep := wsEndpoint(t, srv)

	t.Run("rejected token is fatal", func(t *testing.T) {
		_, err := DialWebSocket(ctx, ep.WithToken("bad"), WebSocketOptions{})
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("accepted token", func(t *testing.T) {
		ch, err := DialWebSocket(ctx, ep.WithToken("good"), WebSocketOptions{})
		require.NoError(t, err)
		ch.Close()
	})
}

func TestWebSocketServerSideClose(t *testing.T) {
	accepted := make(chan Channel, 1)
	srv := httptest.NewServer(&WebSocketServer{Handler: func(ch Channel) { accepted <- ch }})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialWebSocket(ctx, wsEndpoint(t, srv), WebSocketOptions{})
	require.NoError(t, err)
	defer ch.Close()

	(<-accepted).Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe close")
	}
	assert.ErrorIs(t, ch.Err(), ErrPeerClosed)
}

func TestWebSocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DialWebSocket(ctx, MustParseEndpoint("ws://127.0.0.1:1"), WebSocketOptions{})
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Fatal)
}
