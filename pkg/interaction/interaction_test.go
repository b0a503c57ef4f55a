package interaction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// memBackend stores current values in a map. Subscribing to "Boom" fails
// with a plain error.
type memBackend struct {
	mu     sync.Mutex
	values map[string]wire.Value
	subs   uint32
	token  string
}

func newMemBackend() *memBackend {
	return &memBackend{values: make(map[string]wire.Value)}
}

func (b *memBackend) Authorize(_ context.Context, token string) error {
	if b.token != "" && token != b.token {
		return &StatusError{Status: wire.StatusUnauthenticated, Message: "bad token"}
	}
	return nil
}

func (b *memBackend) Get(_ context.Context, paths []string, _ wire.Field) ([]wire.Datapoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]wire.Datapoint, 0, len(paths))
	for _, p := range paths {
		v, ok := b.values[p]
		if !ok {
			return nil, &StatusError{Status: wire.StatusNotFound, Message: p}
		}
		out = append(out, wire.Datapoint{Path: p, Value: v, Timestamp: time.Unix(1700000000, 0).UTC()})
	}
	return out, nil
}

func (b *memBackend) Set(_ context.Context, entries []wire.Datapoint, _ wire.Field) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.values[e.Path] = e.Value
	}
	return nil
}

func (b *memBackend) Subscribe(_ context.Context, pattern string, _ wire.Field) (uint32, error) {
	if pattern == "Boom" {
		return 0, errors.New("boom")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs++
	return b.subs, nil
}

func (b *memBackend) Unsubscribe(_ context.Context, id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == 0 || id > b.subs {
		return &StatusError{Status: wire.StatusNotFound}
	}
	return nil
}

// harness connects a Mux to a Server over a pipe. The broker side answers
// every request in its own goroutine after a random delay, so responses
// arrive out of order.
type harness struct {
	mux    *Mux
	handle connection.Handle
	broker *transport.PipeChannel
}

func newHarness(t *testing.T, backend Backend) *harness {
	t.Helper()
	client, broker := transport.Pipe()
	h := &harness{
		mux:    NewMux(MuxConfig{}),
		handle: connection.Handle{Channel: client, Generation: 1},
		broker: broker,
	}
	t.Cleanup(func() {
		h.mux.Close()
		_ = client.Close()
	})

	srv := NewServer(backend)
	go func() {
		for data, err := range transport.Stream(broker) {
			if err != nil {
				return
			}
			req, err := wire.DecodeRequest(data)
			if err != nil {
				continue
			}
			go func() {
				time.Sleep(time.Duration(rand.IntN(2000)) * time.Microsecond)
				out, err := wire.EncodeResponse(srv.HandleRequest(context.Background(), req))
				if err == nil {
					_ = broker.Send(out)
				}
			}()
		}
	}()

	go h.readResponses(client, 1)
	return h
}

func (h *harness) readResponses(ch transport.Channel, gen uint64) {
	for data, err := range transport.Stream(ch) {
		if err != nil {
			h.mux.FailGeneration(gen, err)
			return
		}
		if resp, err := wire.DecodeResponse(data); err == nil {
			h.mux.HandleResponse(gen, resp)
		}
	}
}

// silentPeer returns a handle whose peer records requests and never answers.
func silentPeer(t *testing.T, gen uint64) (connection.Handle, <-chan *wire.Request) {
	t.Helper()
	client, broker := transport.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	reqs := make(chan *wire.Request, 64)
	go func() {
		for data, err := range transport.Stream(broker) {
			if err != nil {
				return
			}
			if req, err := wire.DecodeRequest(data); err == nil {
				reqs <- req
			}
		}
	}()
	return connection.Handle{Channel: client, Generation: gen}, reqs
}

func TestMuxConcurrentCallers(t *testing.T) {
	backend := newMemBackend()
	const n = 50
	for i := range n {
		backend.values[fmt.Sprintf("Vehicle.Sensor%d", i)] = wire.Int64Value(int64(i))
	}
	h := newHarness(t, backend)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := fmt.Sprintf("Vehicle.Sensor%d", i)
			values, err := h.mux.Get(context.Background(), h.handle, []string{path}, wire.FieldCurrent)
			if err != nil {
				errs <- err
				return
			}
			got, _ := values[0].Value.Int64()
			if values[0].Path != path || got != int64(i) {
				errs <- fmt.Errorf("caller %d got %s=%d", i, values[0].Path, got)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, h.mux.Pending())
}

func TestMuxTypedCalls(t *testing.T) {
	backend := newMemBackend()
	h := newHarness(t, backend)
	ctx := context.Background()

	t.Run("SetThenGet", func(t *testing.T) {
		err := h.mux.Set(ctx, h.handle, []wire.Datapoint{
			{Path: "Vehicle.Speed", Value: wire.FloatValue(42)},
			{Path: "Vehicle.Cabin.Door.IsOpen", Value: wire.BoolValue(true)},
		}, wire.FieldCurrent)
		require.NoError(t, err)

		values, err := h.mux.Get(ctx, h.handle, []string{"Vehicle.Cabin.Door.IsOpen", "Vehicle.Speed"}, wire.FieldCurrent)
		require.NoError(t, err)
		require.Len(t, values, 2)
		assert.Equal(t, "Vehicle.Cabin.Door.IsOpen", values[0].Path)
		assert.True(t, values[0].Value.Equal(wire.BoolValue(true)))
		assert.True(t, values[1].Value.Equal(wire.FloatValue(42)))
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := h.mux.Get(ctx, h.handle, []string{"Vehicle.Missing"}, wire.FieldCurrent)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, wire.StatusNotFound, se.Status)
		assert.Equal(t, "Vehicle.Missing", se.Message)

		status, ok := StatusOf(err)
		assert.True(t, ok)
		assert.Equal(t, wire.StatusNotFound, status)
	})

	t.Run("Subscribe", func(t *testing.T) {
		id1, err := h.mux.Subscribe(ctx, h.handle, "Vehicle.**", wire.FieldCurrent)
		require.NoError(t, err)
		id2, err := h.mux.Subscribe(ctx, h.handle, "Vehicle.Speed", wire.FieldTarget)
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)

		require.NoError(t, h.mux.Unsubscribe(ctx, h.handle, id1))
		err = h.mux.Unsubscribe(ctx, h.handle, 999)
		status, _ := StatusOf(err)
		assert.Equal(t, wire.StatusNotFound, status)
	})

	t.Run("InternalError", func(t *testing.T) {
		_, err := h.mux.Subscribe(ctx, h.handle, "Boom", wire.FieldCurrent)
		status, ok := StatusOf(err)
		require.True(t, ok)
		assert.Equal(t, wire.StatusInternal, status)
	})

	t.Run("Authorize", func(t *testing.T) {
		backend.token = "secret"
		require.NoError(t, h.mux.Authorize(ctx, h.handle, "secret"))

		err := h.mux.Authorize(ctx, h.handle, "wrong")
		status, _ := StatusOf(err)
		assert.True(t, status.IsAuthFailure())
	})
}

func TestMuxTimeout(t *testing.T) {
	t.Run("RemovesPendingEntry", func(t *testing.T) {
		h, _ := silentPeer(t, 1)
		m := NewMux(MuxConfig{})

		for range 20 {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
			_, err := m.Call(ctx, h, wire.OpGet, &wire.GetPayload{Paths: []string{"Vehicle.Speed"}})
			cancel()

			assert.ErrorIs(t, err, ErrTimeout)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}
		assert.Equal(t, 0, m.Pending())
	})

	t.Run("DefaultApplies", func(t *testing.T) {
		h, _ := silentPeer(t, 1)
		m := NewMux(MuxConfig{CallTimeout: 20 * time.Millisecond})

		start := time.Now()
		_, err := m.Call(context.Background(), h, wire.OpGet, &wire.GetPayload{Paths: []string{"Vehicle.Speed"}})
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, 0, m.Pending())
	})

	t.Run("CancelIsNotTimeout", func(t *testing.T) {
		h, _ := silentPeer(t, 1)
		m := NewMux(MuxConfig{})

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(5*time.Millisecond, cancel)
		_, err := m.Call(ctx, h, wire.OpGet, &wire.GetPayload{Paths: []string{"Vehicle.Speed"}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
	})

	t.Run("DefaultValue", func(t *testing.T) {
		assert.Equal(t, 10*time.Second, DefaultCallTimeout)
		assert.Equal(t, DefaultCallTimeout, NewMux(MuxConfig{}).timeout)
	})
}

func TestMuxGenerations(t *testing.T) {
	t.Run("MismatchedResponseDropped", func(t *testing.T) {
		h, reqs := silentPeer(t, 3)
		m := NewMux(MuxConfig{})

		done := make(chan error, 1)
		go func() {
			_, err := m.Call(context.Background(), h, wire.OpSet, &wire.SetPayload{})
			done <- err
		}()

		req := <-reqs
		resp, err := wire.NewResponse(req.MessageID, wire.StatusSuccess, nil)
		require.NoError(t, err)

		assert.False(t, m.HandleResponse(2, resp))
		assert.False(t, m.HandleResponse(3, &wire.Response{MessageID: req.MessageID + 1}))
		select {
		case err := <-done:
			t.Fatalf("call returned early: %v", err)
		case <-time.After(10 * time.Millisecond):
		}

		assert.True(t, m.HandleResponse(3, resp))
		require.NoError(t, <-done)
		assert.False(t, m.HandleResponse(3, resp), "second delivery must be dropped")
	})

	t.Run("FailGeneration", func(t *testing.T) {
		oldH, oldReqs := silentPeer(t, 1)
		newH, newReqs := silentPeer(t, 2)
		m := NewMux(MuxConfig{})

		oldDone := make(chan error, 1)
		newDone := make(chan error, 1)
		go func() {
			_, err := m.Call(context.Background(), oldH, wire.OpGet, &wire.GetPayload{Paths: []string{"A"}})
			oldDone <- err
		}()
		go func() {
			_, err := m.Call(context.Background(), newH, wire.OpGet, &wire.GetPayload{Paths: []string{"B"}})
			newDone <- err
		}()
		<-oldReqs
		req := <-newReqs

		m.FailGeneration(1, &transport.TransportError{Op: "read", Err: transport.ErrPeerClosed})

		var te *transport.TransportError
		require.ErrorAs(t, <-oldDone, &te)
		assert.ErrorIs(t, te, transport.ErrPeerClosed)
		assert.Equal(t, 1, m.Pending())

		resp, _ := wire.NewResponse(req.MessageID, wire.StatusSuccess, &wire.GetResponsePayload{})
		assert.True(t, m.HandleResponse(2, resp))
		require.NoError(t, <-newDone)
	})

	t.Run("ChannelDeath", func(t *testing.T) {
		client, broker := transport.Pipe()
		m := NewMux(MuxConfig{})
		h := connection.Handle{Channel: client, Generation: 1}

		go func() {
			for _, err := range transport.Stream(client) {
				if err != nil {
					m.FailGeneration(1, err)
					return
				}
			}
		}()

		done := make(chan error, 1)
		go func() {
			_, err := m.Call(context.Background(), h, wire.OpGet, &wire.GetPayload{Paths: []string{"A"}})
			done <- err
		}()
		_, err := broker.Recv()
		require.NoError(t, err)
		broker.Break(errors.New("connection reset"))

		var te *transport.TransportError
		require.ErrorAs(t, <-done, &te)

		_, err = m.Call(context.Background(), h, wire.OpGet, &wire.GetPayload{Paths: []string{"A"}})
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 0, m.Pending())
	})
}

func TestMuxClose(t *testing.T) {
	h, reqs := silentPeer(t, 1)
	m := NewMux(MuxConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), h, wire.OpGet, &wire.GetPayload{Paths: []string{"A"}})
		done <- err
	}()
	<-reqs

	m.Close()
	m.Close()

	assert.ErrorIs(t, <-done, ErrClientClosed)
	_, err := m.Call(context.Background(), h, wire.OpGet, &wire.GetPayload{Paths: []string{"A"}})
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, 0, m.Pending())
}

func TestMuxNotConnected(t *testing.T) {
	m := NewMux(MuxConfig{})
	_, err := m.Call(context.Background(), connection.Handle{}, wire.OpGet, nil)
	assert.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestMessageIDs(t *testing.T) {
	t.Run("Wraparound", func(t *testing.T) {
		m := NewMux(MuxConfig{})
		m.nextID.Store(math.MaxUint32 - 1)

		id1, _, err := m.register(wire.OpGet, 1)
		require.NoError(t, err)
		id2, _, err := m.register(wire.OpGet, 1)
		require.NoError(t, err)

		assert.Equal(t, uint32(math.MaxUint32), id1)
		assert.Equal(t, uint32(1), id2, "0 is reserved")
	})

	t.Run("SkipsOutstanding", func(t *testing.T) {
		m := NewMux(MuxConfig{})
		m.pending[1] = &pendingCall{done: make(chan result, 1)}
		m.pending[2] = &pendingCall{done: make(chan result, 1)}

		id, _, err := m.register(wire.OpGet, 1)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), id)
	})
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Status: wire.StatusTypeMismatch, Message: "expected float"}
	assert.Equal(t, "broker: "+wire.StatusTypeMismatch.String()+": expected float", err.Error())

	err2 := &StatusError{Status: wire.StatusReadOnly}
	assert.Equal(t, "broker: "+wire.StatusReadOnly.String(), err2.Error())

	_, ok := StatusOf(errors.New("plain"))
	assert.False(t, ok)

	wrapped := fmt.Errorf("set: %w", err)
	status, ok := StatusOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, wire.StatusTypeMismatch, status)
}

func TestWrapTimeout(t *testing.T) {
	err := WrapTimeout(context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Same(t, err, WrapTimeout(err))

	plain := errors.New("plain")
	assert.Same(t, plain, WrapTimeout(plain))
}

func TestServerHandleRequest(t *testing.T) {
	srv := NewServer(newMemBackend())
	ctx := context.Background()

	raw := func(v any) []byte {
		data, err := wire.Marshal(v)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name   string
		req    *wire.Request
		status wire.Status
	}{
		{"ZeroID", &wire.Request{MessageID: 0, Operation: wire.OpGet}, wire.StatusInvalidArgument},
		{"UnknownOp", &wire.Request{MessageID: 1, Operation: 99}, wire.StatusInvalidArgument},
		{"GetNoPayload", &wire.Request{MessageID: 2, Operation: wire.OpGet}, wire.StatusInvalidArgument},
		{"GetNoPaths", &wire.Request{MessageID: 3, Operation: wire.OpGet, Payload: raw(&wire.GetPayload{})}, wire.StatusInvalidArgument},
		{"GetMissing", &wire.Request{MessageID: 4, Operation: wire.OpGet, Payload: raw(&wire.GetPayload{Paths: []string{"X"}})}, wire.StatusNotFound},
		{"SetEmpty", &wire.Request{MessageID: 5, Operation: wire.OpSet, Payload: raw(&wire.SetPayload{})}, wire.StatusInvalidArgument},
		{"SubscribeNoPattern", &wire.Request{MessageID: 6, Operation: wire.OpSubscribe, Payload: raw(&wire.SubscribePayload{})}, wire.StatusInvalidArgument},
		{"SubscribeOK", &wire.Request{MessageID: 7, Operation: wire.OpSubscribe, Payload: raw(&wire.SubscribePayload{Pattern: "Vehicle.*"})}, wire.StatusSuccess},
		{"AuthorizeOK", &wire.Request{MessageID: 8, Operation: wire.OpAuthorize, Payload: raw(&wire.AuthorizePayload{Token: "t"})}, wire.StatusSuccess},
		{"BadPayload", &wire.Request{MessageID: 9, Operation: wire.OpUnsubscribe, Payload: raw("nope")}, wire.StatusInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.HandleRequest(ctx, tt.req)
			assert.Equal(t, tt.req.MessageID, resp.MessageID)
			assert.Equal(t, tt.status, resp.Status)
			if tt.status.IsError() {
				assert.NotEmpty(t, resp.ErrorMessage())
			}
		})
	}
}
