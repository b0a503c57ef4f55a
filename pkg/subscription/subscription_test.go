package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/interaction"
	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// fakeCaller hands out increasing server ids and records every request.
type fakeCaller struct {
	mu       sync.Mutex
	nextID   uint32
	calls    []string
	reject   map[string]error
	unsubErr error

	// onSubscribe runs before Subscribe returns, with the id it will
	// return.
	onSubscribe func(h connection.Handle, pattern string, id uint32)
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{reject: make(map[string]error)}
}

func (f *fakeCaller) Subscribe(_ context.Context, h connection.Handle, pattern string, _ wire.Field) (uint32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("sub %s@%d", pattern, h.Generation))
	if err := f.reject[pattern]; err != nil {
		f.mu.Unlock()
		return 0, err
	}
	f.nextID++
	id := f.nextID
	hook := f.onSubscribe
	f.mu.Unlock()

	if hook != nil {
		hook(h, pattern, id)
	}
	return id, nil
}

func (f *fakeCaller) Unsubscribe(_ context.Context, h connection.Handle, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("unsub %d@%d", id, h.Generation))
	return f.unsubErr
}

func (f *fakeCaller) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeCaller) setReject(pattern string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.reject, pattern)
		return
	}
	f.reject[pattern] = err
}

// recorder is a Sink that records deliveries.
type recorder struct {
	mu     sync.Mutex
	values []wire.Datapoint
	stale  []error
}

func (r *recorder) Deliver(dp wire.Datapoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, dp)
}

func (r *recorder) Stale(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = append(r.stale, err)
}

func (r *recorder) Values() []wire.Datapoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.values)
}

func (r *recorder) StaleErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.stale)
}

func newHandle(t *testing.T, gen uint64) connection.Handle {
	t.Helper()
	a, _ := transport.Pipe()
	t.Cleanup(func() { _ = a.Close() })
	return connection.Handle{Channel: a, Generation: gen}
}

func newTestRegistry(t *testing.T, caller Caller) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{Caller: caller, CallTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func point(path string, v float32, ts time.Time) wire.Datapoint {
	return wire.Datapoint{Path: path, Value: wire.FloatValue(v), Timestamp: ts}
}

func notify(id uint32, updates ...wire.Datapoint) *wire.Notification {
	return &wire.Notification{SubscriptionID: id, Updates: updates}
}

func floats(dps []wire.Datapoint) []float64 {
	out := make([]float64, len(dps))
	for i, dp := range dps {
		out[i], _ = dp.Value.Float64()
	}
	return out
}

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"Vehicle.Speed", "Vehicle.Speed", true},
		{"Vehicle.Speed", "Vehicle.speed", false},
		{"Vehicle.Speed", "Vehicle.Speed.Max", false},
		{"Vehicle.*", "Vehicle.Speed", true},
		{"Vehicle.*", "Vehicle", false},
		{"Vehicle.*", "Vehicle.Cabin.Door", false},
		{"Vehicle.Cabin.Door.*.IsOpen", "Vehicle.Cabin.Door.Row1.IsOpen", true},
		{"Vehicle.Cabin.Door.*.IsOpen", "Vehicle.Cabin.Door.Row1.Left.IsOpen", false},
		{"Vehicle.**", "Vehicle", true},
		{"Vehicle.**", "Vehicle.Cabin.Door.Row1.IsOpen", true},
		{"Vehicle.**", "Other.Speed", false},
		{"**.IsOpen", "Vehicle.Cabin.Door.Row1.IsOpen", true},
		{"**.IsOpen", "IsOpen", true},
		{"**.IsOpen", "Vehicle.IsOpenNow", false},
		{"Vehicle.**.IsOpen", "Vehicle.IsOpen", true},
		{"Vehicle.**.Row1.*", "Vehicle.Cabin.Door.Row1.IsOpen", true},
		{"Vehicle.**.Row1.*", "Vehicle.Cabin.Door.Row1", false},
		{"**", "Anything.At.All", true},
		{"Vehicle.**.**.IsOpen", "Vehicle.IsOpen", true},
		{"**.Door.**.IsOpen", "Vehicle.Cabin.Door.Row1.Left.IsOpen", true},
		{"**.Door.**.IsOpen", "Vehicle.Cabin.Window.Row1.IsOpen", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.path, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.path))
		})
	}
}

func TestPatternMatchManyWildcards(t *testing.T) {
	deep := strings.Repeat("Node.", 40) + "Leaf"
	p := MustParsePattern(strings.Repeat("**.Node.", 12) + "Missing")

	done := make(chan bool, 1)
	go func() { done <- p.Match(deep) }()
	select {
	case got := <-done:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("match did not finish")
	}
	assert.True(t, MustParsePattern(strings.Repeat("**.Node.", 12)+"Leaf").Match(deep))
	assert.Equal(t, []string{"A", "**", "B"}, MustParsePattern("A.**.**.**.B").segments)
}

func TestParsePattern(t *testing.T) {
	for _, bad := range []string{"", ".", "Vehicle.", ".Vehicle", "Vehicle..Speed", "Vehicle.Sp*", "Vehicle.***"} {
		_, err := ParsePattern(bad)
		assert.ErrorIs(t, err, ErrInvalidPattern, "pattern %q", bad)
	}

	p := MustParsePattern("Vehicle.Speed")
	assert.True(t, p.IsLiteral())
	assert.Equal(t, "Vehicle.Speed", p.String())
	assert.False(t, MustParsePattern("Vehicle.*").IsLiteral())

	assert.Panics(t, func() { MustParsePattern("") })
}

func TestRegistrySubscribeBeforeConnect(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)

	a, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
	require.NoError(t, err)
	b, err := r.Subscribe("Vehicle.Cabin.**", wire.FieldCurrent, &recorder{})
	require.NoError(t, err)
	c, err := r.Subscribe("Vehicle.Body.*", wire.FieldTarget, &recorder{})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, a.Status())
	assert.Empty(t, caller.Calls(), "nothing is sent without a channel")

	require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))

	assert.Equal(t, []string{"sub Vehicle.Speed@1", "sub Vehicle.Cabin.**@1", "sub Vehicle.Body.*@1"}, caller.Calls())
	for _, s := range []*Subscription{a, b, c} {
		assert.Equal(t, StatusActive, s.Status())
	}
	assert.Equal(t, wire.FieldTarget, c.Field())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, map[Status]int{StatusActive: 3}, r.Counts())
}

func TestRegistrySubscribeWhileConnected(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)
	require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))

	rec := &recorder{}
	s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Status() == StatusActive }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sub Vehicle.Speed@1"}, caller.Calls())

	assert.True(t, r.HandleNotification(1, notify(1, point("Vehicle.Speed", 42, t0))))
	require.Eventually(t, func() bool { return len(rec.Values()) == 1 }, time.Second, time.Millisecond)
}

func TestRegistryDelivery(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)

	rec := &recorder{}
	s, err := r.Subscribe("Vehicle.Cabin.**", wire.FieldCurrent, rec)
	require.NoError(t, err)
	require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))

	t.Run("InOrderAndFiltered", func(t *testing.T) {
		for i := range 20 {
			r.HandleNotification(1, notify(1,
				point("Vehicle.Cabin.Temperature", float32(i), t0.Add(time.Duration(i)*time.Second)),
				point("Vehicle.Speed", 1, t0),
			))
		}
		require.Eventually(t, func() bool { return len(rec.Values()) == 20 }, time.Second, time.Millisecond)
		for i, v := range floats(rec.Values()) {
			assert.Equal(t, float64(i), v)
		}
		last, ok := s.Last("Vehicle.Cabin.Temperature")
		require.True(t, ok)
		assert.True(t, last.Value.Equal(wire.FloatValue(19)))
		_, ok = s.Last("Vehicle.Speed")
		assert.False(t, ok, "update outside the pattern")
	})

	t.Run("WrongGenerationDropped", func(t *testing.T) {
		assert.False(t, r.HandleNotification(0, notify(1, point("Vehicle.Cabin.Temperature", 99, t0))))
		assert.False(t, r.HandleNotification(2, notify(1, point("Vehicle.Cabin.Temperature", 99, t0))))
	})

	t.Run("UnknownIDDropped", func(t *testing.T) {
		assert.False(t, r.HandleNotification(1, notify(77, point("Vehicle.Cabin.Temperature", 99, t0))))
	})

	t.Run("RepeatedObservationSuppressed", func(t *testing.T) {
		before := s.Delivered()
		dp := point("Vehicle.Cabin.Temperature", 19, t0.Add(19*time.Second))
		r.HandleNotification(1, notify(1, dp))
		r.HandleNotification(1, notify(1, point("Vehicle.Cabin.Temperature", 20, t0.Add(20*time.Second))))

		require.Eventually(t, func() bool { return s.Delivered() == before+1 }, time.Second, time.Millisecond)
		assert.Equal(t, uint64(1), s.Suppressed())
	})
}

// Broker streams 42, the channel dies, the client re-subscribes and the
// broker first repeats its current value and then streams 50.
func TestRegistryReconnectScenario(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)
	ctx := context.Background()

	rec := &recorder{}
	s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, rec)
	require.NoError(t, err)

	require.NoError(t, r.Restore(ctx, newHandle(t, 1)))
	r.HandleNotification(1, notify(1, point("Vehicle.Speed", 42, t0)))

	r.ConnectionLost(1, errors.New("connection reset"))
	assert.Equal(t, StatusPending, s.Status())
	assert.False(t, r.HandleNotification(1, notify(1, point("Vehicle.Speed", 43, t0.Add(time.Second)))),
		"late update from the dead channel")

	require.NoError(t, r.Restore(ctx, newHandle(t, 2)))
	assert.Equal(t, StatusActive, s.Status())
	assert.False(t, r.HandleNotification(2, notify(1, point("Vehicle.Speed", 44, t0))), "old server id")

	r.HandleNotification(2, notify(2, point("Vehicle.Speed", 42, t0)))
	r.HandleNotification(2, notify(2, point("Vehicle.Speed", 50, t0.Add(3*time.Second))))

	require.Eventually(t, func() bool { return len(rec.Values()) >= 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []float64{42, 50}, floats(rec.Values()))
	assert.Equal(t, []string{"sub Vehicle.Speed@1", "sub Vehicle.Speed@2"}, caller.Calls())
}

func TestRegistryRejection(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)
	ctx := context.Background()

	recA, recB := &recorder{}, &recorder{}
	a, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, recA)
	require.NoError(t, err)
	b, err := r.Subscribe("Vehicle.Secret.**", wire.FieldCurrent, recB)
	require.NoError(t, err)

	denied := &interaction.StatusError{Status: wire.StatusPermissionDenied, Message: "no access"}
	caller.setReject("Vehicle.Secret.**", denied)

	require.NoError(t, r.Restore(ctx, newHandle(t, 1)), "a rejection does not fail the restore")
	assert.Equal(t, StatusActive, a.Status())
	assert.Equal(t, StatusStale, b.Status())
	assert.ErrorIs(t, b.Err(), denied)

	require.Eventually(t, func() bool { return len(recB.StaleErrors()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, recA.StaleErrors())

	t.Run("Retry", func(t *testing.T) {
		caller.setReject("Vehicle.Secret.**", nil)
		require.NoError(t, r.Retry(ctx))
		assert.Equal(t, StatusActive, b.Status())
		assert.NoError(t, b.Err())
		assert.Equal(t, map[Status]int{StatusActive: 2}, r.Counts())
	})

	t.Run("RetriedOnReconnect", func(t *testing.T) {
		caller.setReject("Vehicle.Secret.**", denied)
		r.ConnectionLost(1, errors.New("gone"))
		require.NoError(t, r.Restore(ctx, newHandle(t, 2)))
		assert.Equal(t, StatusStale, b.Status())

		caller.setReject("Vehicle.Secret.**", nil)
		r.ConnectionLost(2, errors.New("gone"))
		require.NoError(t, r.Restore(ctx, newHandle(t, 3)))
		assert.Equal(t, StatusActive, b.Status())
	})

	t.Run("RetryNotConnected", func(t *testing.T) {
		r.ConnectionLost(3, errors.New("gone"))
		assert.ErrorIs(t, r.Retry(ctx), connection.ErrNotConnected)
	})
}

// failingCaller fails every subscribe with a transport error, as a
// mux does when the channel dies.
type failingCaller struct{ mock.Mock }

func (f *failingCaller) Subscribe(ctx context.Context, h connection.Handle, pattern string, field wire.Field) (uint32, error) {
	args := f.Called(pattern, field)
	return uint32(args.Int(0)), args.Error(1)
}

func (f *failingCaller) Unsubscribe(ctx context.Context, h connection.Handle, id uint32) error {
	return f.Called(id).Error(0)
}

func TestRegistryRestoreTransportFailure(t *testing.T) {
	caller := &failingCaller{}
	te := &transport.TransportError{Op: "write", Err: transport.ErrPeerClosed}
	caller.On("Subscribe", "Vehicle.Speed", wire.FieldCurrent).Return(0, te).Once()
	caller.On("Subscribe", "Vehicle.Speed", wire.FieldCurrent).Return(9, nil).Once()

	r := newTestRegistry(t, caller)
	s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
	require.NoError(t, err)

	err = r.Restore(context.Background(), newHandle(t, 1))
	var got *transport.TransportError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, StatusPending, s.Status())

	r.ConnectionLost(1, err)
	require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))
	assert.Equal(t, StatusActive, s.Status())

	caller.On("Unsubscribe", uint32(9)).Return(nil).Once()
	require.NoError(t, r.Unsubscribe(s))
	caller.AssertExpectations(t)
}

// stallingCaller never answers subscribes for the patterns in stall.
type stallingCaller struct {
	*fakeCaller
	stall map[string]bool
}

func (f *stallingCaller) Subscribe(ctx context.Context, h connection.Handle, pattern string, field wire.Field) (uint32, error) {
	if f.stall[pattern] {
		<-ctx.Done()
		return 0, interaction.WrapTimeout(ctx.Err())
	}
	return f.fakeCaller.Subscribe(ctx, h, pattern, field)
}

func TestRegistryRestoreTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("TimedOutResult", func(t *testing.T) {
		caller := newFakeCaller()
		caller.setReject("Vehicle.Slow", interaction.WrapTimeout(context.DeadlineExceeded))
		r := newTestRegistry(t, caller)

		recSlow := &recorder{}
		slow, err := r.Subscribe("Vehicle.Slow", wire.FieldCurrent, recSlow)
		require.NoError(t, err)
		speed, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)

		require.NoError(t, r.Restore(ctx, newHandle(t, 1)))
		assert.Equal(t, StatusStale, slow.Status())
		assert.ErrorIs(t, slow.Err(), interaction.ErrTimeout)
		assert.Equal(t, StatusActive, speed.Status())
		require.Eventually(t, func() bool { return len(recSlow.StaleErrors()) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("StalledBroker", func(t *testing.T) {
		caller := &stallingCaller{fakeCaller: newFakeCaller(), stall: map[string]bool{"Vehicle.Slow": true}}
		r, err := NewRegistry(Config{Caller: caller, CallTimeout: 20 * time.Millisecond})
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })

		slow, err := r.Subscribe("Vehicle.Slow", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)
		speed, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)

		require.NoError(t, r.Restore(ctx, newHandle(t, 1)))
		assert.Equal(t, StatusStale, slow.Status())
		assert.Equal(t, StatusActive, speed.Status())
	})

	t.Run("DeadChannel", func(t *testing.T) {
		caller := newFakeCaller()
		caller.setReject("Vehicle.Slow", interaction.WrapTimeout(context.DeadlineExceeded))
		r := newTestRegistry(t, caller)
		slow, err := r.Subscribe("Vehicle.Slow", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)

		h := newHandle(t, 1)
		require.NoError(t, h.Channel.Close())
		assert.ErrorIs(t, r.Restore(ctx, h), interaction.ErrTimeout)
		assert.Equal(t, StatusPending, slow.Status())
	})

	t.Run("AttemptExpired", func(t *testing.T) {
		caller := &stallingCaller{fakeCaller: newFakeCaller(), stall: map[string]bool{"Vehicle.Slow": true}}
		r := newTestRegistry(t, caller)
		slow, err := r.Subscribe("Vehicle.Slow", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)

		attemptCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, r.Restore(attemptCtx, newHandle(t, 1)), interaction.ErrTimeout)
		assert.Equal(t, StatusPending, slow.Status())
	})
}

func TestRegistryAbortedAttemptSameGeneration(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)
	ctx := context.Background()

	first := newHandle(t, 1)
	require.NoError(t, r.Restore(ctx, first))

	started := make(chan struct{})
	release := make(chan struct{})
	caller.mu.Lock()
	caller.onSubscribe = func(h connection.Handle, _ string, _ uint32) {
		if h.Channel == first.Channel {
			close(started)
			<-release
		}
	}
	caller.mu.Unlock()

	s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
	require.NoError(t, err)
	<-started

	// The first attempt is abandoned and the next one reuses its
	// generation on a new channel.
	r.ConnectionLost(1, errors.New("restore aborted"))
	require.NoError(t, first.Channel.Close())
	second := newHandle(t, 1)
	require.NoError(t, r.Restore(ctx, second))
	assert.Equal(t, StatusActive, s.Status())

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusActive, s.Status())
	assert.Equal(t, []string{"sub Vehicle.Speed@1", "sub Vehicle.Speed@1"}, caller.Calls())

	require.NoError(t, r.Unsubscribe(s))
	assert.Equal(t, "unsub 2@1", caller.Calls()[2])
}

func TestRegistryConnectionLostNotifiesSinks(t *testing.T) {
	caller := newFakeCaller()
	caller.setReject("Vehicle.Secret", &interaction.StatusError{Status: wire.StatusPermissionDenied})
	r := newTestRegistry(t, caller)
	ctx := context.Background()

	lost := make(chan error, 4)
	active, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, Funcs{
		OnDisconnect: func(err error) { lost <- err },
	})
	require.NoError(t, err)
	stale, err := r.Subscribe("Vehicle.Secret", wire.FieldCurrent, Funcs{
		OnDisconnect: func(err error) { lost <- err },
	})
	require.NoError(t, err)
	chanSink := NewChanSink(4)
	_, err = r.Subscribe("Vehicle.Cabin.**", wire.FieldCurrent, chanSink)
	require.NoError(t, err)
	_, err = r.Subscribe("Vehicle.Body.**", wire.FieldCurrent, SinkFunc(func(wire.Datapoint) {}))
	require.NoError(t, err)

	require.NoError(t, r.Restore(ctx, newHandle(t, 1)))
	require.Equal(t, StatusStale, stale.Status())

	reset := errors.New("connection reset")
	r.ConnectionLost(1, reset)
	assert.Equal(t, StatusPending, active.Status())

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, reset)
	case <-time.After(time.Second):
		t.Fatal("no disconnect reported")
	}
	select {
	case err := <-chanSink.Errors():
		assert.ErrorIs(t, err, reset)
	case <-time.After(time.Second):
		t.Fatal("no disconnect on channel sink")
	}

	r.ConnectionLost(1, reset)
	select {
	case err := <-lost:
		t.Fatalf("unexpected disconnect %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscriptionQueueBound(t *testing.T) {
	r := newTestRegistry(t, newFakeCaller())

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu  sync.Mutex
		got []float64
	)
	stale := make(chan error, 1)
	s, err := r.Subscribe("A", wire.FieldCurrent, Funcs{
		OnValue: func(dp wire.Datapoint) {
			v, _ := dp.Value.Float64()
			mu.Lock()
			got = append(got, v)
			first := len(got) == 1
			mu.Unlock()
			if first {
				close(entered)
				<-release
			}
		},
		OnStale: func(err error) { stale <- err },
	})
	require.NoError(t, err)

	s.enqueue(delivery{dp: point("A", 0, t0)})
	<-entered

	const extra = 5
	for i := 1; i <= maxQueuedUpdates+extra; i++ {
		s.enqueue(delivery{dp: point("A", float32(i), t0.Add(time.Duration(i)*time.Millisecond))})
		if i == 1 {
			s.enqueue(delivery{err: errors.New("denied")})
		}
	}
	assert.Equal(t, uint64(extra), s.Dropped())
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1+maxQueuedUpdates
	}, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, float64(extra+1), got[1], "oldest updates are discarded")
	assert.Equal(t, float64(maxQueuedUpdates+extra), got[len(got)-1])
	assert.EqualError(t, <-stale, "denied")
}

func TestRegistryUnsubscribe(t *testing.T) {
	t.Run("CancelsServerSide", func(t *testing.T) {
		caller := newFakeCaller()
		r := newTestRegistry(t, caller)
		s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)
		require.NoError(t, r.Restore(context.Background(), newHandle(t, 4)))

		require.NoError(t, r.Unsubscribe(s))
		assert.Equal(t, []string{"sub Vehicle.Speed@4", "unsub 1@4"}, caller.Calls())
		assert.Equal(t, 0, r.Count())
		assert.ErrorIs(t, r.Unsubscribe(s), ErrSubscriptionNotFound)
	})

	t.Run("PendingSendsNothing", func(t *testing.T) {
		caller := newFakeCaller()
		r := newTestRegistry(t, caller)
		s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)

		require.NoError(t, r.Unsubscribe(s))
		require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))
		assert.Empty(t, caller.Calls())
	})

	t.Run("CancelFailureNotSurfaced", func(t *testing.T) {
		caller := newFakeCaller()
		caller.unsubErr = &transport.TransportError{Op: "write", Err: transport.ErrChannelClosed}
		r := newTestRegistry(t, caller)
		s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
		require.NoError(t, err)
		require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))

		assert.NoError(t, r.Unsubscribe(s))
	})

	t.Run("NoDeliveryAfterReturn", func(t *testing.T) {
		caller := newFakeCaller()
		r := newTestRegistry(t, caller)

		var mu sync.Mutex
		stopped := false
		late := 0
		sink := SinkFunc(func(wire.Datapoint) {
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			if stopped {
				late++
			}
			mu.Unlock()
		})
		s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, sink)
		require.NoError(t, err)
		require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))

		for i := range 200 {
			r.HandleNotification(1, notify(1, point("Vehicle.Speed", float32(i), t0.Add(time.Duration(i)))))
		}
		require.NoError(t, r.Unsubscribe(s))
		mu.Lock()
		stopped = true
		mu.Unlock()

		for i := range 10 {
			r.HandleNotification(1, notify(1, point("Vehicle.Speed", float32(i), t0)))
		}
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Zero(t, late)
	})
}

func TestRegistryUnsubscribeDuringRegistration(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)

	var s *Subscription
	unsubscribed := make(chan struct{})
	caller.onSubscribe = func(connection.Handle, string, uint32) {
		go func() {
			_ = r.Unsubscribe(s)
			close(unsubscribed)
		}()
		<-unsubscribed
	}

	var err error
	s, err = r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
	require.NoError(t, err)
	require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))

	require.Eventually(t, func() bool { return len(caller.Calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sub Vehicle.Speed@1", "unsub 1@1"}, caller.Calls(),
		"the acknowledged registration is cancelled")
}

func TestRegistryEarlyNotification(t *testing.T) {
	caller := newFakeCaller()
	r := newTestRegistry(t, caller)

	// The broker pushes the current value before the response reaches
	// the registry.
	caller.onSubscribe = func(h connection.Handle, _ string, id uint32) {
		r.HandleNotification(h.Generation, notify(id, point("Vehicle.Speed", 42, t0)))
	}

	rec := &recorder{}
	_, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, rec)
	require.NoError(t, err)
	require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))
	r.HandleNotification(1, notify(1, point("Vehicle.Speed", 50, t0.Add(time.Second))))

	require.Eventually(t, func() bool { return len(rec.Values()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{42, 50}, floats(rec.Values()))
}

func TestRegistryClose(t *testing.T) {
	caller := newFakeCaller()
	r, err := NewRegistry(Config{Caller: caller})
	require.NoError(t, err)

	s, err := r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
	require.NoError(t, err)
	require.NoError(t, r.Restore(context.Background(), newHandle(t, 1)))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, []string{"sub Vehicle.Speed@1"}, caller.Calls(), "close sends no cancels")

	_, err = r.Subscribe("Vehicle.Speed", wire.FieldCurrent, &recorder{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Unsubscribe(s), ErrClosed)
	assert.ErrorIs(t, r.Restore(context.Background(), newHandle(t, 2)), ErrClosed)
	assert.ErrorIs(t, ErrClosed, connection.ErrClosed)
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry(Config{})
	assert.Error(t, err)

	r := newTestRegistry(t, newFakeCaller())
	_, err = r.Subscribe("Vehicle..Speed", wire.FieldCurrent, &recorder{})
	assert.ErrorIs(t, err, ErrInvalidPattern)
	_, err = r.Subscribe("Vehicle.Speed", wire.FieldCurrent, nil)
	assert.ErrorIs(t, err, ErrNilSink)
}

func TestChanSink(t *testing.T) {
	s := NewChanSink(2)
	s.Deliver(point("A", 1, t0))
	s.Deliver(point("A", 2, t0))
	s.Deliver(point("A", 3, t0))

	assert.Equal(t, uint64(1), s.Dropped())
	assert.Equal(t, "A", (<-s.C()).Path)
	assert.Len(t, s.C(), 1)

	s.Stale(errors.New("first"))
	s.Stale(errors.New("second"))
	assert.EqualError(t, <-s.Errors(), "second")
	assert.EqualError(t, s.Err(), "second")

	assert.Equal(t, DefaultChanSinkSize, cap(NewChanSink(0).C()))
}

func TestFuncs(t *testing.T) {
	var got []string
	sink := Funcs{
		OnValue: func(dp wire.Datapoint) { got = append(got, dp.Path) },
		OnStale: func(err error) { got = append(got, err.Error()) },
	}
	sink.Deliver(point("A", 1, t0))
	sink.Stale(errors.New("denied"))
	assert.Equal(t, []string{"A", "denied"}, got)

	assert.NotPanics(t, func() {
		Funcs{}.Deliver(point("A", 1, t0))
		Funcs{}.Stale(errors.New("x"))
	})
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "PENDING", StatusPending.String())
	assert.Equal(t, "ACTIVE", StatusActive.String())
	assert.Equal(t, "STALE", StatusStale.String())
	assert.Equal(t, "UNKNOWN", Status(9).String())
}
