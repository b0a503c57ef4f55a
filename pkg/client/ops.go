package client

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/subscription"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Get reads the current value of path.
func (c *Client) Get(ctx context.Context, path string) (wire.Datapoint, error) {
	values, err := c.get(ctx, []string{path}, wire.FieldCurrent)
	if err != nil {
		return wire.Datapoint{}, err
	}
	return values[0], nil
}

// GetValues reads the current values of paths, keyed by path.
func (c *Client) GetValues(ctx context.Context, paths ...string) (map[string]wire.Datapoint, error) {
	return c.getMap(ctx, paths, wire.FieldCurrent)
}

// GetTargetValues reads the target values of actuator paths, keyed by
// path.
func (c *Client) GetTargetValues(ctx context.Context, paths ...string) (map[string]wire.Datapoint, error) {
	return c.getMap(ctx, paths, wire.FieldTarget)
}

// Set writes the current value of path.
func (c *Client) Set(ctx context.Context, path string, value wire.Value) error {
	return c.set(ctx, []wire.Datapoint{{Path: path, Value: value}}, wire.FieldCurrent)
}

// SetValues writes current values.
func (c *Client) SetValues(ctx context.Context, values map[string]wire.Value) error {
	return c.set(ctx, entries(values), wire.FieldCurrent)
}

// SetTargetValues writes actuator target values.
func (c *Client) SetTargetValues(ctx context.Context, values map[string]wire.Value) error {
	return c.set(ctx, entries(values), wire.FieldTarget)
}

// Subscribe streams current values of the paths matching pattern to sink.
// It returns immediately; the subscription becomes active once the broker
// acknowledges it and is restored after every reconnect.
func (c *Client) Subscribe(pattern string, sink subscription.Sink) (*subscription.Subscription, error) {
	return c.subscribe(pattern, wire.FieldCurrent, sink)
}

// SubscribeFunc is Subscribe with a function sink.
func (c *Client) SubscribeFunc(pattern string, fn func(wire.Datapoint)) (*subscription.Subscription, error) {
	if fn == nil {
		return nil, subscription.ErrNilSink
	}
	return c.subscribe(pattern, wire.FieldCurrent, subscription.SinkFunc(fn))
}

// SubscribeTarget streams actuator target values to sink.
func (c *Client) SubscribeTarget(pattern string, sink subscription.Sink) (*subscription.Subscription, error) {
	return c.subscribe(pattern, wire.FieldTarget, sink)
}

// Unsubscribe cancels sub. Its sink is not invoked after Unsubscribe
// returns.
func (c *Client) Unsubscribe(sub *subscription.Subscription) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.mapErr(c.registry.Unsubscribe(sub))
}

// Subscriptions returns the client's subscriptions in creation order.
func (c *Client) Subscriptions() []*subscription.Subscription {
	return c.registry.Subscriptions()
}

// Retry re-registers subscriptions rejected by the broker.
func (c *Client) Retry(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ctx, cancel := c.mux.Bound(ctx)
	defer cancel()
	if _, err := c.handle(ctx); err != nil {
		return c.mapErr(err)
	}
	return c.mapErr(c.registry.Retry(ctx))
}

func (c *Client) get(ctx context.Context, paths []string, field wire.Field) ([]wire.Datapoint, error) {
	if len(paths) == 0 {
		return nil, errors.New("client: no paths")
	}
	var values []wire.Datapoint
	err := c.do(ctx, wire.OpGet, func(ctx context.Context, h connection.Handle) error {
		var err error
		values, err = c.mux.Get(ctx, h, paths, field)
		return err
	})
	return values, err
}

func (c *Client) getMap(ctx context.Context, paths []string, field wire.Field) (map[string]wire.Datapoint, error) {
	values, err := c.get(ctx, paths, field)
	if err != nil {
		return nil, err
	}
	out := make(map[string]wire.Datapoint, len(values))
	for i, dp := range values {
		if dp.Path == "" {
			dp.Path = paths[i]
		}
		out[dp.Path] = dp
	}
	return out, nil
}

func (c *Client) set(ctx context.Context, entries []wire.Datapoint, field wire.Field) error {
	if len(entries) == 0 {
		return errors.New("client: no values")
	}
	return c.do(ctx, wire.OpSet, func(ctx context.Context, h connection.Handle) error {
		return c.mux.Set(ctx, h, entries, field)
	})
}

func (c *Client) subscribe(pattern string, field wire.Field, sink subscription.Sink) (*subscription.Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	sub, err := c.registry.Subscribe(pattern, field, sink)
	if err != nil {
		return nil, c.mapErr(err)
	}
	return sub, nil
}

// entries orders values by path so requests are deterministic.
func entries(values map[string]wire.Value) []wire.Datapoint {
	out := make([]wire.Datapoint, 0, len(values))
	for _, path := range slices.Sorted(maps.Keys(values)) {
		out = append(out, wire.Datapoint{Path: path, Value: values[path]})
	}
	return out
}
