package interaction

import (
	"context"
	"fmt"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Get reads the values of paths. Values are returned in request order.
func (m *Mux) Get(ctx context.Context, h connection.Handle, paths []string, field wire.Field) ([]wire.Datapoint, error) {
	resp, err := m.Call(ctx, h, wire.OpGet, &wire.GetPayload{Paths: paths, Field: field})
	if err != nil {
		return nil, err
	}
	var p wire.GetResponsePayload
	if err := resp.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode get response: %w", err)
	}
	if len(p.Values) != len(paths) {
		return nil, fmt.Errorf("%w: %d values for %d paths", ErrUnexpectedReply, len(p.Values), len(paths))
	}
	return p.Values, nil
}

// Set writes entries. Entry timestamps are ignored by the broker.
func (m *Mux) Set(ctx context.Context, h connection.Handle, entries []wire.Datapoint, field wire.Field) error {
	_, err := m.Call(ctx, h, wire.OpSet, &wire.SetPayload{Entries: entries, Field: field})
	return err
}

// Subscribe opens a server-side subscription and returns its id.
func (m *Mux) Subscribe(ctx context.Context, h connection.Handle, pattern string, field wire.Field) (uint32, error) {
	resp, err := m.Call(ctx, h, wire.OpSubscribe, &wire.SubscribePayload{Pattern: pattern, Field: field})
	if err != nil {
		return 0, err
	}
	var p wire.SubscribeResponsePayload
	if err := resp.DecodePayload(&p); err != nil {
		return 0, fmt.Errorf("decode subscribe response: %w", err)
	}
	if p.SubscriptionID == 0 {
		return 0, fmt.Errorf("%w: missing subscription id", ErrUnexpectedReply)
	}
	return p.SubscriptionID, nil
}

// Unsubscribe cancels a server-side subscription.
func (m *Mux) Unsubscribe(ctx context.Context, h connection.Handle, id uint32) error {
	_, err := m.Call(ctx, h, wire.OpUnsubscribe, &wire.UnsubscribePayload{SubscriptionID: id})
	return err
}

// Authorize presents token for the session on h.
func (m *Mux) Authorize(ctx context.Context, h connection.Handle, token string) error {
	_, err := m.Call(ctx, h, wire.OpAuthorize, &wire.AuthorizePayload{Token: token})
	return err
}
