// Package interaction implements the broker request/response exchange.
//
// # Client side
//
// A Mux correlates requests with responses over the session channel.
// Callers pass the connection.Handle they want the request sent on:
//
//	mux := interaction.NewMux(interaction.MuxConfig{})
//
//	// Frames read from the channel are fed back in by the session handler
//	mux.HandleResponse(gen, resp)
//
//	// Typed calls
//	values, err := mux.Get(ctx, handle, []string{"Vehicle.Speed"}, wire.FieldCurrent)
//	err = mux.Set(ctx, handle, entries, wire.FieldTarget)
//	id, err := mux.Subscribe(ctx, handle, "Vehicle.Cabin.**", wire.FieldCurrent)
//
// Every call is bounded: a context without deadline gets the default call
// timeout. When a channel dies the session calls FailGeneration and all
// calls sent on it fail with the channel's TransportError. A broker
// rejection is returned as *StatusError.
//
// # Server side
//
// A Server decodes requests and dispatches them to a Backend. It is used by
// the mock broker.
//
//	srv := interaction.NewServer(backend)
//	resp := srv.HandleRequest(ctx, req)
package interaction
