// Package client is the public API for talking to a vehicle signal broker.
//
// A Client owns one session with the broker. Calls from any number of
// goroutines are multiplexed over it, and subscriptions survive
// reconnects:
//
//	ep, _ := transport.ParseEndpoint("grpc://token@127.0.0.1:55555")
//	c, err := client.New(client.Config{Endpoint: ep})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//
//	speed, err := c.Get(ctx, "Vehicle.Speed")
//	err = c.SetTargetValues(ctx, map[string]wire.Value{
//	    "Vehicle.Body.Lights.IsLowBeamOn": wire.BoolValue(true),
//	})
//
//	sub, err := c.SubscribeFunc("Vehicle.Cabin.**", func(dp wire.Datapoint) {
//	    fmt.Println(dp.Path, dp.Value)
//	})
//	defer c.Unsubscribe(sub)
//
// # Errors
//
// Failures fall into five kinds:
//
//   - *ConnectError: the broker could not be reached or rejected the
//     credentials (Fatal)
//   - *TransportError: the channel died while the call was in flight
//   - ErrTimeout: no answer within the call deadline
//   - *BrokerError: the broker answered with an error status; see
//     BrokerCode
//   - ErrClientClosed: the client was closed
//
// Calls are never retried. Use errors.Is and errors.As to inspect them.
package client
