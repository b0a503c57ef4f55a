// Package wire defines the CBOR wire format of the vehicle signal broker
// protocol.
//
// Every frame is a CBOR map with integer keys. Key 0 always carries the
// message type so a receiver can route a frame before decoding it fully.
//
// # Message Types
//
//   - Request: client to broker (Get, Set, Subscribe, Unsubscribe, Authorize)
//   - Response: broker to client, correlated by message id
//   - Notification: broker to client, streamed subscription updates
//   - Control: transport keepalive (ping/pong) and graceful close
//
// # Payloads
//
// Request and response payloads are carried as raw CBOR and decoded by the
// caller into the payload type matching the operation. Signal values are
// always typed; see [Value].
package wire
