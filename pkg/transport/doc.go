// Package transport provides the broker channels.
//
// A Channel carries whole CBOR frames in both directions. Three
// implementations are selected by the endpoint scheme:
//
//	tcp://, tls://     length-prefixed frames over TCP, optionally TLS 1.3
//	ws://, wss://      one binary WebSocket message per frame
//	grpc://, grpcs://  one message per frame on a bidirectional gRPC stream
//
// # Protocol Stack (framed)
//
//	┌────────────────────────────────┐
//	│      CBOR Messages             │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│     TLS 1.3 (optional)         │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Failure model
//
// The first read or write failure kills a channel. Every later call returns
// the same *TransportError and the channel never reconnects by itself;
// reconnecting is the job of package connection.
//
// # Keep-Alive
//
// Framed channels monitor liveness with ping/pong control frames:
//   - Ping interval: 30 seconds
//   - Pong timeout: 5 seconds
//   - Max missed pongs: 3
//   - Maximum detection delay: 95 seconds
//
// WebSocket channels use WebSocket ping frames instead, and gRPC channels
// rely on HTTP/2 keepalive.
package transport
