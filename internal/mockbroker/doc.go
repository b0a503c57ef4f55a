// Package mockbroker is an in-memory vehicle signal broker.
//
// It serves the broker protocol over any transport.Channel, so the same
// broker backs unit tests (through Dialer and in-memory pipes) and the
// vss-mockbroker command (through the TCP, WebSocket and gRPC servers).
// Fault hooks (Sever, Stall, RejectSubscribe, SetOffline) let tests drive
// the client through reconnects, timeouts and rejections.
package mockbroker
