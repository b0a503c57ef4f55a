// Package connection keeps a broker session connected.
//
// A Session dials channels through a ConnectFunc and hands every inbound
// frame to its Handler. When the channel dies the session reconnects under
// exponential backoff and asks the Handler to restore state (authorize and
// resubscribe) on the new channel before anyone else may use it.
//
// # Reconnection Strategy
//
// When a connection is lost, the session uses exponential backoff:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Continue at 60s until successful or closed
//  5. Reset to 1s on successful reconnection
//
// # Jitter
//
// To prevent thundering herd when many clients reconnect:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// # Generations
//
// Every successful connect increments the generation. Callers hold a
// Handle (channel plus generation); responses and notifications are
// dispatched with the generation of the channel they arrived on, so state
// tied to a dead channel can be recognized and dropped.
//
// # Fatal errors
//
// A fatal ConnectError or an error wrapped with Fatal stops the session in
// DISCONNECTED. Everything else is retried.
package connection
