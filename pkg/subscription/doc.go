// Package subscription keeps client subscriptions registered with the
// broker.
//
// A Registry owns every subscription from Subscribe until Unsubscribe or
// Close. Each subscription is in one of three states:
//
//   - PENDING: no server-side counterpart on the current channel
//   - ACTIVE: acknowledged by the broker on the current channel
//   - STALE: rejected by the broker; retried on the next reconnect
//
// # Patterns
//
// Patterns are dot-separated signal paths. A "*" segment matches exactly
// one segment and "**" matches any number of segments, including none:
//
//	Vehicle.Speed                  exact path
//	Vehicle.Cabin.Door.*.IsOpen    one level
//	Vehicle.Powertrain.**          whole subtree
//
// # Reconnects
//
// When the channel dies every ACTIVE subscription drops back to PENDING.
// Restore re-registers all subscriptions on the new channel in the order
// they were created. Updates are delivered per subscription on its own
// goroutine; a repeated observation (same path, value and timestamp), as
// brokers send on re-subscribe, is delivered only once.
package subscription
