// Package connection provides lifecycle management for device links.
//
// This package handles:
//   - Exponential backoff for reconnection attempts
//   - Jitter to prevent thundering herd
//   - Connection state tracking
//   - Supervised reconnection on connection loss
//
// # Reconnection Strategy
//
// When a device link drops, the supervisor retries with exponential
// backoff:
//
//  1. Initial delay: 10 seconds
//  2. Exponential increase: 15s, 22.5s, 33.75s, ...
//  3. Maximum delay: 30 minutes
//  4. Continue at 30m until successful
//  5. Reset to 10s on successful reconnection
//
// # Jitter
//
// To prevent thundering herd when multiple clients reconnect:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// # Success Criteria
//
// A reconnection is successful when the underlying channel reports a
// completed connection: for the local socket that includes the
// hello/ping handshake, for the cloud broker the CONNACK and topic
// subscription. RPC failures on a healthy link do not touch the
// backoff schedule.
package connection
