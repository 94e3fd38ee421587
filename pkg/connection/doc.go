// Package connection manages the lifecycle of a single logical connection:
// one PV channel or one gateway session.
//
// A Manager wraps a ConnectFunc and tracks the state machine
//
//	Disconnected -> Connecting -> Connected | Failed
//	Connected -> Reconnecting -> Connected
//
// Concurrent Connect calls share a single attempt. Each attempt is bounded
// by the configured connect timeout.
//
// # Reconnection Strategy
//
// When a connection is lost after it was established, the Manager retries
// with exponential backoff:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Reset to the initial delay on success
//
// # Jitter
//
// Many channels to one IOC are typically lost together. Jitter spreads their
// reconnects:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
