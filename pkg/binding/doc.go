// Package binding owns the live connection to a single process variable.
//
// A Binding wraps a Channel opened through a Provider (the simulator, a PV
// gateway session, ...) and adds what the layers above rely on:
//
//   - a state machine: Disconnected -> Connecting -> Connected | Error
//   - shared, idempotent Connect with a connect timeout
//   - Get / Put with timeouts mapped onto the pverr taxonomy
//   - subscriptions delivered on a per-binding dispatch goroutine, never on
//     the provider's I/O goroutine, in non-decreasing timestamp order
//   - automatic reconnection with bounded exponential backoff after the
//     channel is lost
//
// Bindings are normally obtained from a supervisor.Supervisor, which keeps
// at most one binding per canonical PV name.
package binding
