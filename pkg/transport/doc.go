// Package transport carries gateway protocol messages over TCP, optionally
// wrapped in TLS.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      CBOR Messages (wire)      │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│   TLS (optional, ALPN pvgw/1)  │
//	├────────────────────────────────┤
//	│             TCP                │
//	└────────────────────────────────┘
//
// # Keep-Alive
//
// Sessions are monitored with ping/pong control messages:
//   - Ping interval: 15 seconds
//   - Pong timeout: 5 seconds
//   - Max missed pongs: 2
//
// A session that misses too many pongs is closed with ErrKeepAliveTimeout,
// which the gateway provider treats as loss of every channel on it.
package transport
