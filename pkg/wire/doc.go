// Package wire defines the CBOR wire format of the PV gateway protocol.
//
// The gateway fronts PVAccess and Channel Access IOCs. Clients speak a
// compact request/response/notification protocol to it instead of the
// native EPICS protocols. Values are carried as normative-type structures
// (pvdata.Value) so nothing is lost in translation.
//
// # Message Kinds
//
// Every message is a CBOR map with integer keys. Key 0 holds the kind:
//   - Request: client to gateway (Connect, Get, Put, Monitor, Cancel, Close)
//   - Response: gateway to client, correlated by message ID
//   - Notification: gateway to client, monitor updates and channel state
//   - Control: either direction (ping, pong, close)
//
// Messages are length-prefixed on the stream by package transport.
package wire
