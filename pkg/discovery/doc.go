// Package discovery finds PV gateways on the local network with
// mDNS/DNS-SD.
//
// Gateways advertise the service type _pvgw._tcp. The instance name is the
// gateway name chosen by the operator (for example the beamline), and the
// TXT record carries:
//
//	ver   protocol version ("1")
//	tls   "1" when the gateway requires TLS
//	prov  upstream providers, comma separated ("pvgw,ca")
//	pvs   number of PVs served (optional)
//
// Clients use a Browser to list gateways or Resolve to pick one by name
// when no address is configured. pvsimd advertises itself through a
// Manager.
package discovery
