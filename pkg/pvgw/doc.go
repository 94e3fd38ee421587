// Package pvgw connects bindings to IOCs through a PV gateway.
//
// The gateway fronts PVAccess and Channel Access IOCs and speaks the CBOR
// message protocol of package wire over the framed sessions of package
// transport. A Provider keeps one session per gateway and multiplexes every
// channel over it:
//
//	p := pvgw.NewProvider(pvgw.Config{Address: "gw.beamline:5080"})
//	sup, _ := supervisor.New(supervisor.Config{}, p)
//	sig := signal.ReadWrite(sup, pvdata.Float64(), "pvgw://MOTOR:POS")
//
// Losing the session marks every open channel lost; the bindings then
// reconnect and the next Open dials a new session.
//
// Server is the other side of the protocol. It serves any binding.Provider,
// which is how pvsimd exposes simulated PVs and how the tests run the
// client against a real socket.
package pvgw
