// Package sim provides an in-memory PV provider for tests, dry runs and the
// pvsimd soft IOC.
//
// PVs are created on first use and take their type from the first value
// written to them, or from an explicit Declare. Writes to X are echoed to
// X_RBV, so the readback half of an areaDetector style PV pair follows its
// setpoint the way a real IOC would.
//
// Test helpers mirror the controls a simulated backend needs:
//
//	p := sim.New()
//	p.SetValue("MOTOR:POS", 3.5)        // IOC side update
//	p.SetPutProceeds("DET:Acquire", false) // put-callbacks block
//	p.SetReachable("DET:Acquire", false)   // connects never complete
//	p.Drop("MOTOR:POS")                  // simulate a lost channel
package sim
