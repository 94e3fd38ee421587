// Package areadetector provides devices for EPICS areaDetector IOCs: the
// driver, the statistics and HDF5 file plugins, a step-scan detector that
// takes one frame per trigger and a streaming detector that writes frames
// to HDF5 and describes them with stream documents.
//
// areaDetector records come in pairs: X is the setpoint and X_RBV its
// readback. RW and R build signals following that convention.
//
//	drv := areadetector.NewDriver(sup, "BL01:DET:")
//	stats := areadetector.NewStats(sup, "BL01:STATS:")
//	det := areadetector.NewSingleTriggerDet("det", drv,
//	    areadetector.WithPlugin("stats", stats.Device),
//	    areadetector.WithReadUncached(stats.UniqueID))
package areadetector
