// Package panda provides a device for PandABox position and timing
// controllers.
//
// A PandA describes itself: the record at prefix+":PVI" is a structure
// with one field per block ("seq1", "pulse2", "pcap"), each pointing at
// the block's own PVI structure, whose fields name the PVs of the block's
// signals. Connect walks those structures and builds the device tree.
//
//	pa := panda.New(sup, "BL01:PANDA", "panda")
//	if err := pa.Connect(ctx); err != nil {
//	    return err
//	}
//	err := pa.Pulse[1].Delay.Set(ctx, 20).Wait(ctx)
//
// Save and Load persist the read-write signals of a PandA to YAML, setting
// units before the values that depend on them.
package panda
