package panda

import (
	"fmt"
	"strings"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
)

// SimBlocks is the block layout Simulate serves: two sequencers, two
// pulse generators and position capture.
var SimBlocks = []string{"seq1", "seq2", "pulse1", "pulse2", "pcap"}

var timeUnits = []string{"min", "s", "ms", "us"}

// Simulate declares the records of a PandA under prefix on p: the PVI
// structures listing SimBlocks and every record they point at.
func Simulate(p *sim.Provider, prefix string) error {
	top := make(PVI, len(SimBlocks))
	for _, block := range SimBlocks {
		base := prefix + ":" + strings.ToUpper(block)
		pvi, err := simulateBlock(p, block, base)
		if err != nil {
			return fmt.Errorf("simulate %s: %w", block, err)
		}
		if err := p.SetValue(base+":PVI", pvi.Map()); err != nil {
			return err
		}
		top[block] = PVIEntry{D: base + ":PVI"}
	}
	return p.SetValue(prefix+":PVI", top.Map())
}

func simulateBlock(p *sim.Provider, block, base string) (PVI, error) {
	kind, _ := splitBlockName(block)
	pvi := make(PVI)
	declare := func(field string, e PVIEntry, t pvdata.ScalarType, initial any) error {
		pvi[field] = e
		pv := e.RW + e.R + e.X
		return p.Declare(pv, t, initial)
	}
	var err error
	switch kind {
	case "seq":
		err = declare("table", PVIEntry{RW: base + ":TABLE"}, pvdata.TypeStructure, Table().Encode(SeqTable{}))
		if err == nil {
			err = declare("active", PVIEntry{R: base + ":ACTIVE"}, pvdata.TypeBoolean, false)
		}
	case "pulse":
		for _, f := range []string{"delay", "width"} {
			pv := base + ":" + strings.ToUpper(f)
			if err = declare(f, PVIEntry{RW: pv}, pvdata.TypeDouble, 0.0); err != nil {
				break
			}
			pvi[f+"_units"] = PVIEntry{RW: pv + ":UNITS"}
			if err = p.DeclareEnum(pv+":UNITS", 1, timeUnits...); err != nil {
				break
			}
		}
	case "pcap":
		err = declare("active", PVIEntry{R: base + ":ACTIVE"}, pvdata.TypeBoolean, false)
		if err == nil {
			err = declare("arm", PVIEntry{X: base + ":ARM"}, pvdata.TypeBoolean, false)
		}
	default:
		err = fmt.Errorf("%w: no simulation for %s blocks", ErrInvalidPVI, kind)
	}
	return pvi, err
}
