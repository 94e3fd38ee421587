package panda

import (
	"fmt"
	"slices"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
)

// SeqTrigger is the condition a sequencer row waits for.
type SeqTrigger string

const (
	SeqTriggerImmediate SeqTrigger = "Immediate"
	SeqTriggerBitA0     SeqTrigger = "BITA=0"
	SeqTriggerBitA1     SeqTrigger = "BITA=1"
	SeqTriggerBitB0     SeqTrigger = "BITB=0"
	SeqTriggerBitB1     SeqTrigger = "BITB=1"
	SeqTriggerBitC0     SeqTrigger = "BITC=0"
	SeqTriggerBitC1     SeqTrigger = "BITC=1"
	SeqTriggerPosAGT    SeqTrigger = "POSA>=POSITION"
	SeqTriggerPosALT    SeqTrigger = "POSA<=POSITION"
	SeqTriggerPosBGT    SeqTrigger = "POSB>=POSITION"
	SeqTriggerPosBLT    SeqTrigger = "POSB<=POSITION"
	SeqTriggerPosCGT    SeqTrigger = "POSC>=POSITION"
	SeqTriggerPosCLT    SeqTrigger = "POSC<=POSITION"
)

// SeqTriggers lists every trigger condition in the order the sequencer
// block enumerates them.
var SeqTriggers = []SeqTrigger{
	SeqTriggerImmediate,
	SeqTriggerBitA0, SeqTriggerBitA1,
	SeqTriggerBitB0, SeqTriggerBitB1,
	SeqTriggerBitC0, SeqTriggerBitC1,
	SeqTriggerPosAGT, SeqTriggerPosALT,
	SeqTriggerPosBGT, SeqTriggerPosBLT,
	SeqTriggerPosCGT, SeqTriggerPosCLT,
}

// SeqTable is the row table of a sequencer block, stored column-wise the
// way the TABLE record serves it. Every column has one entry per row.
type SeqTable struct {
	Repeats  []uint16     `yaml:"repeats"`
	Trigger  []SeqTrigger `yaml:"trigger"`
	Position []int32      `yaml:"position"`

	Time1 []uint32 `yaml:"time1"`
	OutA1 []bool   `yaml:"outa1"`
	OutB1 []bool   `yaml:"outb1"`
	OutC1 []bool   `yaml:"outc1"`
	OutD1 []bool   `yaml:"outd1"`
	OutE1 []bool   `yaml:"oute1"`
	OutF1 []bool   `yaml:"outf1"`

	Time2 []uint32 `yaml:"time2"`
	OutA2 []bool   `yaml:"outa2"`
	OutB2 []bool   `yaml:"outb2"`
	OutC2 []bool   `yaml:"outc2"`
	OutD2 []bool   `yaml:"outd2"`
	OutE2 []bool   `yaml:"oute2"`
	OutF2 []bool   `yaml:"outf2"`
}

// Validate checks that every column has the same length.
func (t *SeqTable) Validate() error {
	n := len(t.Repeats)
	for _, c := range seqColumns {
		if l := c.len(t); l != n {
			return fmt.Errorf("%w: column %s has %d rows, repeats has %d", pvdata.ErrTypeMismatch, c.name, l, n)
		}
	}
	return nil
}

// Equal reports whether both tables hold the same rows.
func (t SeqTable) Equal(u SeqTable) bool {
	for _, c := range seqColumns {
		if !c.equal(&t, &u) {
			return false
		}
	}
	return true
}

// seqColumn binds one NTTable column to a SeqTable field.
type seqColumn struct {
	name   string
	len    func(*SeqTable) int
	encode func(*SeqTable) any
	decode func(*SeqTable, any) error
	equal  func(a, b *SeqTable) bool
}

func column[T comparable](name string, t pvdata.ScalarType, field func(*SeqTable) *[]T) seqColumn {
	return seqColumn{
		name:   name,
		len:    func(s *SeqTable) int { return len(*field(s)) },
		encode: func(s *SeqTable) any { return slices.Clone(*field(s)) },
		decode: func(s *SeqTable, x any) error {
			d, err := pvdata.Coerce(t.Array(), x)
			if err != nil {
				return err
			}
			*field(s) = d.([]T)
			return nil
		},
		equal: func(a, b *SeqTable) bool { return slices.Equal(*field(a), *field(b)) },
	}
}

var triggerCodec = pvdata.Slice(pvdata.Enum(SeqTriggers...))

var seqColumns = []seqColumn{
	column("repeats", pvdata.TypeUShort, func(s *SeqTable) *[]uint16 { return &s.Repeats }),
	{
		name: "trigger",
		len:  func(s *SeqTable) int { return len(s.Trigger) },
		encode: func(s *SeqTable) any {
			out := make([]string, len(s.Trigger))
			for i, tr := range s.Trigger {
				out[i] = string(tr)
			}
			return out
		},
		decode: func(s *SeqTable, x any) error {
			d, err := triggerCodec.Coerce(x)
			if err != nil {
				return err
			}
			s.Trigger = d
			return nil
		},
		equal: func(a, b *SeqTable) bool { return slices.Equal(a.Trigger, b.Trigger) },
	},
	column("position", pvdata.TypeInt, func(s *SeqTable) *[]int32 { return &s.Position }),
	column("time1", pvdata.TypeUInt, func(s *SeqTable) *[]uint32 { return &s.Time1 }),
	column("outa1", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutA1 }),
	column("outb1", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutB1 }),
	column("outc1", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutC1 }),
	column("outd1", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutD1 }),
	column("oute1", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutE1 }),
	column("outf1", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutF1 }),
	column("time2", pvdata.TypeUInt, func(s *SeqTable) *[]uint32 { return &s.Time2 }),
	column("outa2", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutA2 }),
	column("outb2", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutB2 }),
	column("outc2", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutC2 }),
	column("outd2", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutD2 }),
	column("oute2", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutE2 }),
	column("outf2", pvdata.TypeBoolean, func(s *SeqTable) *[]bool { return &s.OutF2 }),
}

// SeqTableCodec maps the TABLE structure of a sequencer block to a
// SeqTable. The structure carries one array field per column.
type SeqTableCodec struct{}

var _ pvdata.Codec[SeqTable] = SeqTableCodec{}

// Table returns the sequencer table codec.
func Table() SeqTableCodec { return SeqTableCodec{} }

func (c SeqTableCodec) Decode(v pvdata.Value) (SeqTable, error) {
	if v.Data == nil {
		return SeqTable{}, nil
	}
	return c.Coerce(v.Data)
}

// Coerce accepts a SeqTable or a column map, as decoded from the wire or
// from a saved YAML file. Missing columns are empty.
func (SeqTableCodec) Coerce(x any) (SeqTable, error) {
	switch t := x.(type) {
	case SeqTable:
		return t, t.Validate()
	case *SeqTable:
		return *t, t.Validate()
	}
	fields, err := pvdata.ToStructure(x)
	if err != nil {
		return SeqTable{}, err
	}
	// An NTTable nests the columns under value.
	if inner, ok := fields["value"].(map[string]any); ok {
		fields = inner
	}
	var t SeqTable
	for _, c := range seqColumns {
		col, ok := fields[c.name]
		if !ok || col == nil {
			continue
		}
		if err := c.decode(&t, col); err != nil {
			return SeqTable{}, fmt.Errorf("column %s: %w", c.name, err)
		}
	}
	return t, t.Validate()
}

func (SeqTableCodec) Encode(t SeqTable) any {
	out := make(map[string]any, len(seqColumns))
	for _, c := range seqColumns {
		out[c.name] = c.encode(&t)
	}
	return out
}

func (SeqTableCodec) Equal(a, b SeqTable) bool { return a.Equal(b) }
func (SeqTableCodec) DType() string            { return "object" }
