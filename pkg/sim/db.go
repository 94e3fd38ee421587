package sim

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
)

// Database is a YAML description of simulated PVs.
//
//	pvs:
//	  - name: MOTOR:POS
//	    type: double
//	    value: 0
//	  - name: DET:ImageMode
//	    type: enum
//	    choices: [Single, Multiple, Continuous]
//	  - name: DET:ArraySizeX_RBV
//	    type: int
//	    value: 1024
//	    read_only: true
//	links:
//	  - from: MOTOR:POS
//	    to: MOTOR:RBV
type Database struct {
	PVs   []PVSpec   `yaml:"pvs"`
	Links []LinkSpec `yaml:"links"`
}

// PVSpec declares one PV.
type PVSpec struct {
	Name string `yaml:"name"`

	// Type is a pvData type name ("double", "int[]", "string") or "enum".
	// Empty infers the type from Value.
	Type     string   `yaml:"type"`
	Value    any      `yaml:"value"`
	Choices  []string `yaml:"choices"`
	ReadOnly bool     `yaml:"read_only"`

	// Blocking makes put-callbacks wait until SetPutProceeds(name, true).
	Blocking bool `yaml:"blocking"`
}

// LinkSpec forwards puts from one PV to another.
type LinkSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadDatabase parses a database.
func LoadDatabase(r io.Reader) (*Database, error) {
	var db Database
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&db); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse PV database: %w", err)
	}
	return &db, db.Validate()
}

// LoadDatabaseFile parses the database at path.
func LoadDatabaseFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadDatabase(f)
}

// Validate checks names and types.
func (db *Database) Validate() error {
	seen := make(map[string]bool, len(db.PVs))
	var errs []error
	for i, pv := range db.PVs {
		if pv.Name == "" {
			errs = append(errs, fmt.Errorf("pvs[%d]: missing name", i))
			continue
		}
		if seen[pv.Name] {
			errs = append(errs, fmt.Errorf("pvs[%d]: duplicate PV %s", i, pv.Name))
		}
		seen[pv.Name] = true
		if pv.Type != "" && pv.Type != "enum" {
			if _, err := pvdata.ParseScalarType(pv.Type); err != nil {
				errs = append(errs, fmt.Errorf("pvs[%d] %s: %w", i, pv.Name, err))
			}
		}
		if pv.Type == "" && pv.Value == nil {
			errs = append(errs, fmt.Errorf("pvs[%d] %s: type or value required", i, pv.Name))
		}
	}
	for i, l := range db.Links {
		if l.From == "" || l.To == "" {
			errs = append(errs, fmt.Errorf("links[%d]: from and to are required", i))
		}
	}
	return errors.Join(errs...)
}

// Apply declares every PV of db on p.
func (p *Provider) Apply(db *Database) error {
	for _, spec := range db.PVs {
		if err := p.declareSpec(spec); err != nil {
			return err
		}
		if spec.ReadOnly {
			p.SetReadOnly(spec.Name, true)
		}
		if spec.Blocking {
			p.SetPutProceeds(spec.Name, false)
		}
	}
	for _, l := range db.Links {
		p.Link(l.From, l.To)
	}
	return nil
}

func (p *Provider) declareSpec(spec PVSpec) error {
	switch spec.Type {
	case "enum":
		idx := int32(0)
		if spec.Value != nil {
			i, err := enumIndex(spec.Choices, spec.Value)
			if err != nil {
				return fmt.Errorf("declare %s: %w", spec.Name, err)
			}
			idx = i
		}
		return p.DeclareEnum(spec.Name, idx, spec.Choices...)
	case "":
		return p.SetValue(spec.Name, spec.Value)
	}

	t, err := pvdata.ParseScalarType(spec.Type)
	if err != nil {
		return err
	}
	value := spec.Value
	if value == nil {
		value = zeroOf(t)
	}
	return p.Declare(spec.Name, t, value)
}

func zeroOf(t pvdata.ScalarType) any {
	switch {
	case t.IsArray():
		return []any{}
	case t == pvdata.TypeString:
		return ""
	case t == pvdata.TypeBoolean:
		return false
	default:
		return 0
	}
}
