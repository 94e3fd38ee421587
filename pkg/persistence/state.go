package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// ErrUnsupportedVersion is returned by Load for state written by a newer
// format.
var ErrUnsupportedVersion = errors.New("unsupported state version")

// SimState is the saved state of a simulated IOC.
type SimState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	PVs []PVSnapshot `json:"pvs,omitempty"`
}

// PVSnapshot is the value of one PV.
type PVSnapshot struct {
	Name string `json:"name"`

	// Type is the pvData type name, "enum_t" for enums.
	Type  string `json:"type"`
	Value any    `json:"value"`

	Choices []string `json:"choices,omitempty"`
}

// Simulator is the part of a simulated IOC that state is captured from and
// restored into.
type Simulator interface {
	Names() []string
	Value(name string) (pvdata.Value, bool)
	Declare(name string, t pvdata.ScalarType, initial any) error
	DeclareEnum(name string, index int32, choices ...string) error
}

// Capture snapshots every PV of sim.
func Capture(sim Simulator) *SimState {
	state := &SimState{Version: StateVersion, SavedAt: time.Now()}
	for _, name := range sim.Names() {
		v, ok := sim.Value(name)
		if !ok || v.Data == nil {
			continue
		}
		state.PVs = append(state.PVs, PVSnapshot{
			Name:    name,
			Type:    v.Type.String(),
			Value:   v.Data,
			Choices: v.Choices,
		})
	}
	return state
}

// Restore declares every saved PV on sim. All PVs are attempted; the
// failures are joined.
func Restore(sim Simulator, state *SimState) error {
	if state == nil {
		return nil
	}
	var errs []error
	for _, pv := range state.PVs {
		if err := restorePV(sim, pv); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", pv.Name, err))
		}
	}
	return errors.Join(errs...)
}

func restorePV(sim Simulator, pv PVSnapshot) error {
	t, err := pvdata.ParseScalarType(pv.Type)
	if err != nil {
		return err
	}
	if t != pvdata.TypeEnum {
		return sim.Declare(pv.Name, t, pv.Value)
	}
	idx, ok := pvdata.ToInt64(pv.Value)
	if !ok {
		return fmt.Errorf("enum index %v is not an integer", pv.Value)
	}
	return sim.DeclareEnum(pv.Name, int32(idx), pv.Choices...)
}

// StateStore keeps a SimState in a JSON file.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore creates a store for the file at path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the state file path.
func (s *StateStore) Path() string { return s.path }

// Save writes state, replacing the previous file atomically.
func (s *StateStore) Save(state *SimState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the state. It returns nil, nil if there is no state file.
func (s *StateStore) Load() (*SimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &SimState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}
	return state, nil
}

// Clear removes the state file.
func (s *StateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
