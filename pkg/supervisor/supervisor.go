// Package supervisor owns the process-wide registry of PV bindings.
//
// A Supervisor creates bindings lazily on first access, guarantees at most
// one binding per canonical PV name, and closes all of them on Shutdown.
// Signals hold a Supervisor by reference and look their bindings up by name;
// nothing in this module keeps an implicit global registry.
//
//	sup, err := supervisor.New(supervisor.Config{DefaultScheme: "pvgw"},
//	    sim.New(), pvgw.NewProvider(gwConfig))
//	defer sup.Shutdown()
//
//	b, err := sup.GetBinding(ctx, "DET:ACQUIRE") // pvgw://DET:ACQUIRE
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
)

// SchemeSeparator separates the provider scheme from the PV name.
const SchemeSeparator = "://"

// Errors returned by New and name resolution.
var (
	ErrNoProviders     = errors.New("no providers")
	ErrDuplicateScheme = errors.New("duplicate provider scheme")
	ErrUnknownScheme   = errors.New("unknown provider scheme")
	ErrEmptyName       = errors.New("empty PV name")
)

// Config configures a Supervisor.
type Config struct {
	// DefaultScheme serves bare PV names. Empty uses the first provider.
	DefaultScheme string

	// Binding holds the connect, get and put timeouts and reconnect backoff
	// shared by every binding.
	Binding binding.Options

	// Logger receives operational logs (nil: slog.Default()).
	Logger *slog.Logger
}

// Supervisor is the binding registry.
type Supervisor struct {
	cfg       Config
	providers map[string]binding.Provider
	slog      *slog.Logger

	// creating collapses concurrent first accesses to one PV name into a
	// single creation.
	creating singleflight.Group

	mu       sync.Mutex
	bindings map[string]*binding.Binding
	closed   bool
}

// New creates a supervisor serving the schemes of providers.
func New(cfg Config, providers ...binding.Provider) (*Supervisor, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Binding.Logger == nil {
		cfg.Binding.Logger = cfg.Logger
	}

	s := &Supervisor{
		cfg:       cfg,
		providers: make(map[string]binding.Provider, len(providers)),
		slog:      cfg.Logger,
		bindings:  make(map[string]*binding.Binding),
	}
	for _, p := range providers {
		scheme := p.Scheme()
		if _, dup := s.providers[scheme]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateScheme, scheme)
		}
		s.providers[scheme] = p
	}
	if s.cfg.DefaultScheme == "" {
		s.cfg.DefaultScheme = providers[0].Scheme()
	}
	if _, ok := s.providers[s.cfg.DefaultScheme]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownScheme, s.cfg.DefaultScheme)
	}
	return s, nil
}

// Canonical returns the scheme-qualified form of pv.
func (s *Supervisor) Canonical(pv string) (string, error) {
	scheme, name, err := s.split(pv)
	if err != nil {
		return "", err
	}
	return scheme + SchemeSeparator + name, nil
}

func (s *Supervisor) split(pv string) (scheme, name string, err error) {
	scheme, name, found := strings.Cut(pv, SchemeSeparator)
	if !found {
		scheme, name = s.cfg.DefaultScheme, pv
	}
	if name == "" {
		return "", "", ErrEmptyName
	}
	if _, ok := s.providers[scheme]; !ok {
		return "", "", fmt.Errorf("%w: %q in %s", ErrUnknownScheme, scheme, pv)
	}
	return scheme, name, nil
}

// Lookup returns the binding for pv, creating it disconnected if needed.
func (s *Supervisor) Lookup(pv string) (*binding.Binding, error) {
	scheme, name, err := s.split(pv)
	if err != nil {
		return nil, err
	}
	canonical := scheme + SchemeSeparator + name

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, pverr.Shutdown("lookup", canonical)
	}
	b, ok := s.bindings[canonical]
	s.mu.Unlock()
	if ok {
		return b, nil
	}

	v, err, _ := s.creating.Do(canonical, func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil, pverr.Shutdown("lookup", canonical)
		}
		if b, ok := s.bindings[canonical]; ok {
			return b, nil
		}
		b := binding.New(canonical, name, s.providers[scheme], s.cfg.Binding)
		s.bindings[canonical] = b
		s.slog.Debug("binding created", "pv", canonical)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*binding.Binding), nil
}

// GetBinding returns the connected binding for pv, creating and connecting
// it on first access. Concurrent callers for the same name get the same
// binding. A failed connect leaves the binding registered so the next call
// retries it.
func (s *Supervisor) GetBinding(ctx context.Context, pv string) (*binding.Binding, error) {
	b, err := s.Lookup(pv)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Release closes and forgets the binding for pv. Releasing an unknown name
// is a no-op.
func (s *Supervisor) Release(pv string) error {
	canonical, err := s.Canonical(pv)
	if err != nil {
		return err
	}
	s.mu.Lock()
	b, ok := s.bindings[canonical]
	delete(s.bindings, canonical)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.slog.Debug("binding released", "pv", canonical)
	return b.Close()
}

// Bindings returns the canonical names of every managed binding, sorted.
func (s *Supervisor) Bindings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.bindings))
	for n := range s.bindings {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Closed reports whether Shutdown was called.
func (s *Supervisor) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown closes every binding. In-flight operations fail with
// pverr.ErrShutdown, as does every later GetBinding. Shutdown is idempotent.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bindings := s.bindings
	s.bindings = make(map[string]*binding.Binding)
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 0, len(bindings))
	var errMu sync.Mutex
	for name, b := range bindings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Close(); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.slog.Info("supervisor shut down", "bindings", len(bindings))
	return errors.Join(errs...)
}
