package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/config"
	"github.com/ophyd-epics-devices/epicsdev/pkg/discovery"
	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/panda"
	"github.com/ophyd-epics-devices/epicsdev/pkg/persistence"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvgw"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
)

// pvCountInterval is how often the advertised PV count is refreshed. Sim
// PVs are created on first access, so the count grows while serving.
const pvCountInterval = 30 * time.Second

// daemon is a simulated IOC served over the gateway protocol.
type daemon struct {
	cfg    *config.Config
	slog   *slog.Logger
	plog   log.Logger
	closer func() error

	sim    *sim.Provider
	server *pvgw.Server

	// state, when set, is restored by useState and saved by Stop.
	state *persistence.StateStore

	// newAdvertiser is replaced in tests.
	newAdvertiser func(discovery.AdvertiserConfig) discovery.Advertiser
	manager       *discovery.Manager
	stopCount     context.CancelFunc
}

func newDaemon(cfg *config.Config, db *sim.Database, logger *slog.Logger) (*daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	plog, closer, err := cfg.NewProtocolLogger(logger)
	if err != nil {
		return nil, err
	}
	p := sim.New(sim.WithLogger(logger), sim.WithProtocolLogger(plog))
	if db != nil {
		if err := p.Apply(db); err != nil {
			closer()
			return nil, fmt.Errorf("loading database: %w", err)
		}
	}
	return &daemon{
		cfg:    cfg,
		slog:   logger,
		plog:   plog,
		closer: closer,
		sim:    p,
		server: pvgw.NewServer(p, cfg.GatewayServer(logger, plog)),
		newAdvertiser: func(c discovery.AdvertiserConfig) discovery.Advertiser {
			return discovery.NewMDNSAdvertiser(c)
		},
	}, nil
}

// addPandA serves a simulated PandA under prefix.
func (d *daemon) addPandA(prefix string) error {
	if err := panda.Simulate(d.sim, prefix); err != nil {
		return fmt.Errorf("simulating PandA %s: %w", prefix, err)
	}
	d.slog.Info("simulating PandA", "prefix", prefix, "blocks", len(panda.SimBlocks))
	return nil
}

// useState restores the PV values saved at path, overriding the database,
// and saves them there again on Stop.
func (d *daemon) useState(path string) error {
	d.state = persistence.NewStateStore(path)
	saved, err := d.state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	if saved == nil {
		return nil
	}
	if err := persistence.Restore(d.sim, saved); err != nil {
		// Partial restores keep the values that did load.
		d.slog.Warn("restoring state", "path", path, "error", err)
	}
	d.slog.Info("restored state", "path", path, "pvs", len(saved.PVs), "saved_at", saved.SavedAt)
	return nil
}

// Start listens and, when discovery is enabled, advertises the gateway.
func (d *daemon) Start(ctx context.Context) error {
	if err := d.server.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	d.slog.Info("serving simulated PVs", "address", d.server.Addr().String(), "pvs", len(d.sim.Names()))

	if !d.cfg.Gateway.Discovery.Enabled {
		return nil
	}
	info := discovery.GatewayInfo{
		Name:      d.cfg.Gateway.Discovery.Name,
		TLS:       d.cfg.Gateway.TLS.Enabled(),
		Providers: []string{sim.Scheme},
		PVCount:   len(d.sim.Names()),
	}
	if addr, ok := d.server.Addr().(*net.TCPAddr); ok {
		info.Port = uint16(addr.Port)
	}
	d.manager = discovery.NewManager(d.newAdvertiser(d.cfg.Advertiser()), d.slog)
	if err := d.manager.Start(ctx, info); err != nil {
		d.server.Stop()
		return fmt.Errorf("advertising gateway: %w", err)
	}

	countCtx, cancel := context.WithCancel(ctx)
	d.stopCount = cancel
	go d.refreshPVCount(countCtx, pvCountInterval)
	return nil
}

func (d *daemon) refreshPVCount(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.manager.SetPVCount(len(d.sim.Names())); err != nil {
				d.slog.Warn("updating advertisement failed", "error", err)
			}
		}
	}
}

// Stop withdraws the advertisement and closes every session.
func (d *daemon) Stop() error {
	var errs []error
	if d.stopCount != nil {
		d.stopCount()
	}
	if d.manager != nil {
		errs = append(errs, d.manager.Stop())
	}
	errs = append(errs, d.server.Stop())
	if d.state != nil {
		if err := d.state.Save(persistence.Capture(d.sim)); err != nil {
			errs = append(errs, fmt.Errorf("saving state: %w", err))
		}
	}
	errs = append(errs, d.closer())
	return errors.Join(errs...)
}
