// Package commands implements the pvctl CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/config"
	"github.com/ophyd-epics-devices/epicsdev/pkg/discovery"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvgw"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

// Client is the PV access shared by all commands.
type Client struct {
	Sup           *supervisor.Supervisor
	Logger        *slog.Logger
	SignalOptions signal.Options

	closers []func() error
}

// NewClient wraps an existing supervisor.
func NewClient(sup *supervisor.Supervisor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Sup: sup, Logger: logger, SignalOptions: signal.Options{Logger: logger}}
}

// DialOptions selects the providers of a dialed client.
type DialOptions struct {
	// Database, when set, is loaded into a local sim:// provider.
	Database string

	// Gateway overrides the configured gateway address.
	Gateway string
}

// Dial builds a client from configuration. The pvgw:// provider talks to
// the configured gateway, or to the one found by mDNS when no address is
// set and discovery is enabled.
func Dial(ctx context.Context, cfg *config.Config, opts DialOptions, logger *slog.Logger) (*Client, error) {
	plog, closeLog, err := cfg.NewProtocolLogger(logger)
	if err != nil {
		return nil, err
	}
	c := &Client{Logger: logger, SignalOptions: cfg.SignalOptions(logger), closers: []func() error{closeLog}}

	var providers []binding.Provider
	if opts.Database != "" {
		db, err := sim.LoadDatabaseFile(opts.Database)
		if err != nil {
			c.Close()
			return nil, err
		}
		p := sim.New(sim.WithLogger(logger), sim.WithProtocolLogger(plog))
		if err := p.Apply(db); err != nil {
			c.Close()
			return nil, err
		}
		providers = append(providers, p)
	}

	address := opts.Gateway
	if address == "" {
		address = cfg.Gateway.Address
	}
	if address == "" && cfg.Gateway.Discovery.Enabled {
		browser := discovery.NewMDNSBrowser(cfg.Browser())
		address, err = discovery.Resolve(ctx, browser, cfg.Gateway.Discovery.Name, cfg.Gateway.Discovery.BrowseTimeout)
		browser.Stop()
		if err != nil {
			c.Close()
			return nil, err
		}
		logger.Info("found gateway", "address", address)
	}
	if address != "" {
		gw := pvgw.NewProvider(cfg.GatewayClient(address, logger, plog))
		providers = append(providers, gw)
		c.closers = append(c.closers, gw.Close)
	}
	if len(providers) == 0 {
		c.Close()
		return nil, errors.New("no gateway address and no database: nothing to connect to")
	}

	c.Sup, err = supervisor.New(cfg.Supervisor(logger, plog), providers...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	return c, nil
}

// Close shuts the supervisor down and releases the providers.
func (c *Client) Close() error {
	var errs []error
	if c.Sup != nil {
		errs = append(errs, c.Sup.Shutdown())
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}
