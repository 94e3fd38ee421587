// Command pvsimd serves simulated PVs over the gateway protocol.
//
// PVs are declared in a YAML database (see sim.Database); names that are
// not declared are created on first access. Clients reach the PVs as
// pvgw:// names through the gateway address, or find the gateway by mDNS
// when it is advertised.
//
// Usage:
//
//	pvsimd [flags]
//
// Examples:
//
//	# Serve a database on the configured listen address
//	pvsimd --db beamline.yaml
//
//	# Serve on another port and advertise as "bl01-sim"
//	pvsimd --db beamline.yaml --listen :5090 --advertise bl01-sim
//
//	# Keep PV values across restarts
//	pvsimd --db beamline.yaml --state /var/lib/pvsimd/state.json
//
//	# Add a simulated PandA with its PVI structures
//	pvsimd --db beamline.yaml --panda BL01:PANDA
//
//	# Serve mutual TLS with a throwaway CA written to ./pki
//	pvsimd --db beamline.yaml --dev-cert ./pki
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ophyd-epics-devices/epicsdev/pkg/cert"
	"github.com/ophyd-epics-devices/epicsdev/pkg/config"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("pvsimd", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "Configuration file (YAML)")
	dbPath := fs.String("db", "", "PV database (YAML)")
	listen := fs.StringP("listen", "l", "", "Listen address (overrides gateway.listen)")
	advertise := fs.String("advertise", "", "Advertise over mDNS under this instance name")
	pandas := fs.StringSlice("panda", nil, "Serve a simulated PandA under this record prefix (repeatable)")
	statePath := fs.String("state", "", "Restore PV values from this file and save them on exit")
	devCert := fs.String("dev-cert", "", "Generate a development CA and certificates in this directory and serve TLS")
	protocolLog := fs.String("protocol-log", "", "Write protocol events to this file")
	debug := fs.Bool("debug", false, "Debug logging")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// The daemon serves its own PVs; a client-side gateway is not needed.
	cfg.DefaultScheme = sim.Scheme
	if *listen != "" {
		cfg.Gateway.Listen = *listen
	}
	if *advertise != "" {
		cfg.Gateway.Discovery.Enabled = true
		cfg.Gateway.Discovery.Name = *advertise
	}
	if *devCert != "" {
		files, err := cert.WriteDevPKI(*devCert, []string{"localhost", "127.0.0.1", "::1"})
		if err != nil {
			return fmt.Errorf("writing development certificates: %w", err)
		}
		cfg.Gateway.TLS.CAFile = files.CAFile
		cfg.Gateway.TLS.CertFile = files.CertFile
		cfg.Gateway.TLS.KeyFile = files.KeyFile
		fmt.Fprintf(os.Stderr, "Client certificate: %s\nClient key:         %s\nCA:                 %s\n",
			files.ClientCertFile, files.ClientKeyFile, files.CAFile)
	}
	if *protocolLog != "" {
		cfg.Logging.ProtocolLog = *protocolLog
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Gateway.Discovery.Enabled && cfg.Gateway.Discovery.Name == "" {
		return fmt.Errorf("advertising requires an instance name (--advertise or gateway.discovery.name)")
	}
	logger := cfg.NewLogger(os.Stderr)

	var db *sim.Database
	if *dbPath != "" {
		if db, err = sim.LoadDatabaseFile(*dbPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, db, logger)
	if err != nil {
		return err
	}
	for _, prefix := range *pandas {
		if err := d.addPandA(prefix); err != nil {
			return err
		}
	}
	if *statePath != "" {
		if err := d.useState(*statePath); err != nil {
			return err
		}
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return d.Stop()
}
