// Command pvctl reads, writes and monitors PVs through a PV gateway or a
// local simulated database.
//
// Usage:
//
//	pvctl <command> [flags] [args]
//
// Commands:
//
//	get      Read PVs
//	put      Write a PV
//	monitor  Print PV updates, optionally exporting them
//	info     Show type, state and alarm of a PV
//	shell    Interactive mode
//	log      Dump a protocol log file
//
// Examples:
//
//	# Read through the configured gateway
//	pvctl get --config epicsdev.yaml MOTOR:POS MOTOR:POS_RBV
//
//	# Write and wait for the put-callback
//	pvctl put --wait --gateway gw.local:5080 DET:Acquire 1
//
//	# Monitor and publish every update to the configured sinks
//	pvctl monitor --export --config epicsdev.yaml MOTOR:POS
//
//	# Try things against a simulated database
//	pvctl shell --db sim.yaml
//
//	# Show only wire messages of one PV
//	pvctl log --layer wire --pv pvgw://MOTOR:POS client.pvlog
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ophyd-epics-devices/epicsdev/cmd/pvctl/commands"
	"github.com/ophyd-epics-devices/epicsdev/pkg/config"
	"github.com/ophyd-epics-devices/epicsdev/pkg/export"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
)

const usage = `pvctl - PV command line client

Usage:
  pvctl <command> [flags] [args]

Commands:
  get      Read PVs
  put      Write a PV
  monitor  Print PV updates, optionally exporting them
  info     Show type, state and alarm of a PV
  shell    Interactive mode
  log      Dump a protocol log file

Use "pvctl <command> --help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "get":
		err = runGet(ctx, args)
	case "put":
		err = runPut(ctx, args)
	case "monitor", "camonitor":
		err = runMonitor(ctx, args)
	case "info":
		err = runInfo(ctx, args)
	case "shell":
		err = runShell(ctx, args)
	case "log":
		err = runLog(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// clientFlags are shared by all commands that talk to PVs.
type clientFlags struct {
	config  string
	gateway string
	db      string
	timeout time.Duration
	debug   bool
}

func newFlagSet(name, synopsis, usageLine string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "pvctl %s - %s\n\nUsage:\n  pvctl %s\n\nFlags:\n", name, synopsis, usageLine)
		fs.PrintDefaults()
	}
	return fs
}

func addClientFlags(fs *pflag.FlagSet) *clientFlags {
	f := &clientFlags{}
	fs.StringVarP(&f.config, "config", "c", "", "Configuration file (YAML)")
	fs.StringVarP(&f.gateway, "gateway", "g", "", "Gateway address host:port (overrides config)")
	fs.StringVar(&f.db, "db", "", "Serve sim:// PVs from this YAML database")
	fs.DurationVarP(&f.timeout, "timeout", "w", 0, "Overall timeout (0 means none)")
	fs.BoolVar(&f.debug, "debug", false, "Debug logging")
	return f
}

// dial loads the configuration and connects.
func (f *clientFlags) dial(ctx context.Context) (*commands.Client, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, nil, nil, err
	}
	if f.debug {
		cfg.Logging.Level = "debug"
	}
	if f.gateway != "" {
		cfg.Gateway.Address = f.gateway
	}
	// Bare names go to the database unless a gateway is asked for.
	if f.db != "" && f.gateway == "" {
		cfg.DefaultScheme = sim.Scheme
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	logger := cfg.NewLogger(os.Stderr)
	c, err := commands.Dial(ctx, cfg, commands.DialOptions{Database: f.db}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, cfg, logger, nil
}

func (f *clientFlags) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout > 0 {
		return context.WithTimeout(ctx, f.timeout)
	}
	return context.WithCancel(ctx)
}

func runGet(ctx context.Context, args []string) error {
	fs := newFlagSet("get", "Read PVs", "get [flags] <pv>...")
	cf := addClientFlags(fs)
	verbose := fs.BoolP("verbose", "v", false, "Show timestamp and alarm")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("at least one PV required")
	}

	ctx, cancel := cf.context(ctx)
	defer cancel()
	c, _, _, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return commands.RunGet(ctx, c, fs.Args(), commands.GetOptions{Verbose: *verbose}, os.Stdout)
}

func runPut(ctx context.Context, args []string) error {
	fs := newFlagSet("put", "Write a PV", "put [flags] <pv> <value>")
	cf := addClientFlags(fs)
	wait := fs.Bool("wait", false, "Wait for the put-callback")
	array := fs.BoolP("array", "a", false, "Value is a comma separated array")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("PV and value required")
	}

	ctx, cancel := cf.context(ctx)
	defer cancel()
	c, _, _, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	opts := commands.PutOptions{Wait: *wait, Array: *array, Timeout: cf.timeout}
	return commands.RunPut(ctx, c, fs.Arg(0), fs.Arg(1), opts, os.Stdout)
}

func runMonitor(ctx context.Context, args []string) error {
	fs := newFlagSet("monitor", "Print PV updates", "monitor [flags] <pv>...")
	cf := addClientFlags(fs)
	count := fs.IntP("count", "n", 0, "Stop after this many updates per PV")
	doExport := fs.Bool("export", false, "Publish updates to the sinks enabled in the config")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("at least one PV required")
	}

	ctx, cancel := cf.context(ctx)
	defer cancel()
	c, cfg, logger, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	opts := commands.MonitorOptions{Count: *count}
	if *doExport {
		exp, err := openExporter(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer exp.Close()
		opts.Exporter = exp
	}
	return commands.RunMonitor(ctx, c, fs.Args(), opts, os.Stdout)
}

func openExporter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*export.Exporter, error) {
	if !cfg.Export.Enabled() {
		return nil, fmt.Errorf("--export: no sink is enabled in the configuration")
	}
	sinks, err := export.Open(ctx, cfg.Export, logger)
	if err != nil {
		return nil, err
	}
	return export.New(logger, sinks...), nil
}

func runInfo(ctx context.Context, args []string) error {
	fs := newFlagSet("info", "Show type, state and alarm of a PV", "info [flags] <pv>")
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("one PV required")
	}

	ctx, cancel := cf.context(ctx)
	defer cancel()
	c, _, _, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return commands.RunInfo(ctx, c, fs.Arg(0), os.Stdout)
}

func runShell(ctx context.Context, args []string) error {
	fs := newFlagSet("shell", "Interactive mode", "shell [flags]")
	cf := addClientFlags(fs)
	doExport := fs.Bool("export", false, "Publish monitor updates to the sinks enabled in the config")
	_ = fs.Parse(args)

	c, cfg, logger, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var exp *export.Exporter
	if *doExport {
		if exp, err = openExporter(ctx, cfg, logger); err != nil {
			return err
		}
		defer exp.Close()
	}
	return commands.NewShell(c, exp, os.Stdout).Run(ctx)
}

func runLog(args []string) error {
	fs := newFlagSet("log", "Dump a protocol log file", "log [flags] <file.pvlog>")
	var opts commands.LogOptions
	fs.StringVar(&opts.SessionID, "session", "", "Filter by session ID")
	fs.StringVar(&opts.PV, "pv", "", "Filter by canonical PV name")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, wire, binding)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, control, state, error)")
	fs.StringVar(&opts.Since, "since", "", "Only events at or after this time (RFC3339)")
	fs.StringVar(&opts.Until, "until", "", "Only events before this time (RFC3339)")
	fs.BoolVar(&opts.JSON, "json", false, "Write JSON lines")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("log file path required")
	}
	return commands.RunLog(fs.Arg(0), opts, os.Stdout)
}
