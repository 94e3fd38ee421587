package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/ophyd-epics-devices/epicsdev/pkg/export"
)

// DefaultMonitorDuration bounds a shell monitor given without a duration.
const DefaultMonitorDuration = 10 * time.Second

// errQuit ends the shell loop.
var errQuit = errors.New("quit")

// Shell runs commands interactively against one client.
type Shell struct {
	client   *Client
	exporter *export.Exporter
	out      io.Writer
}

// NewShell creates a shell writing to out. exporter may be nil.
func NewShell(c *Client, exporter *export.Exporter, out io.Writer) *Shell {
	return &Shell{client: c, exporter: exporter, out: out}
}

// Run reads commands until EOF, quit or ctx ends.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pv> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("get"),
			readline.PcItem("put"),
			readline.PcItem("info"),
			readline.PcItem("monitor"),
			readline.PcItem("bindings"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	s.printHelp()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}
		if err := s.Execute(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}

// Execute runs one command line.
func (s *Shell) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
		return nil

	case "get", "g":
		if len(args) == 0 {
			return errors.New("usage: get <pv>...")
		}
		return RunGet(ctx, s.client, args, GetOptions{}, s.out)

	case "put", "p":
		if len(args) < 2 {
			return errors.New("usage: put <pv> <value>")
		}
		return RunPut(ctx, s.client, args[0], strings.Join(args[1:], " "), PutOptions{}, s.out)

	case "info", "i":
		if len(args) != 1 {
			return errors.New("usage: info <pv>")
		}
		return RunInfo(ctx, s.client, args[0], s.out)

	case "monitor", "m":
		return s.monitor(ctx, args)

	case "bindings", "b":
		for _, name := range s.client.Sup.Bindings() {
			fmt.Fprintln(s.out, name)
		}
		return nil

	case "quit", "exit", "q":
		return errQuit
	}
	return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
}

// monitor runs "monitor <pv>... [seconds]".
func (s *Shell) monitor(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: monitor <pv>... [seconds]")
	}
	d := DefaultMonitorDuration
	if secs, err := strconv.ParseFloat(args[len(args)-1], 64); err == nil && len(args) > 1 {
		d = time.Duration(secs * float64(time.Second))
		args = args[:len(args)-1]
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return RunMonitor(ctx, s.client, args, MonitorOptions{Exporter: s.exporter}, s.out)
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `
Commands:
  get <pv>...                 - Read PVs
  put <pv> <value>            - Write a PV
  info <pv>                   - Show type, state and alarm of a PV
  monitor <pv>... [seconds]   - Print updates (default 10s)
  bindings                    - List PVs in use
  help                        - Show this help
  quit                        - Exit
`)
}
