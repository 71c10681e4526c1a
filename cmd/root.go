// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"harvest/config"
	"harvest/internal/core"
	"harvest/inventory"
	"harvest/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X harvest/cmd.version=2.0.0"
var version = "0.3.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected harvest mode.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg := config.Defaults()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("harvest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── selection ────────────────────────────────────────────────
	var inventories, templates []string
	fs.StringArrayVarP(&inventories, "inventory", "i", nil, "Inventory file (repeatable)")
	fs.StringArrayVarP(&templates, "template", "t", nil, "Template file or directory (repeatable)")
	fs.BoolVarP(&cfg.List, "list", "l", false, "List the matching hosts")

	// ── action ───────────────────────────────────────────────────
	fs.StringArrayVarP(&cfg.Exec, "exec", "e", nil, "Run a command line and quit (repeatable)")
	fs.StringArrayVarP(&cfg.Call, "call", "c", nil, "Run a bound template command and quit (repeatable)")
	fs.IntVarP(&cfg.Jobs, "jobs", "j", cfg.Jobs, "Hosts to run at once with -e/-c")

	// ── session ──────────────────────────────────────────────────
	timeout := fs.DurationP("timeout", "w", 0, "Prompt timeout, e.g. 30s (0 waits forever)")
	waittime := fs.Duration("waittime", 0, "Settle time after the prompt matches")
	fs.StringVar(&cfg.Binmode, "binmode", cfg.Binmode, "Pass received bytes through untouched (true/false)")
	fs.IntVar(&cfg.MaxRetry, "max-retry", cfg.MaxRetry, "Total connection attempts per host")
	fs.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "Reach hosts through a SOCKS5 proxy (socks5://host:port)")

	// ── output ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.LogDir, "log-dir", "L", cfg.LogDir, "Write <host>.log files to this directory")
	fs.BoolVarP(&cfg.Quiet, "quiet", "q", false, "Do not mirror session output to stdout")
	verbose := fs.CountP("verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Resolve and print session options without connecting")

	fs.Usage = func() { printUsage(fs, stderr) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs, stderr)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "harvest %s\n", version)
		return nil
	}

	if len(inventories) > 0 {
		cfg.Inventory = inventories
	}
	if len(templates) > 0 {
		cfg.Templates = templates
	}
	if fs.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if fs.Changed("waittime") {
		cfg.Waittime = waittime
	}
	if *verbose > 0 {
		cfg.Verbose = 1 + *verbose
	}

	// ── positional arguments ─────────────────────────────────────
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.Pattern = rest[0]
	default:
		return fmt.Errorf("expected one HOST_PATTERN, got %d arguments", len(rest))
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(stderr)

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return err
	}

	if dryRun {
		return printResolved(stdout, reg, cfg)
	}

	mode, err := core.Build(cfg, reg, logger)
	if err != nil {
		return err
	}
	if lm, ok := mode.(*core.ListMode); ok {
		lm.Stdout = stdout
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// loadRegistry reads every inventory and template path.  The default
// template directory may be missing; explicit paths may not.
func loadRegistry(cfg *config.Config, logger *util.Logger) (*inventory.Registry, error) {
	reg := inventory.New(logger)
	for _, p := range cfg.Inventory {
		if err := reg.LoadInventory(util.ExpandHome(p)); err != nil {
			return nil, err
		}
	}
	for _, p := range cfg.Templates {
		err := reg.LoadTemplates(util.ExpandHome(p))
		if err != nil && p == config.DefaultTemplate && errors.Is(err, os.ErrNotExist) {
			logger.Debug("no template directory at %s", p)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// printResolved prints the session options every selected host would
// use, one host per line.
func printResolved(w io.Writer, reg *inventory.Registry, cfg *config.Config) error {
	hosts, err := reg.Query(cfg.Pattern)
	if err != nil {
		return err
	}
	overrides := cfg.Overrides()
	for _, h := range hosts {
		opts, err := reg.Resolve(h.Name, overrides)
		if err != nil {
			return fmt.Errorf("%s: %w", h.Name, err)
		}
		via := "direct"
		switch {
		case opts.Proxy != nil:
			via = fmt.Sprint("proxy ", opts.Proxy)
		case opts.Relay != nil:
			via = "relay " + opts.RelayName
		}
		fmt.Fprintf(w, "%s\t%s@%s\tprompt=%s\ttimeout=%v\twaittime=%v\tbinmode=%s\tretry=%d\t%s\n",
			h.Name, opts.SSH.User, opts.SSH.Addr(), strconv.Quote(opts.Prompt.String()),
			opts.Timeout, opts.Waittime, strconv.FormatBool(opts.Binmode), opts.MaxRetry, via)
	}
	return nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `harvest v%s

Prompt-driven command execution over SSH.

Usage:
  harvest HOST_PATTERN [options]              Interactive session
  harvest HOST_PATTERN -e CMD [-e CMD...]     Run commands and quit
  harvest [HOST_PATTERN] -l                   List hosts

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  harvest web1                                Shell on web1
  harvest 'web*' -e uptime -j 4               uptime on every web host
  harvest 'sw*' -c backup -L ./logs           Run the template's backup command
  harvest -l                                  List the inventory
`)
}
