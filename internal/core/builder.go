package core

import (
	"fmt"
	"path/filepath"

	"harvest/config"
	"harvest/internal/capability"
	herr "harvest/internal/errors"
	"harvest/internal/logsink"
	"harvest/internal/metrics"
	"harvest/inventory"
	"harvest/util"
)

// Build constructs the appropriate Mode from the given configuration.
// Hosts are selected from reg by cfg.Pattern.
func Build(cfg *config.Config, reg *inventory.Registry, logger *util.Logger) (Mode, error) {
	hosts, err := reg.Query(cfg.Pattern)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}

	if cfg.List {
		return &ListMode{Hosts: names}, nil
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %q", herr.ErrNoHosts, cfg.Pattern)
	}

	m := metrics.New()
	if cfg.Interactive() {
		return buildConnect(cfg, reg, names, logger, m)
	}
	return buildRun(cfg, reg, names, logger, m), nil
}

// ── mode builders ────────────────────────────────────────────────────

func buildConnect(cfg *config.Config, reg *inventory.Registry, names []string, logger *util.Logger, m *metrics.Collector) (Mode, error) {
	if len(names) != 1 {
		return nil, &herr.ConfigError{
			Field:   "pattern",
			Value:   cfg.Pattern,
			Message: fmt.Sprintf("matches %d hosts; an interactive session needs exactly one", len(names)),
			Hint:    "use -e or -c to run commands on several hosts",
		}
	}
	return &ConnectMode{
		Registry:   reg,
		Host:       names[0],
		Overrides:  cfg.Overrides(),
		LogDir:     cfg.LogDir,
		Capability: &capability.Relay{},
		Logger:     logger,
		Metrics:    m,
	}, nil
}

func buildRun(cfg *config.Config, reg *inventory.Registry, names []string, logger *util.Logger, m *metrics.Collector) Mode {
	return &RunMode{
		Registry:  reg,
		Hosts:     names,
		Overrides: cfg.Overrides(),
		Capability: &capability.Exec{
			Lines: cfg.Exec,
			Calls: cfg.Call,
		},
		Jobs:    cfg.Jobs,
		LogDir:  cfg.LogDir,
		Quiet:   cfg.Quiet,
		Breaker: gatewayBreaker(),
		Logger:  logger,
		Metrics: m,
	}
}

// ── shared helpers ───────────────────────────────────────────────────

// logFile returns the per-host log sink under dir, or false if logging
// to files is off.
func logFile(dir, host string) (logsink.Sink, bool) {
	if dir == "" {
		return logsink.Sink{}, false
	}
	return logsink.File(filepath.Join(util.ExpandHome(dir), host+".log")), true
}
