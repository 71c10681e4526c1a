// Package config defines the runtime configuration of a harvest run and
// turns it into per-session option overrides.
package config

import (
	"strconv"
	"time"

	herr "harvest/internal/errors"
)

// Config holds every tuneable for a single harvest run.
type Config struct {
	// ── Selection ────────────────────────────────────────────────────
	Pattern   string   // host name or glob
	Inventory []string // -i: inventory files
	Templates []string // -t: template files or directories

	// ── Action ───────────────────────────────────────────────────────
	List bool     // -l: list matching hosts
	Exec []string // -e: command lines to run, in order
	Call []string // -c: bound template commands to run after Exec
	Jobs int      // -j: hosts run concurrently

	// ── Session overrides (nil / zero means "not set") ────────────────
	Timeout  *time.Duration
	Waittime *time.Duration
	Binmode  string // raw value; validated when options are resolved
	MaxRetry int
	Proxy    string

	// ── Output ───────────────────────────────────────────────────────
	LogDir  string // -L: per-host log files
	Quiet   bool   // no stdout mirror in exec mode
	Verbose int
}

// Interactive reports whether the run attaches the terminal to a single
// host, the default when neither -l, -e nor -c is given.
func (c *Config) Interactive() bool {
	return !c.List && len(c.Exec) == 0 && len(c.Call) == 0
}

// Overrides returns the session options set on the command line or in
// the environment, keyed like inventory options.  They take precedence
// over host entries and templates.
func (c *Config) Overrides() map[string]any {
	o := make(map[string]any)
	if c.Timeout != nil {
		o["timeout"] = *c.Timeout
	}
	if c.Waittime != nil {
		o["waittime"] = *c.Waittime
	}
	if c.Binmode != "" {
		if b, err := strconv.ParseBool(c.Binmode); err == nil {
			o["binmode"] = b
		} else {
			o["binmode"] = c.Binmode
		}
	}
	if c.MaxRetry > 0 {
		o["max_retry"] = c.MaxRetry
	}
	if c.Proxy != "" {
		o["proxy"] = c.Proxy
	}
	return o
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Pattern == "" && !c.List {
		return &herr.ConfigError{
			Field:   "pattern",
			Message: "a host name or pattern is required",
			Hint:    "use -l to list the inventory",
		}
	}
	if c.List && (len(c.Exec) > 0 || len(c.Call) > 0) {
		return &herr.ConfigError{
			Field:   "list",
			Message: "-l cannot be combined with -e or -c",
		}
	}
	if c.Jobs < 1 {
		return &herr.ConfigError{
			Field:   "jobs",
			Value:   c.Jobs,
			Message: "must be at least 1",
			Hint:    "use --jobs 1 to run hosts one at a time",
		}
	}
	if c.Timeout != nil && *c.Timeout < 0 {
		return &herr.ConfigError{
			Field:   "timeout",
			Value:   *c.Timeout,
			Message: "must not be negative",
			Hint:    "use --timeout 0 to wait for the prompt forever",
		}
	}
	if c.Waittime != nil && *c.Waittime < 0 {
		return &herr.ConfigError{
			Field:   "waittime",
			Value:   *c.Waittime,
			Message: "must not be negative",
		}
	}
	if c.MaxRetry < 0 {
		return &herr.ConfigError{
			Field:   "max-retry",
			Value:   c.MaxRetry,
			Message: "must not be negative",
			Hint:    "--max-retry counts total connection attempts",
		}
	}
	if len(c.Inventory) == 0 {
		return &herr.ConfigError{
			Field:   "inventory",
			Message: "at least one inventory file is required",
		}
	}
	return nil
}
