package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.  Session-level
// defaults (prompt, terminator, pty size) belong to the session and
// inventory packages.

const (
	// DefaultInventory is read when no -i is given.
	DefaultInventory = "~/.harvestrc"

	// DefaultTemplate is read when no -t is given.  It is skipped
	// silently if it does not exist.
	DefaultTemplate = "~/.harvest.d"

	// DefaultJobs is how many hosts run at once in exec mode.
	DefaultJobs = 8

	// DefaultGatewayFailures is how many consecutive gateway connection
	// failures open a relay's circuit breaker.
	DefaultGatewayFailures = 3

	// DefaultGatewayCooldown is how long an open gateway circuit waits
	// before letting a probe connection through.
	DefaultGatewayCooldown = 30 * time.Second
)

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Inventory: []string{DefaultInventory},
		Templates: []string{DefaultTemplate},
		Jobs:      DefaultJobs,
		Verbose:   1,
	}
}
