package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the HARVEST_ prefix.  HARVEST_INVENTORY
// and HARVEST_TEMPLATE take a path list separated like $PATH.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HARVEST_INVENTORY"); v != "" {
		cfg.Inventory = filepath.SplitList(v)
	}
	if v := os.Getenv("HARVEST_TEMPLATE"); v != "" {
		cfg.Templates = filepath.SplitList(v)
	}
	if v := os.Getenv("HARVEST_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := envInt("HARVEST_JOBS"); v > 0 {
		cfg.Jobs = v
	}
	if v, ok := envDuration("HARVEST_TIMEOUT", time.Second); ok {
		cfg.Timeout = &v
	}
	if v, ok := envDuration("HARVEST_WAITTIME_MS", time.Millisecond); ok {
		cfg.Waittime = &v
	}
	if v := os.Getenv("HARVEST_BINMODE"); v != "" {
		cfg.Binmode = v
	}
	if v := envInt("HARVEST_MAX_RETRY"); v > 0 {
		cfg.MaxRetry = v
	}
	if v := os.Getenv("HARVEST_PROXY"); v != "" {
		cfg.Proxy = v
	}

	// Output
	if v := envInt("HARVEST_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// envDuration reads a non-negative integer count of unit.  Zero is a
// valid value, so presence is reported separately.
func envDuration(key string, unit time.Duration) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}
