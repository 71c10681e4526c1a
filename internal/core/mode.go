// Package core is the orchestration layer.  It composes the inventory,
// sessions and capabilities into complete operational modes and
// provides a builder that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  session  →  capability  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point between the
// parsed command line and the work it asks for.
package core

import "context"

// Mode represents a complete operational mode of harvest (list, exec
// across hosts, or an interactive terminal on one host).  Each mode
// owns its full lifecycle from session establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
