// Package capability defines what happens over an established
// session.  Each Capability encapsulates a single behaviour (run a
// script of commands, hand the session to a terminal) and operates on
// a *session.Conn, which keeps capabilities testable and decoupled
// from how the session was reached.
package capability

import (
	"context"

	"harvest/internal/session"
)

// Capability drives a single established session.  Implementations
// include running command lines (Exec) and relaying a terminal to the
// remote shell (Relay).
type Capability interface {
	// Handle runs the capability against the given session.  It
	// blocks until the work is done or the context is cancelled, in
	// which case the session is aborted so blocked reads return.
	Handle(ctx context.Context, conn *session.Conn) error
}

// abortOnDone aborts conn when ctx is cancelled.  The returned func
// stops the watch.
func abortOnDone(ctx context.Context, conn *session.Conn) func() bool {
	return context.AfterFunc(ctx, conn.Abort)
}
