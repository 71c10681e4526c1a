package capability

import (
	"context"
	"io"
	"os"

	"harvest/internal/session"
)

// Relay hands the session to a terminal: input lines are sent as
// commands and output is mirrored through the session's sinks, until
// the input ends or the line "exit" is entered.
type Relay struct {
	// Stdin defaults to os.Stdin when nil.
	Stdin io.Reader
}

// Handle runs the interactive loop.
func (r *Relay) Handle(ctx context.Context, conn *session.Conn) error {
	in := r.Stdin
	if in == nil {
		in = os.Stdin
	}
	defer abortOnDone(ctx, conn)()

	err := conn.Interact(in)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
