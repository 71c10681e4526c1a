package capability

import (
	"context"
	"fmt"

	herr "harvest/internal/errors"
	"harvest/internal/session"
)

// Exec sends each command line in turn, waiting for the prompt after
// every one, then runs the named bound commands.  Output reaches the
// caller through the session's log sinks.
type Exec struct {
	Lines []string // -e: sent verbatim
	Calls []string // -c: bound template commands

	// ContinueOnTimeout keeps going after a command whose prompt never
	// came back.  The partial output has already reached the sinks.
	ContinueOnTimeout bool
}

// Handle runs the script.  The first failing step ends it; its error
// names the step.
func (e *Exec) Handle(ctx context.Context, conn *session.Conn) error {
	if len(e.Lines) == 0 && len(e.Calls) == 0 {
		return fmt.Errorf("no commands specified for exec mode")
	}
	defer abortOnDone(ctx, conn)()

	for _, line := range e.Lines {
		if err := e.step(ctx, line, func() error {
			_, err := conn.Cmd(line)
			return err
		}); err != nil {
			return err
		}
	}
	for _, name := range e.Calls {
		if err := e.step(ctx, "call "+name, func() error {
			_, err := conn.Call(name)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exec) step(ctx context.Context, what string, run func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if e.ContinueOnTimeout && herr.Is(err, herr.ErrReadTimeout) {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
