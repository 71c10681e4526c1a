package core

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ListMode prints the names of the selected hosts, one per line.
type ListMode struct {
	Hosts []string

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

// Run prints the host list.
func (m *ListMode) Run(context.Context) error {
	out := m.Stdout
	if out == nil {
		out = os.Stdout
	}
	for _, name := range m.Hosts {
		if _, err := fmt.Fprintln(out, name); err != nil {
			return err
		}
	}
	return nil
}
