package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"harvest/internal/capability"
	"harvest/internal/logsink"
	"harvest/internal/metrics"
	"harvest/inventory"
	"harvest/util"
)

// ConnectMode establishes a session to a single host and runs a
// capability on it, by default relaying the terminal to the remote
// shell.
type ConnectMode struct {
	Registry   *inventory.Registry
	Host       string
	Overrides  map[string]any
	LogDir     string
	Capability capability.Capability
	Logger     *util.Logger
	Metrics    *metrics.Collector

	// Stdout/Stderr default to os.Stdout/os.Stderr when nil.
	// Override in tests for deterministic I/O.
	Stdout io.Writer
	Stderr io.Writer
}

func (m *ConnectMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

func (m *ConnectMode) stderr() io.Writer {
	if m.Stderr != nil {
		return m.Stderr
	}
	return os.Stderr
}

// Run connects to the host and hands the session to the capability.
// The session is closed when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	fmt.Fprintf(m.stderr(), "Trying %s...\n", m.Host)
	fmt.Fprintln(m.stderr(), "Escape character is '^]'.")

	sinks := []logsink.Sink{logsink.Stream("stdout", m.stdout())}
	if s, ok := logFile(m.LogDir, m.Host); ok {
		sinks = append(sinks, s)
	}

	logger := m.Logger.With("host", m.Host)
	conn, err := m.Registry.Connect(ctx, m.Host, inventory.ConnectOptions{
		Overrides: m.Overrides,
		Logs:      sinks,
		Logger:    logger,
		Metrics:   m.Metrics,
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Host, err)
	}
	defer conn.Close()

	logger.Verbose("connected (session %s)", conn.ID())
	return m.Capability.Handle(ctx, conn)
}
