package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"harvest/config"
	"harvest/internal/capability"
	"harvest/internal/logsink"
	"harvest/internal/metrics"
	"harvest/internal/retry"
	"harvest/internal/transport"
	"harvest/inventory"
	"harvest/util"
)

// Result is the outcome of one host in a RunMode.
type Result struct {
	Host   string
	Output string // everything the session logged
	Err    error
}

// RunMode runs a capability on every selected host, at most Jobs at a
// time.  With more than one host the stdout mirror prefixes each line
// with the host name.  A failing host does not stop the others.
type RunMode struct {
	Registry   *inventory.Registry
	Hosts      []string
	Overrides  map[string]any
	Capability capability.Capability
	Jobs       int
	LogDir     string
	Quiet      bool // no stdout mirror
	Breaker    *retry.CircuitBreakerConfig
	Logger     *util.Logger
	Metrics    *metrics.Collector

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer

	results []Result
}

func (m *RunMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run executes the capability on every host and returns the joined
// per-host errors, each prefixed with its host name.
func (m *RunMode) Run(ctx context.Context) error {
	gateways := transport.NewGatewayPool(m.Breaker, m.Logger, m.Metrics)
	defer gateways.Close()

	width := 0
	for _, h := range m.Hosts {
		width = max(width, len(h))
	}
	var stdoutMu sync.Mutex

	jobs := m.Jobs
	if jobs < 1 {
		jobs = 1
	}
	var g errgroup.Group
	g.SetLimit(jobs)

	m.results = make([]Result, len(m.Hosts))
	for i, host := range m.Hosts {
		var mirror io.Writer
		if !m.Quiet {
			mirror = m.stdout()
			if len(m.Hosts) > 1 {
				prefix := fmt.Sprintf("%-*s | ", width, host)
				mirror = logsink.NewPrefixWriter(mirror, prefix, &stdoutMu)
			}
		}
		g.Go(func() error {
			m.results[i] = m.runHost(ctx, host, mirror, gateways)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-host errors are kept in results

	m.Logger.Debug("metrics: %s", m.Metrics.JSON())

	var errs []error
	for _, r := range m.results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Host, r.Err))
		}
	}
	if len(errs) > 0 {
		m.Logger.Verbose("%d of %d host(s) failed", len(errs), len(m.Hosts))
	}
	return errors.Join(errs...)
}

// Results returns the per-host outcomes of the last Run, in host order.
func (m *RunMode) Results() []Result {
	return append([]Result(nil), m.results...)
}

func (m *RunMode) runHost(ctx context.Context, host string, mirror io.Writer, gateways *transport.GatewayPool) Result {
	var buf bytes.Buffer
	sinks := []logsink.Sink{logsink.Stream("buffer", &buf)}
	if mirror != nil {
		sinks = append(sinks, logsink.Stream("stdout", mirror))
	}
	if s, ok := logFile(m.LogDir, host); ok {
		sinks = append(sinks, s)
	}

	logger := m.Logger.With("host", host)
	res := Result{Host: host}
	conn, err := m.Registry.Connect(ctx, host, inventory.ConnectOptions{
		Overrides: m.Overrides,
		Logs:      sinks,
		Gateways:  gateways,
		Logger:    logger,
		Metrics:   m.Metrics,
	})
	if err != nil {
		res.Err = err
		m.Metrics.RecordError(fmt.Sprintf("%s: %v", host, err))
		logger.Error("%v", err)
		return res
	}

	res.Err = m.Capability.Handle(ctx, conn)
	if err := conn.Close(); err != nil && res.Err == nil {
		res.Err = err
	}
	res.Output = buf.String()
	if mirror != nil && !strings.HasSuffix(res.Output, "\n") && res.Output != "" {
		// finish the last prompt line so the next host starts clean
		mirror.Write([]byte("\n")) //nolint:errcheck
	}
	if res.Err != nil {
		m.Metrics.RecordError(fmt.Sprintf("%s: %v", host, res.Err))
		logger.Error("%v", res.Err)
	}
	return res
}

// gatewayBreaker is the circuit breaker policy for relay gateways.
func gatewayBreaker() *retry.CircuitBreakerConfig {
	return &retry.CircuitBreakerConfig{
		MaxFailures:  config.DefaultGatewayFailures,
		ResetTimeout: config.DefaultGatewayCooldown,
	}
}
