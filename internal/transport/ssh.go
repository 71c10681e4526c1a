package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"harvest/internal/metrics"
	"harvest/tunnel"
	"harvest/util"
)

// SSHDialer routes connections through a relay gateway.  The gateway
// is connected lazily on the first Dial call, re-dialled if it drops,
// and torn down on Close.
type SSHDialer struct {
	tunnel    tunnel.Tunnel
	config    *tunnel.SSHConfig
	logger    *util.Logger
	metrics   *metrics.Collector
	mu        sync.Mutex
	connected bool
}

// NewSSHDialer creates a dialer that forwards connections through the
// gateway described by cfg.  Nothing is dialled until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger, m *metrics.Collector) *SSHDialer {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &SSHDialer{
		tunnel:  tunnel.NewSSHTunnel(cfg, logger),
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
}

// Connect establishes the gateway connection if it is not up.
func (d *SSHDialer) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		if d.tunnel.IsAlive() {
			return nil
		}
		d.logger.Verbose("gateway %s dropped, reconnecting", d.config.Host)
		d.tunnel.Close() //nolint:errcheck
		d.connected = false
		d.metrics.GatewayReconnect()
	}

	d.logger.Verbose("establishing gateway to %s", d.config.Key())

	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	d.connected = true
	d.logger.Verbose("gateway %s established", d.config.Host)
	return nil
}

// Dial connects to address through the gateway, lazily establishing
// the gateway on the first call.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the gateway connection.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.tunnel.Close()
	}
	return nil
}
