package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"harvest/internal/metrics"
	"harvest/internal/retry"
	"harvest/tunnel"
	"harvest/util"
)

// GatewayPool shares relay gateways between the sessions of a run.
// Hosts behind the same gateway reuse one SSH connection to it, and a
// circuit breaker per gateway fails them fast once it keeps refusing.
type GatewayPool struct {
	mu      sync.Mutex
	entries map[string]*gateway
	breaker *retry.CircuitBreakerConfig
	logger  *util.Logger
	metrics *metrics.Collector
	newDial func(cfg *tunnel.SSHConfig) gatewayDialer
}

// gatewayDialer is a Dialer whose gateway connection can be brought up
// separately from forwarding, so only gateway failures trip the breaker.
type gatewayDialer interface {
	Dialer
	Connect(ctx context.Context) error
}

type gateway struct {
	dialer  gatewayDialer
	breaker *retry.CircuitBreaker
}

// NewGatewayPool returns an empty pool.  A nil breaker config uses
// [retry.DefaultCircuitBreakerConfig].
func NewGatewayPool(breaker *retry.CircuitBreakerConfig, logger *util.Logger, m *metrics.Collector) *GatewayPool {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	p := &GatewayPool{
		entries: make(map[string]*gateway),
		breaker: breaker,
		logger:  logger,
		metrics: m,
	}
	p.newDial = func(cfg *tunnel.SSHConfig) gatewayDialer {
		return NewSSHDialer(cfg, p.logger.With("gateway", cfg.Host), p.metrics)
	}
	return p
}

// Dialer returns a dialer that routes through the gateway for relay.
// The returned dialer's Close is a no-op: the pool owns the gateway.
func (p *GatewayPool) Dialer(relay *tunnel.SSHConfig) Dialer {
	return &pooledDialer{pool: p, gw: p.get(relay), key: relay.Key()}
}

// Len returns the number of distinct gateways opened so far.
func (p *GatewayPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// State returns the breaker state of the gateway for relay.
func (p *GatewayPool) State(relay *tunnel.SSHConfig) retry.State {
	return p.get(relay).breaker.CurrentState()
}

// Failures returns the consecutive connect failures counted against
// the gateway for relay.
func (p *GatewayPool) Failures(relay *tunnel.SSHConfig) int {
	return p.get(relay).breaker.Failures()
}

// Close tears down every gateway.
func (p *GatewayPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for key, gw := range p.entries {
		if err := gw.dialer.Close(); err != nil && first == nil {
			first = fmt.Errorf("close gateway %s: %w", key, err)
		}
		delete(p.entries, key)
	}
	return first
}

func (p *GatewayPool) get(relay *tunnel.SSHConfig) *gateway {
	key := relay.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if gw, ok := p.entries[key]; ok {
		return gw
	}
	cfg := *p.breakerConfig()
	cfg.OnStateChange = func(from, to retry.State) {
		p.logger.Warn("gateway %s: circuit %s -> %s", key, from, to)
	}
	cp := *relay
	gw := &gateway{
		dialer:  p.newDial(&cp),
		breaker: retry.NewCircuitBreaker(&cfg),
	}
	p.entries[key] = gw
	return gw
}

func (p *GatewayPool) breakerConfig() *retry.CircuitBreakerConfig {
	if p.breaker != nil {
		return p.breaker
	}
	return retry.DefaultCircuitBreakerConfig()
}

type pooledDialer struct {
	pool *GatewayPool
	gw   *gateway
	key  string
}

func (d *pooledDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	err := d.gw.breaker.Execute(func() error {
		return d.gw.dialer.Connect(ctx)
	})
	if err != nil {
		d.pool.metrics.RecordError(err.Error())
		d.pool.logger.Debug("gateway %s: %d consecutive failures, circuit %s",
			d.key, d.gw.breaker.Failures(), d.gw.breaker.CurrentState())
		return nil, fmt.Errorf("via %s: %w", d.key, err)
	}
	conn, err := d.gw.dialer.Dial(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("via %s: %w", d.key, err)
	}
	return conn, nil
}

func (d *pooledDialer) Close() error { return nil }
