package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	herr "harvest/internal/errors"
	"harvest/util"
)

// Defaults applied by [SSHConfig.Normalize].
const (
	DefaultPort        = 22
	DefaultConnTimeout = 30 * time.Second
)

// SSHConfig describes one SSH endpoint: a target host or a relay
// gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	Password      string
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Normalize fills in the default port and handshake timeout.
func (c *SSHConfig) Normalize() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = DefaultConnTimeout
	}
}

// Addr returns host:port.
func (c *SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Key identifies the endpoint as user@host:port.  Gateways sharing a
// key are interchangeable.
func (c *SSHConfig) Key() string {
	return c.User + "@" + c.Addr()
}

// ClientConfig builds the x/crypto/ssh client configuration: auth
// methods, host-key policy and handshake timeout.
func ClientConfig(cfg *SSHConfig) (*ssh.ClientConfig, error) {
	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, herr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hkCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, herr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}
	timeout := cfg.ConnTimeout
	if timeout == 0 {
		timeout = DefaultConnTimeout
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         timeout,
	}, nil
}

// NewClient runs the SSH handshake over an already-dialled conn.  conn
// is closed if the handshake fails.
func NewClient(conn net.Conn, cfg *SSHConfig) (*ssh.Client, error) {
	sshCfg, err := ClientConfig(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// ssh.ClientConfig.Timeout only bounds the TCP dial, which the
	// caller already did; bound the handshake with a deadline instead.
	if sshCfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(sshCfg.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), sshCfg)
	if err != nil {
		conn.Close()
		return nil, herr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// SSHTunnel implements [Tunnel] by opening an SSH connection to a relay
// gateway and forwarding traffic with ssh.Client.Dial.
type SSHTunnel struct {
	config *SSHConfig
	client *ssh.Client
	logger *util.Logger
	mu     sync.RWMutex
	alive  bool
}

// NewSSHTunnel creates a tunnel that is ready to [SSHTunnel.Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	cfg.Normalize()
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Config returns the gateway endpoint.
func (t *SSHTunnel) Config() *SSHConfig { return t.config }

// Connect dials the SSH gateway and completes the handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	addr := t.config.Addr()
	t.logger.Debug("gateway: dialing %s as %s", addr, t.config.User)

	// Use a context-aware TCP dial so callers can cancel.
	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return herr.Wrap("dial", addr, err)
	}

	client, err := NewClient(tcpConn, t.config)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.mu.Unlock()

	go t.monitor(client)

	return nil
}

// Dial forwards a connection through the tunnel.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, herr.ErrNotConnected
	}

	t.logger.Debug("gateway %s: dialing %s %s", t.config.Host, network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", address, err)
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("gateway %s closed: %v", t.config.Host, err)
	} else {
		t.logger.Debug("gateway %s closed", t.config.Host)
	}
}
