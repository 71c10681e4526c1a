package session

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"

	herr "harvest/internal/errors"
	"harvest/internal/logsink"
	"harvest/internal/metrics"
	"harvest/internal/transport"
	"harvest/tunnel"
	"harvest/util"
)

// Session defaults.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultTerminator = "\n"
	DefaultEOL        = "\r\n"
	DefaultTerm       = "vt100"
	DefaultWidth      = 80
	DefaultHeight     = 24
	DefaultRetryDelay = time.Second
)

// PTY describes the pseudo-terminal requested for the shell.
type PTY struct {
	Term   string
	Width  int
	Height int
	Modes  ssh.TerminalModes
}

// Command is a bound command: a named unit of work run against an
// established session.
type Command func(c *Conn) (string, error)

// DialFunc opens the authenticated transport for a session.
type DialFunc func(ctx context.Context, opts *Options) (Transport, error)

// Options is the fully resolved configuration of one session.  Only
// the prompt and binary mode can change after Establish, through
// [Conn.SetPrompt] and [Conn.SetBinmode].
type Options struct {
	// Name is the inventory name of the host; defaults to SSH.Host.
	Name string
	// SSH is the endpoint and credentials of the host.
	SSH tunnel.SSHConfig

	// ── Expect ──
	Prompt   Matcher
	Timeout  time.Duration // absolute read timeout; 0 waits forever
	Waittime time.Duration // settle time after an apparent match
	FailEOF  bool

	// ── Line handling ──
	Terminator string // sent in place of "\n"
	EOL        string // received sequence rewritten to "\n"
	Binmode    bool
	PTY        PTY

	// ── Reachability ──
	Relay     *tunnel.SSHConfig
	RelayName string
	Gateways  *transport.GatewayPool
	Proxy     transport.Dialer

	// ── Establishment ──
	MaxRetry        int // total connection attempts
	RetryDelay      time.Duration
	Transport       Transport // pre-opened; never closed by the session
	Dial            DialFunc  // defaults to DialSSH
	SkipInitialWait bool

	Logs     []logsink.Sink
	Commands map[string]Command

	Logger  *util.Logger
	Metrics *metrics.Collector
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = o.SSH.Host
	}
	if o.Terminator == "" {
		o.Terminator = DefaultTerminator
	}
	if o.EOL == "" {
		o.EOL = DefaultEOL
	}
	if o.PTY.Term == "" {
		o.PTY.Term = DefaultTerm
	}
	if o.PTY.Width == 0 {
		o.PTY.Width = DefaultWidth
	}
	if o.PTY.Height == 0 {
		o.PTY.Height = DefaultHeight
	}
	if o.PTY.Modes == nil {
		o.PTY.Modes = ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
	}
	if o.MaxRetry == 0 {
		o.MaxRetry = 1
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Dial == nil {
		o.Dial = DialSSH
	}
	if o.Logger == nil {
		o.Logger = util.NewLogger(0)
	}
}

func (o *Options) validate() error {
	switch {
	case o.Prompt == nil:
		return herr.InvalidArgument("prompt", nil, "a prompt pattern is required")
	case o.MaxRetry < 0:
		return herr.InvalidArgument("max_retry", o.MaxRetry, "must not be negative")
	case o.Timeout < 0:
		return herr.InvalidArgument("timeout", o.Timeout, "must not be negative")
	case o.Waittime < 0:
		return herr.InvalidArgument("waittime", o.Waittime, "must not be negative")
	case o.Name == "" && o.Transport == nil:
		return herr.InvalidArgument("host", nil, "a host name is required")
	}
	return nil
}
