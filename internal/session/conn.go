// Package session drives an interactive shell on a remote host the
// way "expect" does: send a line, then read until a prompt pattern
// shows up again, returning the text in between.
//
// A [Conn] is a single-goroutine state machine.  Only [Conn.Abort] may
// be called from another goroutine.  Independent Conns can run in
// parallel.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	herr "harvest/internal/errors"
	"harvest/internal/logsink"
	"harvest/internal/metrics"
	"harvest/internal/retry"
	"harvest/util"
)

// Transport is an authenticated connection able to open shell
// sessions.  *ssh.Client satisfies it through [DialSSH].
type Transport interface {
	NewSession() (Shell, error)
	Close() error
}

// Shell is the subset of *ssh.Session a Conn drives.
type Shell interface {
	RequestPty(term string, height, width int, modes ssh.TerminalModes) error
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	Shell() error
	Close() error
}

// Conn is one interactive shell session.
type Conn struct {
	id            string
	opts          Options
	transport     Transport
	ownsTransport bool
	shell         Shell
	pump          *pump
	norm          *normalizer
	logs          *logsink.Registry
	prompt        Matcher
	binmode       bool
	echo          []byte // unmatched rest of the last Puts line
	held          []byte // output matching the start of echo, not yet logged
	banner        string
	logger        *util.Logger
	metrics       *metrics.Collector
	closed        bool
}

// Establish opens the transport (retrying up to opts.MaxRetry attempts
// in total), starts a shell on a pseudo-terminal, enables the log
// sinks and waits for the first prompt.
//
// Invalid options fail before any network activity.  A transport that
// cannot be opened yields a [*herr.ConnectionError]; a rejected pty or
// shell request yields a [*herr.ChannelSetupError] and is not retried.
// Local auth or host key setup failures (an unreadable key, a missing
// known_hosts file) and an open gateway circuit also end the attempts
// at once, whatever MaxRetry says.
func Establish(ctx context.Context, opts Options) (*Conn, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := opts.Logger.With("host", opts.Name)
	logger.Debug("session %s: establishing", id)

	tr, owned := opts.Transport, false
	if tr == nil {
		var err error
		if tr, err = dialWithRetry(ctx, &opts, logger); err != nil {
			opts.Metrics.RecordError(err.Error())
			return nil, err
		}
		owned = true
	}

	c := &Conn{
		id:            id,
		opts:          opts,
		transport:     tr,
		ownsTransport: owned,
		norm:          newNormalizer(opts.EOL),
		logs:          logsink.New(logger),
		prompt:        opts.Prompt,
		binmode:       opts.Binmode,
		logger:        logger,
		metrics:       opts.Metrics,
	}
	if err := c.requestShell(); err != nil {
		if owned {
			tr.Close() //nolint:errcheck
		}
		opts.Metrics.RecordError(err.Error())
		return nil, err
	}
	opts.Metrics.SessionOpened()

	for _, s := range opts.Logs {
		if err := c.logs.Enable(s); err != nil {
			c.Close() //nolint:errcheck
			return nil, err
		}
	}

	if !opts.SkipInitialWait {
		banner, err := c.WaitFor(nil)
		if err != nil {
			c.Close() //nolint:errcheck
			return nil, fmt.Errorf("%s: waiting for first prompt: %w", opts.Name, err)
		}
		c.banner = banner
	}
	logger.Verbose("session %s ready", id)
	return c, nil
}

func dialWithRetry(ctx context.Context, opts *Options, logger *util.Logger) (Transport, error) {
	var (
		tr       Transport
		lastErr  error
		attempts int
	)
	b := &retry.Backoff{
		InitialDelay: opts.RetryDelay,
		MaxDelay:     8 * opts.RetryDelay,
		MaxAttempts:  opts.MaxRetry,
		Jitter:       true,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("connect attempt %d/%d failed: %v; retrying in %v",
				attempt, opts.MaxRetry, err, wait.Truncate(time.Millisecond))
		},
	}
	err := b.Do(ctx, func(attempt int) error {
		attempts = attempt
		opts.Metrics.ConnectAttempt()
		t, err := opts.Dial(ctx, opts)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		tr = t
		return nil
	})
	if err == nil {
		return tr, nil
	}
	if lastErr == nil {
		lastErr = err
	} else if ctx.Err() != nil {
		lastErr = fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
	}
	return nil, &herr.ConnectionError{
		Host:     opts.SSH.Host,
		Port:     opts.SSH.Port,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// retryable reports whether another connection attempt could succeed.
// Local auth setup problems and an open gateway circuit will not go
// away by retrying.
func retryable(err error) bool {
	if errors.Is(err, herr.ErrCircuitOpen) || errors.Is(err, herr.ErrInvalidArgument) {
		return false
	}
	var se *herr.SSHError
	if errors.As(err, &se) && (se.Op == "auth" || se.Op == "hostkey") {
		return false
	}
	return true
}

// requestShell opens a session channel, requests a pty and a shell,
// and starts the pump on the channel's stdio.
func (c *Conn) requestShell() error {
	host := c.opts.Name
	sh, err := c.transport.NewSession()
	if err != nil {
		return &herr.ChannelSetupError{Host: host, Request: "session", Err: err}
	}
	stdin, err := sh.StdinPipe()
	if err != nil {
		sh.Close()
		return &herr.ChannelSetupError{Host: host, Request: "session", Err: err}
	}
	stdout, err := sh.StdoutPipe()
	if err != nil {
		sh.Close()
		return &herr.ChannelSetupError{Host: host, Request: "session", Err: err}
	}
	pty := c.opts.PTY
	if err := sh.RequestPty(pty.Term, pty.Height, pty.Width, pty.Modes); err != nil {
		sh.Close()
		return &herr.ChannelSetupError{Host: host, Request: "pty-req", Err: err}
	}
	if err := sh.Shell(); err != nil {
		sh.Close()
		return &herr.ChannelSetupError{Host: host, Request: "shell", Err: err}
	}
	c.shell = sh
	c.pump = newPump(stdout, stdin, c.metrics)
	return nil
}

// Write sends p to the shell unchanged and drains once.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, herr.ErrSessionClosed
	}
	if err := c.pump.send(p); err != nil {
		return 0, fmt.Errorf("write to %s: %w", c.opts.Name, err)
	}
	return len(p), nil
}

// Print sends s, with "\n" rewritten to the terminator unless the
// session is in binary mode.
func (c *Conn) Print(s string) error {
	if !c.binmode {
		s = strings.ReplaceAll(s, "\n", c.opts.Terminator)
	}
	_, err := c.Write([]byte(s))
	return err
}

// Puts sends s followed by a newline.  The remote echo of the line is
// kept out of the log sinks.
func (c *Conn) Puts(s string) error {
	line := s + "\n"
	c.releaseEcho()
	if !c.binmode {
		c.echo = []byte(line)
	}
	c.metrics.CommandSent()
	c.logger.Debug("> %s", s)
	return c.Print(line)
}

// Cmd sends s and waits for the prompt, returning everything the shell
// printed in between, echo and prompt included.
func (c *Conn) Cmd(s string, opts ...ExpectOption) (string, error) {
	if err := c.Puts(s); err != nil {
		return "", err
	}
	return c.WaitFor(nil, opts...)
}

// Call runs the bound command name.
func (c *Conn) Call(name string) (string, error) {
	cmd, ok := c.opts.Commands[name]
	if !ok {
		return "", fmt.Errorf("%w: %q on %s", herr.ErrUnknownCommand, name, c.opts.Name)
	}
	c.logger.Verbose("calling %s", name)
	return cmd(c)
}

// Commands returns the sorted names of the bound commands.
func (c *Conn) Commands() []string {
	names := make([]string, 0, len(c.opts.Commands))
	for name := range c.opts.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interact forwards every line read from in as a command.  The line
// "exit" closes the session.  It returns nil when the user exits or in
// is exhausted; a read timeout only ends the current command.
func (c *Conn) Interact(in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "exit" {
			return c.Close()
		}
		_, err := c.Cmd(line)
		switch {
		case err == nil:
		case errors.Is(err, herr.ErrReadTimeout):
			c.logger.Warn("%s: %v", c.opts.Name, err)
		default:
			return err
		}
		if c.pump.eof {
			c.logger.Verbose("remote closed the session")
			return nil
		}
	}
	return sc.Err()
}

// Close closes the shell channel, the log files the session opened
// and, if the session dialled it, the transport.  It is idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.releaseEcho()
	c.pump.close()

	var errs []error
	if err := c.shell.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, fmt.Errorf("close shell: %w", err))
	}
	if err := c.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.ownsTransport {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	c.metrics.SessionClosed()
	c.logger.Debug("session %s closed", c.id)
	return errors.Join(errs...)
}

// Abort closes the shell channel, and the transport if the session
// owns it, so a WaitFor blocked in another goroutine sees end of
// stream.  It is the only method safe to call concurrently; Close must
// still be called afterwards.
func (c *Conn) Abort() {
	c.logger.Debug("session %s aborted", c.id)
	c.shell.Close() //nolint:errcheck
	if c.ownsTransport {
		c.transport.Close() //nolint:errcheck
	}
}

// ID returns the session's unique id.
func (c *Conn) ID() string { return c.id }

// Name returns the host name the session was established for.
func (c *Conn) Name() string { return c.opts.Name }

// Banner returns the text read while waiting for the first prompt.
func (c *Conn) Banner() string { return c.banner }

// Prompt returns the session's default matcher.
func (c *Conn) Prompt() Matcher { return c.prompt }

// SetPrompt replaces the default matcher.
func (c *Conn) SetPrompt(m Matcher) { c.prompt = m }

// Binmode reports whether line terminators pass through untouched.
func (c *Conn) Binmode() bool { return c.binmode }

// SetBinmode switches binary mode.
func (c *Conn) SetBinmode(on bool) { c.binmode = on }

// EOF reports whether the remote side has closed the channel.
func (c *Conn) EOF() bool { return c.pump.eof }

// Logs returns the session's log sink registry.
func (c *Conn) Logs() *logsink.Registry { return c.logs }
