// Package sessiontest provides an in-memory remote shell and an
// in-process SSH server for tests of code built on package session.
package sessiontest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"harvest/internal/session"
)

// Remote is a scripted line-oriented shell.  It prints Banner and
// Prompt, then for every line received echoes it (as a pty would),
// prints Respond(line) and the prompt again.  "\n" in anything it
// prints goes out as "\r\n".  The line "exit" closes the stream.
//
// Remote implements [session.Transport]; every NewSession starts a
// fresh shell.
type Remote struct {
	Banner  string
	Prompt  string
	Respond func(line string) string
	// Hang reports lines after which no prompt is printed.
	Hang func(line string) bool
	// Raw turns the shell into cat: every byte is echoed unchanged and
	// no prompt follows.
	Raw bool
	// Trickle writes output one byte at a time, splitting terminators
	// across reads.
	Trickle bool

	RejectPty   bool
	RejectShell bool

	mu       sync.Mutex
	lines    []string
	ptyTerm  string
	sessions atomic.Int32
	closed   atomic.Bool
}

// Lines returns the command lines received so far.
func (r *Remote) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Term returns the terminal type of the last pty request.
func (r *Remote) Term() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ptyTerm
}

// Sessions returns how many shells were opened.
func (r *Remote) Sessions() int { return int(r.sessions.Load()) }

// Closed reports whether the transport was closed.
func (r *Remote) Closed() bool { return r.closed.Load() }

// NewSession implements session.Transport.
func (r *Remote) NewSession() (session.Shell, error) {
	if r.closed.Load() {
		return nil, errors.New("sessiontest: transport closed")
	}
	r.sessions.Add(1)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &shell{remote: r, inR: inR, inW: inW, outR: outR, outW: outW}, nil
}

// Close implements session.Transport.
func (r *Remote) Close() error {
	r.closed.Store(true)
	return nil
}

// Serve runs the shell over in and out until in ends, out fails or
// "exit" is received.
func (r *Remote) Serve(in io.Reader, out io.Writer) error {
	w := &crlfWriter{w: out, trickle: r.Trickle}
	if _, err := w.WriteString(r.Banner + r.Prompt); err != nil {
		return err
	}
	if r.Raw {
		_, err := io.Copy(rawWriter{w}, in)
		return err
	}

	br := bufio.NewReader(in)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		r.mu.Lock()
		r.lines = append(r.lines, line)
		r.mu.Unlock()

		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
		if line == "exit" {
			return nil
		}
		var reply string
		if r.Respond != nil {
			reply = r.Respond(line)
		}
		if r.Hang == nil || !r.Hang(line) {
			reply += r.Prompt
		}
		if _, err := w.WriteString(reply); err != nil {
			return err
		}
	}
}

// crlfWriter converts "\n" to "\r\n" like a pty in cooked mode.
type crlfWriter struct {
	w       io.Writer
	trickle bool
}

func (c *crlfWriter) WriteString(s string) (int, error) {
	return c.write([]byte(strings.ReplaceAll(s, "\n", "\r\n")))
}

func (c *crlfWriter) write(b []byte) (int, error) {
	if !c.trickle {
		return c.w.Write(b)
	}
	for i := range b {
		if _, err := c.w.Write(b[i : i+1]); err != nil {
			return i, err
		}
	}
	return len(b), nil
}

type rawWriter struct{ c *crlfWriter }

func (r rawWriter) Write(b []byte) (int, error) { return r.c.write(b) }

// shell is the in-memory session.Shell.
type shell struct {
	remote *Remote
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	once   sync.Once
}

func (s *shell) RequestPty(term string, _, _ int, _ ssh.TerminalModes) error {
	if s.remote.RejectPty {
		return errors.New("ssh: pty-req failed")
	}
	s.remote.mu.Lock()
	s.remote.ptyTerm = term
	s.remote.mu.Unlock()
	return nil
}

func (s *shell) StdinPipe() (io.WriteCloser, error) { return s.inW, nil }
func (s *shell) StdoutPipe() (io.Reader, error)     { return s.outR, nil }

func (s *shell) Shell() error {
	if s.remote.RejectShell {
		return errors.New("ssh: could not start shell")
	}
	go func() {
		err := s.remote.Serve(s.inR, s.outW)
		if err == nil {
			err = io.EOF
		}
		s.outW.CloseWithError(err)
	}()
	return nil
}

func (s *shell) Close() error {
	s.once.Do(func() {
		s.inW.Close()
		s.inR.Close()
		s.outW.Close()
	})
	return nil
}

// Dialer is a session.DialFunc source that fails the first Failures
// attempts before handing out Remote.
type Dialer struct {
	Remote   *Remote
	Failures int
	Err      error

	attempts atomic.Int32
}

// Dial implements session.DialFunc.
func (d *Dialer) Dial(ctx context.Context, _ *session.Options) (session.Transport, error) {
	n := int(d.attempts.Add(1))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= d.Failures || d.Remote == nil {
		if d.Err != nil {
			return nil, d.Err
		}
		return nil, errors.New("connection refused")
	}
	return d.Remote, nil
}

// Attempts returns how many times Dial was called.
func (d *Dialer) Attempts() int { return int(d.attempts.Load()) }
