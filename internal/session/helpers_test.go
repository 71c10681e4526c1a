package session

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"harvest/internal/logsink"
)

// remoteEnd is the far side of a pipe-backed Conn.
type remoteEnd struct {
	out *io.PipeWriter // what the shell prints

	mu  sync.Mutex
	got bytes.Buffer // what the session sent
}

func (r *remoteEnd) print(t *testing.T, s string) {
	t.Helper()
	if _, err := r.out.Write([]byte(s)); err != nil {
		t.Fatalf("remote write: %v", err)
	}
}

func (r *remoteEnd) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got.String()
}

type pipeShell struct{ closers []io.Closer }

func (pipeShell) RequestPty(string, int, int, ssh.TerminalModes) error { return nil }
func (pipeShell) StdinPipe() (io.WriteCloser, error)                  { return nil, nil }
func (pipeShell) StdoutPipe() (io.Reader, error)                      { return nil, nil }
func (pipeShell) Shell() error                                        { return nil }

func (p pipeShell) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

type nopTransport struct{}

func (nopTransport) NewSession() (Shell, error) { return pipeShell{}, nil }
func (nopTransport) Close() error               { return nil }

// pipeConn builds a Conn over in-memory pipes, bypassing Establish.
func pipeConn(t *testing.T, opts Options) (*Conn, *remoteEnd) {
	t.Helper()
	if opts.Prompt == nil {
		opts.Prompt = MustCompile(`\$ \z`)
	}
	opts.Name = "pipe"
	opts.setDefaults()

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	r := &remoteEnd{out: outW}
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := inR.Read(buf)
			r.mu.Lock()
			r.got.Write(buf[:n])
			r.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	c := &Conn{
		id:        "test",
		opts:      opts,
		transport: nopTransport{},
		shell:     pipeShell{closers: []io.Closer{outR, outW, inR, inW}},
		pump:      newPump(outR, inW, opts.Metrics),
		norm:      newNormalizer(opts.EOL),
		logs:      logsink.New(nil),
		prompt:    opts.Prompt,
		binmode:   opts.Binmode,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	t.Cleanup(func() { c.Close() })
	return c, r
}
