package session_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herr "harvest/internal/errors"
	"harvest/internal/logsink"
	"harvest/internal/metrics"
	"harvest/internal/session"
	"harvest/internal/session/sessiontest"
	"harvest/internal/transport"
	"harvest/tunnel"
)

var prompt = session.MustCompile(`[$#] \z`)

func newRemote() *sessiontest.Remote {
	return &sessiontest.Remote{
		Banner: "Welcome to web1\n",
		Prompt: "web1$ ",
		Respond: func(line string) string {
			switch line {
			case "uname":
				return "Linux\n"
			case "ifconfig":
				return "eth0: 10.0.0.5\n"
			case "tail -f":
				return ""
			}
			return "sh: " + line + ": not found\n"
		},
		Hang: func(line string) bool { return line == "tail -f" },
	}
}

func establish(t *testing.T, remote *sessiontest.Remote, opts session.Options) *session.Conn {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "web1"
	}
	if opts.Prompt == nil {
		opts.Prompt = prompt
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	opts.Transport = remote
	c, err := session.Establish(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEstablish_WaitsForFirstPrompt(t *testing.T) {
	remote := newRemote()
	c := establish(t, remote, session.Options{})

	assert.Equal(t, "Welcome to web1\nweb1$ ", c.Banner())
	assert.Equal(t, "web1", c.Name())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "vt100", remote.Term())
}

func TestConn_Cmd(t *testing.T) {
	remote := newRemote()
	c := establish(t, remote, session.Options{})

	out, err := c.Cmd("uname")
	require.NoError(t, err)
	assert.Equal(t, "uname\nLinux\nweb1$ ", out)

	out, err = c.Cmd("ls")
	require.NoError(t, err)
	assert.Equal(t, "ls\nsh: ls: not found\nweb1$ ", out)
	assert.Equal(t, []string{"uname", "ls"}, remote.Lines())
}

func TestConn_CmdTrickledOutput(t *testing.T) {
	remote := newRemote()
	remote.Trickle = true
	c := establish(t, remote, session.Options{})

	out, err := c.Cmd("ifconfig")
	require.NoError(t, err)
	assert.Equal(t, "ifconfig\neth0: 10.0.0.5\nweb1$ ", out)
}

func TestConn_CmdOverrides(t *testing.T) {
	remote := newRemote()
	c := establish(t, remote, session.Options{})

	start := time.Now()
	out, err := c.Cmd("tail -f", session.WithTimeout(100*time.Millisecond))
	assert.ErrorIs(t, err, herr.ErrReadTimeout)
	assert.Equal(t, "tail -f\n", out)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEstablish_InvalidOptionsFailBeforeDialing(t *testing.T) {
	d := &sessiontest.Dialer{Remote: newRemote()}

	_, err := session.Establish(context.Background(), session.Options{
		Name: "web1",
		Dial: d.Dial,
	})
	assert.ErrorIs(t, err, herr.ErrInvalidArgument)

	var ae *herr.ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "prompt", ae.Name)
	assert.Zero(t, d.Attempts(), "no network activity before validation")
}

func TestEstablish_RetryBudget(t *testing.T) {
	for _, budget := range []int{1, 2, 4} {
		m := metrics.New()
		d := &sessiontest.Dialer{Failures: 100, Err: errors.New("connection refused")}

		_, err := session.Establish(context.Background(), session.Options{
			Name:       "web1",
			SSH:        tunnel.SSHConfig{Host: "web1", Port: 22},
			Prompt:     prompt,
			MaxRetry:   budget,
			RetryDelay: time.Millisecond,
			Dial:       d.Dial,
			Metrics:    m,
		})

		var ce *herr.ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, budget, ce.Attempts)
		assert.Equal(t, budget, d.Attempts(), "budget %d", budget)
		assert.EqualValues(t, budget, m.ConnectAttempts())
		assert.EqualError(t, ce.Err, "connection refused")
	}
}

func TestEstablish_PermanentFailureNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"open circuit", fmt.Errorf("%w: 3 consecutive failures", herr.ErrCircuitOpen)},
		{"auth setup", herr.WrapSSH("auth", "web1", 22, errors.New("no key"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &sessiontest.Dialer{Failures: 100, Err: tt.err}
			_, err := session.Establish(context.Background(), session.Options{
				Name:       "web1",
				Prompt:     prompt,
				MaxRetry:   4,
				RetryDelay: time.Millisecond,
				Dial:       d.Dial,
			})
			var ce *herr.ConnectionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, 1, ce.Attempts)
			assert.Equal(t, 1, d.Attempts())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEstablish_RetrySucceeds(t *testing.T) {
	remote := newRemote()
	d := &sessiontest.Dialer{Remote: remote, Failures: 2}

	c, err := session.Establish(context.Background(), session.Options{
		Name:       "web1",
		Prompt:     prompt,
		Timeout:    2 * time.Second,
		MaxRetry:   3,
		RetryDelay: time.Millisecond,
		Dial:       d.Dial,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Attempts())

	require.NoError(t, c.Close())
	assert.True(t, remote.Closed(), "a dialled transport is owned by the session")
}

func TestEstablish_ChannelSetupRejected(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *sessiontest.Remote)
		request string
	}{
		{"pty", func(r *sessiontest.Remote) { r.RejectPty = true }, "pty-req"},
		{"shell", func(r *sessiontest.Remote) { r.RejectShell = true }, "shell"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newRemote()
			tt.setup(remote)
			d := &sessiontest.Dialer{Remote: remote}

			_, err := session.Establish(context.Background(), session.Options{
				Name:     "web1",
				Prompt:   prompt,
				MaxRetry: 3,
				Dial:     d.Dial,
			})

			var ce *herr.ChannelSetupError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.request, ce.Request)
			assert.Equal(t, 1, d.Attempts(), "channel setup is not retried")
			assert.True(t, remote.Closed())
		})
	}
}

func TestConn_PreopenedTransportNotClosed(t *testing.T) {
	remote := newRemote()
	c := establish(t, remote, session.Options{})
	require.NoError(t, c.Close())
	assert.False(t, remote.Closed())
}

func TestConn_Call(t *testing.T) {
	remote := newRemote()
	c := establish(t, remote, session.Options{
		Commands: map[string]session.Command{
			"iplist": func(c *session.Conn) (string, error) { return c.Cmd("ifconfig") },
		},
	})

	out, err := c.Call("iplist")
	require.NoError(t, err)
	assert.Contains(t, out, "eth0: 10.0.0.5")
	assert.Equal(t, []string{"iplist"}, c.Commands())

	_, err = c.Call("reboot")
	assert.ErrorIs(t, err, herr.ErrUnknownCommand)
}

func TestConn_Interact(t *testing.T) {
	remote := newRemote()
	var screen strings.Builder
	c := establish(t, remote, session.Options{
		Logs: []logsink.Sink{logsink.Stream("screen", &screen)},
	})

	err := c.Interact(strings.NewReader("uname\nexit\nrm -rf /\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"uname"}, remote.Lines(), "exit ends the loop without forwarding")
	assert.Contains(t, screen.String(), "Linux\nweb1$ ")

	_, err = c.Cmd("uname")
	assert.ErrorIs(t, err, herr.ErrSessionClosed)
}

func TestConn_InteractInputExhausted(t *testing.T) {
	remote := newRemote()
	c := establish(t, remote, session.Options{})

	require.NoError(t, c.Interact(strings.NewReader("uname\nifconfig")))
	assert.Equal(t, []string{"uname", "ifconfig"}, remote.Lines())
}

func TestConn_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "web1.log")
	remote := newRemote()
	c := establish(t, remote, session.Options{
		Logs: []logsink.Sink{logsink.File(path)},
	})

	_, err := c.Cmd("uname")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Welcome to web1\nweb1$ Linux\nweb1$ ", string(data))
}

func TestConn_AbortUnblocksWait(t *testing.T) {
	remote := newRemote()
	d := &sessiontest.Dialer{Remote: remote}
	c, err := session.Establish(context.Background(), session.Options{
		Name:   "web1",
		Prompt: prompt,
		Dial:   d.Dial,
	})
	require.NoError(t, err)
	defer c.Close()

	time.AfterFunc(50*time.Millisecond, c.Abort)

	done := make(chan error, 1)
	go func() {
		_, err := c.Cmd("tail -f", session.WithTimeout(0))
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.True(t, c.EOF())
	case <-time.After(2 * time.Second):
		t.Fatal("Abort did not unblock the wait")
	}
	assert.True(t, remote.Closed())
}

func TestConn_Binmode(t *testing.T) {
	remote := newRemote()
	remote.Raw = true
	c := establish(t, remote, session.Options{})
	c.SetBinmode(true)
	assert.True(t, c.Binmode())

	raw := string([]byte{0x01, 0x0d, 0x0a})
	require.NoError(t, c.Print(raw))
	out, err := c.WaitFor(nil, session.WithMatch(session.Literal(raw)))
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), []byte(out))
}

// ── over SSH ─────────────────────────────────────────────────────────

func sshOptions(srv *sessiontest.Server) tunnel.SSHConfig {
	return tunnel.SSHConfig{
		User:     "ops",
		Host:     srv.Host(),
		Port:     srv.Port(),
		Password: srv.Password,
	}
}

func TestDialSSH(t *testing.T) {
	remote := newRemote()
	srv := sessiontest.NewServer(t, remote, "ops", "s3cret")

	c, err := session.Establish(context.Background(), session.Options{
		Name:    "web1",
		SSH:     sshOptions(srv),
		Prompt:  prompt,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Cmd("uname")
	require.NoError(t, err)
	assert.Equal(t, "uname\nLinux\nweb1$ ", out)
	assert.Equal(t, "vt100", remote.Term())
}

func TestDialSSH_BadPassword(t *testing.T) {
	srv := sessiontest.NewServer(t, newRemote(), "ops", "s3cret")
	cfg := sshOptions(srv)
	cfg.Password = "wrong"

	_, err := session.Establish(context.Background(), session.Options{
		Name:       "web1",
		SSH:        cfg,
		Prompt:     prompt,
		MaxRetry:   2,
		RetryDelay: time.Millisecond,
	})
	var ce *herr.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Attempts)

	var se *herr.SSHError
	assert.ErrorAs(t, err, &se)
}

func TestDialSSH_ViaRelay(t *testing.T) {
	target := sessiontest.NewServer(t, newRemote(), "ops", "s3cret")
	gateway := sessiontest.NewServer(t, &sessiontest.Remote{}, "jump", "j")
	relay := &tunnel.SSHConfig{User: "jump", Host: gateway.Host(), Port: gateway.Port(), Password: "j"}

	c, err := session.Establish(context.Background(), session.Options{
		Name:      "web1",
		SSH:       sshOptions(target),
		Prompt:    prompt,
		Timeout:   5 * time.Second,
		Relay:     relay,
		RelayName: "bastion",
	})
	require.NoError(t, err)

	out, err := c.Cmd("uname")
	require.NoError(t, err)
	assert.Contains(t, out, "Linux")
	assert.Equal(t, 1, gateway.Forwards())
	require.NoError(t, c.Close())
}

func TestDialSSH_SharedGateway(t *testing.T) {
	target := sessiontest.NewServer(t, newRemote(), "ops", "s3cret")
	gateway := sessiontest.NewServer(t, &sessiontest.Remote{}, "jump", "j")
	relay := &tunnel.SSHConfig{User: "jump", Host: gateway.Host(), Port: gateway.Port(), Password: "j"}
	pool := transport.NewGatewayPool(nil, nil, nil)
	defer pool.Close()

	for i := 0; i < 2; i++ {
		c, err := session.Establish(context.Background(), session.Options{
			Name:     "web1",
			SSH:      sshOptions(target),
			Prompt:   prompt,
			Timeout:  5 * time.Second,
			Relay:    relay,
			Gateways: pool,
		})
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}

	assert.Equal(t, 1, gateway.Conns(), "sessions share one gateway connection")
	assert.Equal(t, 2, gateway.Forwards())
	assert.Equal(t, 1, pool.Len())
}
