package session

import (
	"context"

	"golang.org/x/crypto/ssh"

	"harvest/internal/transport"
	"harvest/tunnel"
)

// DialSSH is the default [DialFunc].  It reaches opts.SSH through
// opts.Proxy, else through the relay gateway (shared via opts.Gateways
// when set), else directly over TCP, and runs the SSH handshake.
func DialSSH(ctx context.Context, opts *Options) (Transport, error) {
	target := opts.SSH
	target.Normalize()

	dialer, owned := socketFactory(opts, &target)
	conn, err := dialer.Dial(ctx, "tcp", target.Addr())
	if err != nil {
		if owned {
			dialer.Close() //nolint:errcheck
		}
		return nil, err
	}

	client, err := tunnel.NewClient(conn, &target)
	if err != nil {
		if owned {
			dialer.Close() //nolint:errcheck
		}
		return nil, err
	}
	st := &sshTransport{client: client}
	if owned {
		st.via = dialer
	}
	return st, nil
}

// socketFactory picks how to reach target.  owned reports whether the
// dialer belongs to this session and must be closed with it.
func socketFactory(opts *Options, target *tunnel.SSHConfig) (d transport.Dialer, owned bool) {
	switch {
	case opts.Proxy != nil:
		opts.Logger.Debug("reaching %s via proxy", target.Addr())
		return opts.Proxy, false
	case opts.Relay != nil && opts.Gateways != nil:
		opts.Logger.Debug("reaching %s via shared gateway %s", target.Addr(), opts.Relay.Host)
		return opts.Gateways.Dialer(opts.Relay), false
	case opts.Relay != nil:
		opts.Logger.Debug("reaching %s via gateway %s", target.Addr(), opts.Relay.Host)
		relay := *opts.Relay
		return transport.NewSSHDialer(&relay, opts.Logger, opts.Metrics), true
	default:
		return &transport.TCPDialer{Timeout: target.ConnTimeout}, true
	}
}

// sshTransport adapts *ssh.Client to Transport.
type sshTransport struct {
	client *ssh.Client
	via    transport.Dialer // private gateway, closed after the client
}

func (t *sshTransport) NewSession() (Shell, error) {
	s, err := t.client.NewSession()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *sshTransport) Close() error {
	err := t.client.Close()
	if t.via != nil {
		if verr := t.via.Close(); err == nil {
			err = verr
		}
	}
	return err
}
