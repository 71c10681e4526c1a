// Package transport provides the socket factories a session can reach
// its host through: direct TCP, a relay gateway, or a proxy.  They
// handle the "how" of reaching the SSH port, independent of the shell
// session that runs over it.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer, an SSH relay dialer that routes traffic through
// a gateway host, and a SOCKS proxy dialer.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
