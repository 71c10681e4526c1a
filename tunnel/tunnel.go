// Package tunnel holds the SSH endpoint description shared by sessions
// and relay gateways, builds the x/crypto/ssh client configuration for
// it, and implements the gateway side of relayed sessions.
package tunnel

import (
	"context"
	"net"
)

// Tunnel abstracts a relay gateway through which sessions reach hosts
// that are not directly routable.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}
