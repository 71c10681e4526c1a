package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyDialer reaches hosts through a SOCKS5 proxy, the way a session
// configured with a proxy socket factory would.
type ProxyDialer struct {
	url    *url.URL
	dialer proxy.Dialer
}

// NewProxyDialer parses rawURL (socks5://[user:pass@]host:port) and
// returns a dialer that connects through it.
func NewProxyDialer(rawURL string, timeout time.Duration) (*ProxyDialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("proxy url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url %q: missing host", rawURL)
	}
	d, err := proxy.FromURL(u, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("proxy url %q: %w", rawURL, err)
	}
	return &ProxyDialer{url: u, dialer: d}, nil
}

// Dial connects to address through the proxy.
func (d *ProxyDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if cd, ok := d.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}
	return d.dialer.Dial(network, address)
}

// String returns the proxy address without credentials.
func (d *ProxyDialer) String() string {
	return d.url.Scheme + "://" + d.url.Host
}

// Close is a no-op; proxy connections are per-dial.
func (d *ProxyDialer) Close() error { return nil }
