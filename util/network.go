package util

import (
	"net"
	"strconv"
)

// FormatAddr returns "host:port", bracketing IPv6 literals.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitAddr is the inverse of [FormatAddr].  A missing or unparsable
// port yields def.
func SplitAddr(addr string, def int) (host string, port int) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, def
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return h, def
	}
	return h, n
}
