package server

import (
	"net"
	"strings"
)

// RealRemoteAddrHeader carries the client address when the WebSocket
// endpoint sits behind a local reverse proxy.
const RealRemoteAddrHeader = "X-Real-Remote-Addr"

// Peer describes the remote end of a new connection.
type Peer struct {
	// Addr is the transport-level address, "host:port" or a bare host.
	Addr string
	// Forwarded is the address reported by a local proxy, if any.
	Forwarded string
}

// Authenticator decides once, at connection open, whether a session is
// authenticated.
type Authenticator interface {
	Authenticate(p Peer) bool
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(p Peer) bool

func (f AuthenticatorFunc) Authenticate(p Peer) bool { return f(p) }

// LoopbackAuthenticator trusts connections from 127.0.0.1 and ::1.
type LoopbackAuthenticator struct {
	Trust bool
}

// Authenticate honours a forwarded address only when the direct peer is
// itself local; a remote peer cannot claim to be loopback.
func (a LoopbackAuthenticator) Authenticate(p Peer) bool {
	if !a.Trust || !isLoopback(p.Addr) {
		return false
	}
	if p.Forwarded != "" {
		return isLoopback(p.Forwarded)
	}
	return true
}

func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.Equal(net.IPv4(127, 0, 0, 1)) || ip.Equal(net.IPv6loopback)
}
