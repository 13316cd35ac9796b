package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopbackAuthenticator(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		peer  Peer
		want  bool
	}{
		{"IPv4 loopback", true, Peer{Addr: "127.0.0.1:50000"}, true},
		{"IPv6 loopback", true, Peer{Addr: "[::1]:50000"}, true},
		{"Bare host", true, Peer{Addr: "127.0.0.1"}, true},
		{"Remote peer", true, Peer{Addr: "10.0.0.5:50000"}, false},
		{"Other loopback range", true, Peer{Addr: "127.0.0.2:1"}, false},
		{"Not an address", true, Peer{Addr: "bufconn"}, false},
		{"Empty", true, Peer{}, false},
		{"Trust disabled", false, Peer{Addr: "127.0.0.1:1"}, false},
		{"Proxy forwards local client", true, Peer{Addr: "127.0.0.1:1", Forwarded: "::1"}, true},
		{"Proxy forwards remote client", true, Peer{Addr: "127.0.0.1:1", Forwarded: "192.168.1.20:4000"}, false},
		{"Remote peer claims loopback", true, Peer{Addr: "10.0.0.5:1", Forwarded: "127.0.0.1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := LoopbackAuthenticator{Trust: tt.trust}
			assert.Equal(t, tt.want, a.Authenticate(tt.peer))
		})
	}
}

func TestAuthenticatorFunc(t *testing.T) {
	var got Peer
	a := AuthenticatorFunc(func(p Peer) bool {
		got = p
		return true
	})

	assert.True(t, a.Authenticate(Peer{Addr: "x"}))
	assert.Equal(t, "x", got.Addr)
}
