package msgnet

import (
	"testing"

	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		want    Address
		str     string
		network string
	}{
		{"ws://example.com", Address{SchemeWS, "example.com:80", "/"}, "ws://example.com:80/", "tcp"},
		{"wss://example.com/mp", Address{SchemeWSS, "example.com:443", "/mp"}, "wss://example.com:443/mp", "tcp"},
		{"ws://localhost:8080/msgport", Address{SchemeWS, "localhost:8080", "/msgport"}, "ws://localhost:8080/msgport", "tcp"},
		{"tcp:127.0.0.1:9000", Address{SchemeTCP, "127.0.0.1:9000", ""}, "tcp:127.0.0.1:9000", "tcp"},
		{"ssh::2222", Address{SchemeSSH, ":2222", ""}, "ssh::2222", "tcp"},
		{"yamux:host:1", Address{SchemeYamux, "host:1", ""}, "yamux:host:1", "tcp"},
		{"udp:0.0.0.0:53", Address{SchemeUDP, "0.0.0.0:53", ""}, "udp:0.0.0.0:53", "udp"},
		{"unix:/tmp/mp.sock", Address{SchemeUnix, "", "/tmp/mp.sock"}, "unix:/tmp/mp.sock", "unix"},
		{"loop:svc", Address{SchemeLoop, "", "svc"}, "loop:svc", ""},
		{"stdio", Address{Scheme: SchemeStdio}, "stdio", ""},
	}
	for _, c := range cases {
		a, err := ParseAddress(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, *a, c.in)
		assert.Equal(t, c.str, a.String(), c.in)
		assert.Equal(t, c.network, a.Network(), c.in)
	}
}

func TestParseAddressErrors(t *testing.T) {
	for _, in := range []string{"", "nowhere", "tcp:noport", "ftp:host:21", "unix:", "loop:", "ws://"} {
		_, err := ParseAddress(in)
		assert.ErrorIs(t, err, msgport.ErrMisuse, in)
	}
}
