package msgnet

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sammck-go/msgport/pkg/msgport"
)

// Address schemes understood by ParseAddress
const (
	SchemeWS    = "ws"
	SchemeWSS   = "wss"
	SchemeTCP   = "tcp"
	SchemeUnix  = "unix"
	SchemeSSH   = "ssh"
	SchemeYamux = "yamux"
	SchemeUDP   = "udp"
	SchemeLoop  = "loop"
	SchemeStdio = "stdio"
)

// Address names a transport endpoint to dial or listen on
type Address struct {
	// Scheme is one of the Scheme* constants
	Scheme string

	// Host is "host:port" for network schemes
	Host string

	// Path is the socket path for unix, the loop name for loop, and the HTTP path
	// for ws and wss
	Path string
}

// ParseAddress parses one of:
//
//	ws://host:port/path  wss://host:port/path
//	tcp:host:port  ssh:host:port  yamux:host:port  udp:host:port
//	unix:/path/to/socket
//	loop:name
//	stdio
func ParseAddress(s string) (*Address, error) {
	bad := func(why string) error {
		return fmt.Errorf("%w: invalid address %q: %s", msgport.ErrMisuse, s, why)
	}
	if s == SchemeStdio {
		return &Address{Scheme: SchemeStdio}, nil
	}
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, bad(err.Error())
		}
		if u.Host == "" {
			return nil, bad("missing host")
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == SchemeWSS {
				host += ":443"
			} else {
				host += ":80"
			}
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		return &Address{Scheme: u.Scheme, Host: host, Path: path}, nil
	}
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, bad("missing scheme")
	}
	switch scheme {
	case SchemeTCP, SchemeSSH, SchemeYamux, SchemeUDP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return nil, bad(err.Error())
		}
		return &Address{Scheme: scheme, Host: rest}, nil
	case SchemeUnix:
		if rest == "" {
			return nil, bad("empty socket path")
		}
		return &Address{Scheme: scheme, Path: rest}, nil
	case SchemeLoop:
		if rest == "" {
			return nil, bad("empty loop name")
		}
		return &Address{Scheme: scheme, Path: rest}, nil
	}
	return nil, bad(fmt.Sprintf("unknown scheme %q", scheme))
}

func (a *Address) String() string {
	switch a.Scheme {
	case SchemeStdio:
		return SchemeStdio
	case SchemeWS, SchemeWSS:
		return a.URL()
	case SchemeUnix, SchemeLoop:
		return a.Scheme + ":" + a.Path
	}
	return a.Scheme + ":" + a.Host
}

// URL returns the WebSocket URL of a ws or wss address
func (a *Address) URL() string {
	u := url.URL{Scheme: a.Scheme, Host: a.Host, Path: a.Path}
	return u.String()
}

// Network returns the net package network carrying the address: "tcp", "unix",
// "udp", or "" for in-process and stdio addresses
func (a *Address) Network() string {
	switch a.Scheme {
	case SchemeWS, SchemeWSS, SchemeTCP, SchemeSSH, SchemeYamux:
		return "tcp"
	case SchemeUnix:
		return "unix"
	case SchemeUDP:
		return "udp"
	}
	return ""
}
