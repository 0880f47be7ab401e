package msgnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sammck-go/msgport/internal/asyncobj"
	"github.com/sammck-go/msgport/internal/logger"
)

// ServedConnection is a Connection handed to a Server's connection callback
type ServedConnection interface {
	Connection
	asyncobj.AsyncShutdowner
}

// served keeps a failed constructor from yielding a non-nil interface holding a
// nil pointer
func served[C ServedConnection](c C, err error) (ServedConnection, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Server accepts connections on one Address and hands each to a callback. The
// callback owns the connection, but the Server shuts down every connection it
// accepted when it shuts down itself.
type Server struct {
	*asyncobj.Helper
	cfg        *Config
	onConn     func(c ServedConnection)
	connStats  *ConnStats
	mux        *http.ServeMux
	httpServer *HTTPServer
	listener   net.Listener
	loop       *LoopServer
	loopLn     *LoopListener
	datagrams  *DatagramMux
	addr       net.Addr
}

// NewServer creates a Server. loop serves "loop:" addresses and may be nil
// for other schemes.
func NewServer(lg logger.Logger, cfg *Config, loop *LoopServer, onConn func(c ServedConnection)) *Server {
	s := &Server{
		cfg:    cfg.orDefault(),
		onConn: onConn,
		mux:    http.NewServeMux(),
		loop:   loop,
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLog("Server"), s)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	return s
}

// Handle registers an extra HTTP handler, served alongside the WebSocket path by
// ws addresses. It must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Addr returns the bound address once started, or nil for loop and stdio servers
func (s *Server) Addr() net.Addr {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.addr
}

// ConnStats returns the connection counters of the server
func (s *Server) ConnStats() *ConnStats {
	return s.connStats
}

// Start begins accepting connections on addr. It does not block.
func (s *Server) Start(ctx context.Context, addr *Address) error {
	return s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.connStats = NewConnStats(addr.Scheme)
			return s.listen(ctx, addr)
		},
		true,
	)
}

// Run starts the server and blocks until it has shut down
func (s *Server) Run(ctx context.Context, addr *Address) error {
	if err := s.Start(ctx, addr); err != nil {
		return err
	}
	return s.WaitShutdown()
}

func (s *Server) setAddr(a net.Addr) {
	s.Lock.Lock()
	s.addr = a
	s.Lock.Unlock()
}

func (s *Server) listen(ctx context.Context, addr *Address) error {
	switch addr.Scheme {
	case SchemeWS, SchemeWSS:
		if addr.Scheme == SchemeWSS {
			return s.Errorf("wss is only supported for dialing; terminate TLS in front of a ws server")
		}
		path := addr.Path
		if path == "" || path == "/" {
			path = s.cfg.WebSocketPath
		}
		wsHandler := NewWebSocketHandler(s.Logger, s.cfg, func(c *Conn) { s.serve(c) })
		s.mux.Handle(path, wsHandler)
		s.httpServer = NewHTTPServer(s.Logger)
		if err := s.httpServer.Start(ctx, addr.Host, s.mux); err != nil {
			return err
		}
		s.setAddr(s.httpServer.ListenAddr())
		s.ILogf("Listening on %s (websocket path %s)", s.httpServer.ListenAddr(), path)
		go func() {
			s.StartShutdown(s.httpServer.WaitShutdown())
		}()
		return nil

	case SchemeTCP, SchemeSSH, SchemeYamux:
		l, err := net.Listen("tcp", addr.Host)
		if err != nil {
			return s.DLogErrorf("listen failed: %s", err)
		}
		s.listener = l

	case SchemeUnix:
		l, err := NewLockedUnixSocketListener(s.Logger, addr.Path)
		if err != nil {
			return err
		}
		s.listener = l

	case SchemeUDP:
		pc, err := net.ListenPacket("udp", addr.Host)
		if err != nil {
			return s.DLogErrorf("listen failed: %s", err)
		}
		s.setAddr(pc.LocalAddr())
		s.ILogf("Listening on udp %s", pc.LocalAddr())
		s.datagrams = NewDatagramMux(s.Logger, pc, func(d *DatagramEndpoint) {
			s.connStats.New()
			s.serve(d)
		})
		return nil

	case SchemeLoop:
		if s.loop == nil {
			return s.Errorf("no loop server for %s", addr)
		}
		ln, err := s.loop.Listen(addr.Path, 0)
		if err != nil {
			return err
		}
		s.loopLn = ln
		go s.loopAcceptLoop(ctx)
		return nil

	case SchemeStdio:
		c, err := NewStdioConn(s.Logger, s.cfg)
		if err != nil {
			return err
		}
		s.serve(c)
		return nil

	default:
		return s.Errorf("cannot listen on %s", addr)
	}

	s.setAddr(s.listener.Addr())
	s.ILogf("Listening on %s %s", addr.Scheme, s.listener.Addr())
	go s.acceptLoop(ctx, addr.Scheme)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, scheme string) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.DLogf("Accept failed: %s", err)
				s.StartShutdown(err)
			} else {
				s.StartShutdown(nil)
			}
			return
		}
		go func() {
			c, err := s.wrap(ctx, scheme, nc)
			if err != nil {
				s.DLogf("Could not serve connection from %s: %s", nc.RemoteAddr(), err)
				return
			}
			s.serve(c)
		}()
	}
}

func (s *Server) wrap(ctx context.Context, scheme string, nc net.Conn) (ServedConnection, error) {
	lg := s.Logger.ForkLog("#%d", s.connStats.New())
	switch scheme {
	case SchemeSSH:
		m, err := NewSSHServerMuxer(lg, nc, s.cfg)
		if err != nil {
			return nil, err
		}
		return served(NewMuxConn(ctx, lg, m, false, s.cfg))
	case SchemeYamux:
		m, err := NewYamuxMuxer(lg, nc, true, s.cfg)
		if err != nil {
			return nil, err
		}
		return served(NewMuxConn(ctx, lg, m, false, s.cfg))
	}
	return served(NewStreamConn(lg, scheme, nc, s.cfg))
}

func (s *Server) loopAcceptLoop(ctx context.Context) {
	for {
		p, err := s.loopLn.Accept(ctx)
		if err != nil {
			s.StartShutdown(nil)
			return
		}
		s.serve(NewLocalConn(s.Logger.ForkLog("#%d", s.connStats.New()), p))
	}
}

func (s *Server) serve(c ServedConnection) {
	if s.IsStartedShutdown() {
		c.Close()
		return
	}
	s.connStats.Open()
	s.DLogf("%s: Open", s.connStats)
	s.AddShutdownChild(c)
	go func() {
		c.WaitShutdown()
		s.connStats.Close()
		s.DLogf("%s: Close", s.connStats)
	}()
	s.onConn(c)
}

// HandleOnceShutdown stops accepting connections. Accepted connections are shut
// down afterwards as children.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	if s.listener != nil {
		if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
			err = lerr
		}
	}
	if s.loopLn != nil {
		s.loopLn.Close()
	}
	if s.datagrams != nil {
		if derr := s.datagrams.Close(); derr != nil && err == nil {
			err = derr
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Dial connects to addr and returns the resulting connection. Network dials are
// retried with backoff according to cfg. loop is required for loop addresses.
func Dial(ctx context.Context, lg logger.Logger, addr *Address, cfg *Config, loop *LoopServer) (ServedConnection, error) {
	cfg = cfg.orDefault()
	switch addr.Scheme {
	case SchemeWS, SchemeWSS:
		return served(DialWebSocket(ctx, lg, addr.URL(), cfg))

	case SchemeTCP, SchemeUnix, SchemeSSH, SchemeYamux:
		var d net.Dialer
		var nc net.Conn
		target := addr.Host
		if addr.Scheme == SchemeUnix {
			target = addr.Path
		}
		err := retry(ctx, lg, cfg, func() error {
			var err error
			nc, err = d.DialContext(ctx, addr.Network(), target)
			return err
		})
		if err != nil {
			return nil, err
		}
		switch addr.Scheme {
		case SchemeSSH:
			m, err := NewSSHClientMuxer(lg, nc, cfg)
			if err != nil {
				return nil, err
			}
			return served(NewMuxConn(ctx, lg, m, true, cfg))
		case SchemeYamux:
			m, err := NewYamuxMuxer(lg, nc, false, cfg)
			if err != nil {
				return nil, err
			}
			return served(NewMuxConn(ctx, lg, m, true, cfg))
		}
		return served(NewStreamConn(lg, addr.Scheme, nc, cfg))

	case SchemeUDP:
		raddr, err := net.ResolveUDPAddr("udp", addr.Host)
		if err != nil {
			return nil, err
		}
		pc, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, err
		}
		return NewDatagramEndpoint(lg, pc, raddr), nil

	case SchemeLoop:
		if loop == nil {
			return nil, fmt.Errorf("no loop server for %s", addr)
		}
		p, err := loop.Dial(ctx, addr.Path)
		if err != nil {
			return nil, err
		}
		return NewLocalConn(lg, p), nil

	case SchemeStdio:
		return served(NewStdioConn(lg, cfg))
	}
	return nil, fmt.Errorf("cannot dial %s", addr)
}
