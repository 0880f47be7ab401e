package msgnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/sammck-go/msgport/internal/asyncobj"
	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
)

// Implementation of the "loop" transport: named in-process acceptors handing out
// LocalPorts, so ports are transferred natively.

// DefaultLoopBacklog is the accept backlog of a LoopListener created with backlog 0
const DefaultLoopBacklog = 16

// LoopServer maintains a namespace of loop names with waiting LoopListeners. Each
// LoopServer is independent; there is no process-wide namespace.
type LoopServer struct {
	logger.Logger
	lock    sync.Mutex
	entries map[string]*LoopListener
}

// NewLoopServer creates a new LoopServer
func NewLoopServer(lg logger.Logger) *LoopServer {
	return &LoopServer{
		Logger:  lg.ForkLog("LoopServer"),
		entries: make(map[string]*LoopListener),
	}
}

func (s *LoopServer) String() string {
	return s.Logger.Prefix()
}

// Listen registers a LoopListener for name. Only one listener can be registered for
// a given name at a time.
func (s *LoopServer) Listen(name string, backlog int) (*LoopListener, error) {
	if backlog <= 0 {
		backlog = DefaultLoopBacklog
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.entries[name]; ok {
		return nil, s.Errorf("loop listener already registered for name: %s", name)
	}
	l := &LoopListener{
		server: s,
		name:   name,
		queue:  make(chan *msgport.LocalPort, backlog),
		done:   make(chan struct{}),
	}
	s.entries[name] = l
	return l, nil
}

func (s *LoopServer) getListener(name string) *LoopListener {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.entries[name]
}

func (s *LoopServer) unregister(l *LoopListener) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	remove := s.entries[l.name] == l
	if remove {
		delete(s.entries, l.name)
	}
	return remove
}

// Dial connects to the listener registered at name and returns the caller's half
// of a new Channel. It does not block; if the accept backlog is full, an error is
// returned.
func (s *LoopServer) Dial(ctx context.Context, name string) (*msgport.LocalPort, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.getListener(name)
	if l == nil {
		return nil, fmt.Errorf("%w: %s: nothing listening on loop name: %s", msgport.ErrTransport, s.Prefix(), name)
	}
	a, b := msgport.NewChannel()
	if err := l.enqueue(b); err != nil {
		a.Close()
		return nil, err
	}
	s.TLogf("Dialed %s", name)
	return a, nil
}

// LoopListener accepts loop connections for one name
type LoopListener struct {
	server    *LoopServer
	name      string
	lock      sync.Mutex
	queue     chan *msgport.LocalPort
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// Name returns the loop name the listener is registered at
func (l *LoopListener) Name() string {
	return l.name
}

func (l *LoopListener) enqueue(p *msgport.LocalPort) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return fmt.Errorf("%w: loop listener %s is closed", msgport.ErrTransport, l.name)
	}
	select {
	case l.queue <- p:
		return nil
	default:
		return fmt.Errorf("%w: accept backlog of loop listener %s is full", msgport.ErrTransport, l.name)
	}
}

// Accept waits for the next dialed connection and returns the listener's half
func (l *LoopListener) Accept(ctx context.Context) (*msgport.LocalPort, error) {
	select {
	case p := <-l.queue:
		return p, nil
	case <-l.done:
		return nil, msgport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the listener and closes every connection waiting to be accepted
func (l *LoopListener) Close() error {
	l.closeOnce.Do(func() {
		l.server.unregister(l)
		l.lock.Lock()
		l.closed = true
		close(l.done)
		l.lock.Unlock()
		for {
			select {
			case p := <-l.queue:
				p.Close()
			default:
				return
			}
		}
	})
	return nil
}

// LocalConn presents an in-process Channel half as a Connection with a native
// live-proxy Broker
type LocalConn struct {
	*asyncobj.Helper
	port   *msgport.LocalPort
	broker *msgport.Broker
}

// NewLocalConn wraps port. Closing the LocalConn closes the port, and closing
// the port from either end shuts the LocalConn down.
func NewLocalConn(lg logger.Logger, port *msgport.LocalPort) *LocalConn {
	c := &LocalConn{port: port}
	c.Helper = asyncobj.NewHelper(lg.ForkLog("LocalConn(%v)", port), c)
	c.broker = msgport.NewLocalBroker(c.Logger)
	c.PanicOnError(c.SetIsActivated())
	go func() {
		select {
		case <-port.Done():
			c.StartShutdown(nil)
		case <-c.ShutdownStartedChan():
		}
	}()
	return c
}

// Port returns the wrapped LocalPort
func (c *LocalConn) Port() msgport.Port {
	return c.port
}

// Broker returns the broker owned by the connection
func (c *LocalConn) Broker() *msgport.Broker {
	return c.broker
}

// HandleOnceShutdown closes the broker and the port
func (c *LocalConn) HandleOnceShutdown(completionErr error) error {
	c.broker.Close()
	c.port.Close()
	return completionErr
}
