package msgnet

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sammck-go/msgport/internal/asyncobj"
	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
	"go.uber.org/multierr"
)

// Connection is implemented by every transport connection in this package. Port
// returns the default channel of the connection; Broker returns the sub-channel
// broker owned by the connection.
type Connection interface {
	Port() msgport.Port
	Broker() *msgport.Broker
	Close() error
	ShutdownDoneChan() <-chan struct{}
	WaitShutdown() error
}

var nextConnID atomic.Int64

// Conn multiplexes channel scopes over one FrameConn. Every envelope names the
// scope it belongs to; a scope only sees envelopes carrying its own id.
// Transferred ports are carried as fresh scopes bridged to the sender's port, and
// reach the receiver as LocalPorts bridged to those scopes.
type Conn struct {
	*asyncobj.Helper
	name      string
	transport string
	cfg       *Config
	frames    FrameConn
	codec     Codec
	broker    *msgport.Broker
	main      *Scope

	scopeLock  sync.Mutex
	scopes     map[string]*Scope
	numPending int
	closed     bool
}

// NewConn starts serving a connection over frames. transport labels the
// connection in logs and metrics.
func NewConn(lg logger.Logger, transport string, frames FrameConn, cfg *Config) (*Conn, error) {
	cfg = cfg.orDefault()
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		name:      fmt.Sprintf("Conn(%s#%d)", transport, nextConnID.Add(1)),
		transport: transport,
		cfg:       cfg,
		frames:    frames,
		codec:     codec,
		scopes:    make(map[string]*Scope),
	}
	c.Helper = asyncobj.NewHelper(lg.ForkLog("%s", c.name), c)
	c.broker = msgport.NewBroker(c.Logger, msgport.LiveProxy, scopedOpener{c})
	c.main = c.AttachScope(MessageChannelName)
	c.PanicOnError(c.SetIsActivated())
	go c.readLoop()
	return c, nil
}

func (c *Conn) String() string {
	return c.name
}

// Transport returns the transport label of the connection
func (c *Conn) Transport() string {
	return c.transport
}

// Port returns the default scope of the connection. Closing it closes the connection.
func (c *Conn) Port() msgport.Port {
	return c.main
}

// Broker returns the sub-channel broker owned by the connection
func (c *Conn) Broker() *msgport.Broker {
	return c.broker
}

// NumScopes returns the number of open scopes, pending ones included
func (c *Conn) NumScopes() int {
	c.scopeLock.Lock()
	defer c.scopeLock.Unlock()
	return len(c.scopes)
}

// NumPendingScopes returns the number of scopes that received traffic but have not
// been attached
func (c *Conn) NumPendingScopes() int {
	c.scopeLock.Lock()
	defer c.scopeLock.Unlock()
	return c.numPending
}

// AttachScope returns the scope with the given id, creating it if needed. A scope
// created by inbound traffic stops counting as pending once attached.
func (c *Conn) AttachScope(id string) *Scope {
	c.scopeLock.Lock()
	s, ok := c.scopes[id]
	if ok {
		if !s.attached {
			s.attached = true
			c.numPending--
		}
		c.scopeLock.Unlock()
		return s
	}
	s = c.newScopeLocked(id, true)
	closed := c.closed
	c.scopeLock.Unlock()
	if closed {
		c.closeScope(s, false)
	}
	return s
}

func (c *Conn) newScopeLocked(id string, attached bool) *Scope {
	s := &Scope{
		Inbox:    msgport.NewInbox(msgport.FilterEventNames),
		conn:     c,
		id:       id,
		attached: attached,
	}
	if !c.closed {
		c.scopes[id] = s
		openScopes.WithLabelValues(c.transport).Inc()
	}
	return s
}

// receivingScope returns the scope for inbound traffic on id, creating a pending
// scope if none exists. It returns nil when the pending scope limit is reached.
func (c *Conn) receivingScope(id string) *Scope {
	c.scopeLock.Lock()
	defer c.scopeLock.Unlock()
	if s, ok := c.scopes[id]; ok {
		return s
	}
	if c.closed || c.numPending >= c.cfg.MaxPendingScopes {
		return nil
	}
	c.numPending++
	return c.newScopeLocked(id, false)
}

func (c *Conn) lookupScope(id string) *Scope {
	c.scopeLock.Lock()
	defer c.scopeLock.Unlock()
	return c.scopes[id]
}

func (c *Conn) closeScope(s *Scope, notifyPeer bool) {
	if !s.Inbox.Close() {
		return
	}
	c.scopeLock.Lock()
	if c.scopes[s.id] == s {
		delete(c.scopes, s.id)
		openScopes.WithLabelValues(c.transport).Dec()
		if !s.attached {
			c.numPending--
		}
	}
	closed := c.closed
	c.scopeLock.Unlock()

	if notifyPeer && !closed {
		if err := c.send(&Envelope{Channel: s.id, Close: true}); err != nil {
			c.DLogf("Could not send close for scope %s: %s", s.id, err)
		}
	}
	if s == c.main {
		c.StartShutdown(nil)
	}
}

func (c *Conn) send(env *Envelope) error {
	b, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.frames.WriteFrame(b); err != nil {
		err = msgport.NewTransportError("write", err)
		c.StartShutdown(err)
		return err
	}
	recordSent(c.transport, len(b))
	return nil
}

func (c *Conn) post(s *Scope, data any, transfer []msgport.Port) error {
	if s.IsClosed() || c.IsStartedShutdown() {
		return msgport.ErrClosed
	}
	for _, p := range transfer {
		if p == nil || p == msgport.Port(s) {
			return fmt.Errorf("%w: a scope cannot transfer itself or a nil port", msgport.ErrMisuse)
		}
	}
	marked, err := msgport.MarkPorts(data, transfer)
	if err != nil {
		return err
	}
	env := &Envelope{Channel: s.id, Message: marked}
	subs := make([]*Scope, len(transfer))
	for i := range transfer {
		subs[i] = c.AttachScope(uuid.NewString())
		env.Ports = append(env.Ports, subs[i].id)
	}
	if err := c.send(env); err != nil {
		for _, sub := range subs {
			c.closeScope(sub, false)
		}
		return err
	}
	for i, p := range transfer {
		if _, err := msgport.NewBridge(c.Logger, subs[i], p); err != nil {
			c.WLogf("Could not bridge transferred %v: %s", p, err)
			subs[i].Close()
		}
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		b, err := c.frames.ReadFrame()
		if err != nil {
			if err == io.EOF {
				c.DLogf("Peer closed the connection")
				c.StartShutdown(nil)
			} else {
				c.DLogf("Read failed: %s", err)
				c.StartShutdown(msgport.NewTransportError("read", err))
			}
			return
		}
		recordReceived(c.transport, len(b))
		env, err := c.codec.Unmarshal(b)
		if err != nil {
			c.WLogf("Dropping undecodable frame of %d bytes: %s", len(b), err)
			recordDropped(c.transport, "decode")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env *Envelope) {
	if env.Close {
		if s := c.lookupScope(env.Channel); s != nil {
			c.TLogf("Peer closed scope %s", env.Channel)
			c.closeScope(s, false)
		}
		return
	}
	s := c.receivingScope(env.Channel)
	if s == nil {
		c.WLogf("Dropping message for scope %s: too many pending scopes", env.Channel)
		recordDropped(c.transport, "pending_scopes")
		return
	}
	ev := msgport.MessageEvent{Data: env.Message}
	if len(env.Ports) > 0 {
		ev.Ports = make([]msgport.Port, len(env.Ports))
		for i, id := range env.Ports {
			a, b := msgport.NewChannel()
			if _, err := msgport.NewBridge(c.Logger, c.AttachScope(id), a); err != nil {
				c.WLogf("Could not bridge received scope %s: %s", id, err)
				a.Close()
			}
			ev.Ports[i] = b
		}
		data, err := msgport.SubstitutePorts(env.Message, ev.Ports)
		if err != nil {
			c.WLogf("Dropping message for scope %s: %s", env.Channel, err)
			recordDropped(c.transport, "markers")
			closePorts(ev.Ports)
			return
		}
		ev.Data = data
	}
	c.scopeLock.Lock()
	attached := s.attached
	c.scopeLock.Unlock()
	if !attached && s.Pending() >= c.cfg.MaxPendingFrames {
		c.WLogf("Dropping message for pending scope %s: %d frames already queued", env.Channel, s.Pending())
		recordDropped(c.transport, "pending_frames")
		closePorts(ev.Ports)
		return
	}
	if !s.Deliver(ev) {
		closePorts(ev.Ports)
	}
}

func closePorts(ports []msgport.Port) {
	for _, p := range ports {
		p.Close()
	}
}

// HandleOnceShutdown closes every scope, the broker and the frame connection
func (c *Conn) HandleOnceShutdown(completionErr error) error {
	c.scopeLock.Lock()
	c.closed = true
	scopes := c.scopes
	c.scopes = make(map[string]*Scope)
	c.numPending = 0
	c.scopeLock.Unlock()

	for _, s := range scopes {
		if s.Inbox.Close() {
			openScopes.WithLabelValues(c.transport).Dec()
		}
	}
	err := c.broker.Close()
	err = multierr.Append(err, c.frames.Close())
	if completionErr == nil {
		completionErr = err
	}
	c.DLogf("Closed %d scopes", len(scopes))
	return completionErr
}

// Scope is one channel of a Conn. It implements msgport.Port with filter
// semantics for event names.
type Scope struct {
	*msgport.Inbox
	conn     *Conn
	id       string
	attached bool
}

func (s *Scope) String() string {
	return fmt.Sprintf("Scope(%s)", s.id)
}

// ID returns the channel id carried by every envelope of this scope
func (s *Scope) ID() string {
	return s.id
}

// PostMessage sends data on this scope. Each Port in transfer is carried over a
// new scope, and Port values inside data are replaced by markers.
func (s *Scope) PostMessage(data any, transfer []msgport.Port) error {
	return s.conn.post(s, data, transfer)
}

// Close closes the scope here and on the peer
func (s *Scope) Close() error {
	s.conn.closeScope(s, true)
	return nil
}

var _ msgport.Port = (*Scope)(nil)

// scopedOpener opens broker sub-channels as scopes named by a fresh correlation id
type scopedOpener struct {
	c *Conn
}

func (o scopedOpener) OpenSubChannel() (msgport.Port, msgport.Port, any, error) {
	if o.c.IsStartedShutdown() {
		return nil, nil, nil, msgport.ErrClosed
	}
	id := uuid.NewString()
	return o.c.AttachScope(id), nil, proxyChannelRef(id), nil
}

func (o scopedOpener) AttachSubChannel(ref any) (msgport.Port, error) {
	id, err := proxyChannelID(ref)
	if err != nil {
		return nil, err
	}
	if o.c.IsStartedShutdown() {
		return nil, msgport.ErrClosed
	}
	return o.c.AttachScope(id), nil
}

func proxyChannelRef(id string) map[string]any {
	return map[string]any{msgport.ProxyChannelField: id}
}

func proxyChannelID(ref any) (string, error) {
	if m, ok := ref.(map[string]any); ok {
		if id, ok := m[msgport.ProxyChannelField].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %v is not a sub-channel reference", msgport.ErrMisuse, ref)
}
