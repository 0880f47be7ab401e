package msgnet

import (
	"context"
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

// StreamMuxer opens and accepts independent byte streams over one connection, each
// tagged with a channel id chosen by the opener.
type StreamMuxer interface {
	// OpenStream opens a new stream tagged with id
	OpenStream(ctx context.Context, id string) (io.ReadWriteCloser, error)

	// AcceptStream waits for the next stream opened by the peer
	AcceptStream(ctx context.Context) (string, io.ReadWriteCloser, error)

	// Close closes the underlying connection and every stream
	Close() error

	// Kind labels the muxer in logs and metrics
	Kind() string
}

var nextMuxConnID atomic.Int64

// MuxConn carries every channel on its own muxed stream, so channel halves are
// native to the connection. The default channel is the stream tagged
// MessageChannelName, opened by the dialing side.
type MuxConn struct {
	*asyncobj.Helper
	name   string
	cfg    *Config
	codec  Codec
	muxer  StreamMuxer
	broker *msgport.Broker
	main   *muxPort

	portLock sync.Mutex
	ports    map[string]*muxPort
	pending  map[string]io.ReadWriteCloser
	arrived  chan struct{}
	closed   bool
}

// NewMuxConn serves a MuxConn over muxer. The dialing side opens the default
// channel; the other side waits for it, bounded by ctx and cfg.AttachTimeout.
func NewMuxConn(ctx context.Context, lg logger.Logger, muxer StreamMuxer, dialer bool, cfg *Config) (*MuxConn, error) {
	cfg = cfg.orDefault()
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		muxer.Close()
		return nil, err
	}
	c := &MuxConn{
		name:    fmt.Sprintf("MuxConn(%s#%d)", muxer.Kind(), nextMuxConnID.Add(1)),
		cfg:     cfg,
		codec:   codec,
		muxer:   muxer,
		ports:   make(map[string]*muxPort),
		pending: make(map[string]io.ReadWriteCloser),
		arrived: make(chan struct{}),
	}
	c.Helper = asyncobj.NewHelper(lg.ForkLog("%s", c.name), c)
	c.broker = msgport.NewBroker(c.Logger, msgport.LiveProxy, muxOpener{c})
	c.PanicOnError(c.SetIsActivated())
	go c.acceptLoop()

	if dialer {
		c.main, err = c.openPort(ctx, MessageChannelName)
	} else {
		c.main, err = c.attachPort(ctx, MessageChannelName)
	}
	if err != nil {
		c.Shutdown(err)
		return nil, err
	}
	go func() {
		select {
		case <-c.main.Done():
			c.StartShutdown(nil)
		case <-c.ShutdownStartedChan():
		}
	}()
	return c, nil
}

func (c *MuxConn) String() string {
	return c.name
}

// Port returns the default channel. Closing it closes the connection.
func (c *MuxConn) Port() msgport.Port {
	return c.main
}

// Broker returns the sub-channel broker owned by the connection
func (c *MuxConn) Broker() *msgport.Broker {
	return c.broker
}

// NumPorts returns the number of open channels
func (c *MuxConn) NumPorts() int {
	c.portLock.Lock()
	defer c.portLock.Unlock()
	return len(c.ports)
}

func (c *MuxConn) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.ShutdownStartedChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		id, stream, err := c.muxer.AcceptStream(ctx)
		if err != nil {
			if !c.IsStartedShutdown() {
				c.DLogf("Accept failed: %s", err)
			}
			c.StartShutdown(nil)
			return
		}
		c.portLock.Lock()
		_, dup := c.pending[id]
		_, open := c.ports[id]
		switch {
		case c.closed || dup || open:
			c.portLock.Unlock()
			c.DLogf("Refusing stream for channel %s", id)
			stream.Close()
			continue
		case len(c.pending) >= c.cfg.MaxPendingScopes:
			c.portLock.Unlock()
			c.WLogf("Dropping stream for channel %s: too many pending streams", id)
			recordDropped(c.muxer.Kind(), "pending_scopes")
			stream.Close()
			continue
		}
		c.pending[id] = stream
		close(c.arrived)
		c.arrived = make(chan struct{})
		c.portLock.Unlock()
	}
}

// openPort opens a new stream for channel id
func (c *MuxConn) openPort(ctx context.Context, id string) (*muxPort, error) {
	stream, err := c.muxer.OpenStream(ctx, id)
	if err != nil {
		return nil, msgport.NewTransportError("open stream", err)
	}
	return c.addPort(id, stream)
}

// attachPort waits for the peer to open the stream for channel id
func (c *MuxConn) attachPort(ctx context.Context, id string) (*muxPort, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttachTimeout)
	defer cancel()
	for {
		c.portLock.Lock()
		stream, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		arrived := c.arrived
		closed := c.closed
		c.portLock.Unlock()
		if ok {
			return c.addPort(id, stream)
		}
		if closed {
			return nil, msgport.ErrClosed
		}
		select {
		case <-arrived:
		case <-c.ShutdownStartedChan():
			return nil, msgport.ErrClosed
		case <-ctx.Done():
			return nil, msgport.NewTransportError(fmt.Sprintf("attach channel %s", id), ctx.Err())
		}
	}
}

func (c *MuxConn) addPort(id string, stream io.ReadWriteCloser) (*muxPort, error) {
	p := &muxPort{
		Inbox:  msgport.NewInbox(msgport.StrictEventNames),
		conn:   c,
		id:     id,
		frames: NewStreamFrameConn(c.Logger.ForkLog("Stream(%s)", id), stream, c.cfg.MaxFrameSize),
	}
	c.portLock.Lock()
	if c.closed {
		c.portLock.Unlock()
		stream.Close()
		return nil, msgport.ErrClosed
	}
	c.ports[id] = p
	c.portLock.Unlock()
	openScopes.WithLabelValues(c.muxer.Kind()).Inc()
	go p.readLoop()
	return p, nil
}

func (c *MuxConn) removePort(p *muxPort) {
	c.portLock.Lock()
	removed := c.ports[p.id] == p
	if removed {
		delete(c.ports, p.id)
	}
	c.portLock.Unlock()
	if removed {
		openScopes.WithLabelValues(c.muxer.Kind()).Dec()
	}
}

// HandleOnceShutdown closes every channel, the broker and the muxer
func (c *MuxConn) HandleOnceShutdown(completionErr error) error {
	c.portLock.Lock()
	c.closed = true
	ports := c.ports
	pending := c.pending
	c.ports = make(map[string]*muxPort)
	c.pending = make(map[string]io.ReadWriteCloser)
	c.portLock.Unlock()

	for _, p := range ports {
		p.Close()
	}
	for _, s := range pending {
		s.Close()
	}
	err := c.broker.Close()
	err = multierr.Append(err, c.muxer.Close())
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// muxPort is one channel of a MuxConn, carried on its own stream
type muxPort struct {
	*msgport.Inbox
	conn   *MuxConn
	id     string
	frames *StreamFrameConn
}

func (p *muxPort) String() string {
	return fmt.Sprintf("MuxPort(%s)", p.id)
}

// PostMessage sends data on the channel's stream. Each Port in transfer is carried
// on a new stream bridged to it.
func (p *muxPort) PostMessage(data any, transfer []msgport.Port) error {
	if p.IsClosed() {
		return msgport.ErrClosed
	}
	for _, t := range transfer {
		if t == nil || t == msgport.Port(p) {
			return fmt.Errorf("%w: a channel cannot transfer itself or a nil port", msgport.ErrMisuse)
		}
	}
	marked, err := msgport.MarkPorts(data, transfer)
	if err != nil {
		return err
	}
	env := &Envelope{Channel: p.id, Message: marked}
	subs := make([]*muxPort, len(transfer))
	for i := range transfer {
		ctx, cancel := context.WithTimeout(context.Background(), p.conn.cfg.AttachTimeout)
		subs[i], err = p.conn.openPort(ctx, uuid.NewString())
		cancel()
		if err != nil {
			closeMuxPorts(subs[:i])
			return err
		}
		env.Ports = append(env.Ports, subs[i].id)
	}
	if err := p.send(env); err != nil {
		closeMuxPorts(subs)
		return err
	}
	for i, t := range transfer {
		if _, err := msgport.NewBridge(p.conn.Logger, subs[i], t); err != nil {
			p.conn.WLogf("Could not bridge transferred %v: %s", t, err)
			subs[i].Close()
		}
	}
	return nil
}

func closeMuxPorts(ports []*muxPort) {
	for _, p := range ports {
		p.Close()
	}
}

func (p *muxPort) send(env *Envelope) error {
	b, err := p.conn.codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.frames.WriteFrame(b); err != nil {
		p.Close()
		return msgport.NewTransportError("write", err)
	}
	recordSent(p.conn.muxer.Kind(), len(b))
	return nil
}

func (p *muxPort) readLoop() {
	defer p.Close()
	kind := p.conn.muxer.Kind()
	for {
		b, err := p.frames.ReadFrame()
		if err != nil {
			if err != io.EOF {
				p.conn.DLogf("%v read failed: %s", p, err)
			}
			return
		}
		recordReceived(kind, len(b))
		env, err := p.conn.codec.Unmarshal(b)
		if err != nil {
			p.conn.WLogf("Dropping undecodable frame on %v: %s", p, err)
			recordDropped(kind, "decode")
			continue
		}
		if env.Close {
			return
		}
		if env.Channel != p.id {
			p.conn.WLogf("Dropping frame for channel %s received on %v", env.Channel, p)
			recordDropped(kind, "channel")
			continue
		}
		ev := msgport.MessageEvent{Data: env.Message}
		if len(env.Ports) > 0 {
			if ev, err = p.receivePorts(env); err != nil {
				p.conn.WLogf("Dropping message on %v: %s", p, err)
				recordDropped(kind, "markers")
				continue
			}
		}
		if !p.Deliver(ev) {
			closePorts(ev.Ports)
			return
		}
	}
}

func (p *muxPort) receivePorts(env *Envelope) (msgport.MessageEvent, error) {
	ports := make([]msgport.Port, 0, len(env.Ports))
	for _, id := range env.Ports {
		sub, err := p.conn.attachPort(context.Background(), id)
		if err != nil {
			closePorts(ports)
			return msgport.MessageEvent{}, err
		}
		a, b := msgport.NewChannel()
		if _, err := msgport.NewBridge(p.conn.Logger, sub, a); err != nil {
			sub.Close()
			a.Close()
		}
		ports = append(ports, b)
	}
	data, err := msgport.SubstitutePorts(env.Message, ports)
	if err != nil {
		closePorts(ports)
		return msgport.MessageEvent{}, err
	}
	return msgport.MessageEvent{Data: data, Ports: ports}, nil
}

// Close closes the channel's stream. The peer sees end of stream and closes its half.
func (p *muxPort) Close() error {
	if !p.Inbox.Close() {
		return nil
	}
	p.conn.removePort(p)
	return p.frames.Close()
}

var _ msgport.Port = (*muxPort)(nil)

// muxOpener opens broker sub-channels as new streams named by a correlation id
type muxOpener struct {
	c *MuxConn
}

func (o muxOpener) OpenSubChannel() (msgport.Port, msgport.Port, any, error) {
	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), o.c.cfg.AttachTimeout)
	defer cancel()
	p, err := o.c.openPort(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, nil, proxyChannelRef(id), nil
}

func (o muxOpener) AttachSubChannel(ref any) (msgport.Port, error) {
	id, err := proxyChannelID(ref)
	if err != nil {
		return nil, err
	}
	return o.c.attachPort(context.Background(), id)
}
