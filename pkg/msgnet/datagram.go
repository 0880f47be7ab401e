package msgnet

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sammck-go/msgport/internal/asyncobj"
	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
)

// maxDatagramSize is the largest envelope a DatagramEndpoint sends or receives
const maxDatagramSize = 64 * 1024

// DatagramEndpoint is one-shot messaging over a net.PacketConn: each message is one
// JSON datagram. It cannot open channels, so transfer lists fail with
// msgport.ErrUnsupported and its Broker refuses proxies. Event names are checked
// strictly.
type DatagramEndpoint struct {
	*asyncobj.Helper
	name   string
	inbox  *msgport.Inbox
	pc     net.PacketConn
	codec  Codec
	broker *msgport.Broker

	// mux is set for endpoints handed out by a DatagramMux, which owns pc
	mux *DatagramMux

	peerLock  sync.Mutex
	peer      net.Addr
	fixedPeer bool
}

// NewDatagramEndpoint serves pc. Messages are posted to peer; if peer is nil they go
// to the source of the most recently received datagram. Use a DatagramMux to
// serve several peers on one socket.
func NewDatagramEndpoint(lg logger.Logger, pc net.PacketConn, peer net.Addr) *DatagramEndpoint {
	d := newDatagramEndpoint(lg, pc, peer, nil)
	go d.readLoop()
	return d
}

func newDatagramEndpoint(lg logger.Logger, pc net.PacketConn, peer net.Addr, mux *DatagramMux) *DatagramEndpoint {
	d := &DatagramEndpoint{
		name:      fmt.Sprintf("Datagram(%s)", pc.LocalAddr()),
		inbox:     msgport.NewInbox(msgport.StrictEventNames),
		pc:        pc,
		codec:     JSONCodec{},
		mux:       mux,
		peer:      peer,
		fixedPeer: peer != nil,
	}
	if mux != nil {
		d.name = fmt.Sprintf("Datagram(%s<-%s)", pc.LocalAddr(), peer)
	}
	d.Helper = asyncobj.NewHelper(lg.ForkLog("%s", d.name), d)
	d.broker = msgport.NewBroker(d.Logger, msgport.RefusedProxy, nil)
	d.PanicOnError(d.SetIsActivated())
	return d
}

func (d *DatagramEndpoint) String() string {
	return d.name
}

// Port returns the endpoint itself
func (d *DatagramEndpoint) Port() msgport.Port {
	return d
}

// Broker returns the refusing broker owned by the endpoint
func (d *DatagramEndpoint) Broker() *msgport.Broker {
	return d.broker
}

// LocalAddr returns the local address of the packet connection
func (d *DatagramEndpoint) LocalAddr() net.Addr {
	return d.pc.LocalAddr()
}

// Peer returns the current destination of posted messages, or nil
func (d *DatagramEndpoint) Peer() net.Addr {
	d.peerLock.Lock()
	defer d.peerLock.Unlock()
	return d.peer
}

// PostMessage sends data as one datagram
func (d *DatagramEndpoint) PostMessage(data any, transfer []msgport.Port) error {
	if d.inbox.IsClosed() {
		return msgport.ErrClosed
	}
	if len(transfer) > 0 {
		return fmt.Errorf("%w: datagram endpoints cannot transfer ports", msgport.ErrUnsupported)
	}
	marked, err := msgport.MarkPorts(data, nil)
	if err != nil {
		return err
	}
	peer := d.Peer()
	if peer == nil {
		return fmt.Errorf("%w: no peer address to send to", msgport.ErrMisuse)
	}
	b, err := d.codec.Marshal(&Envelope{Channel: MessageChannelName, Message: marked})
	if err != nil {
		return err
	}
	if len(b) > maxDatagramSize {
		return fmt.Errorf("%w: message of %d bytes does not fit a datagram", msgport.ErrMisuse, len(b))
	}
	if _, err := d.pc.WriteTo(b, peer); err != nil {
		return msgport.NewTransportError("write", err)
	}
	recordSent("datagram", len(b))
	return nil
}

// AddEventListener registers h. Part of the Endpoint interface
func (d *DatagramEndpoint) AddEventListener(name string, h *msgport.Handler) error {
	return d.inbox.AddEventListener(name, h)
}

// RemoveEventListener unregisters h. Part of the Endpoint interface
func (d *DatagramEndpoint) RemoveEventListener(name string, h *msgport.Handler) error {
	return d.inbox.RemoveEventListener(name, h)
}

// Start begins dispatching received messages
func (d *DatagramEndpoint) Start() {
	d.inbox.Start()
}

// Done returns a channel that is closed once the endpoint stops delivering
func (d *DatagramEndpoint) Done() <-chan struct{} {
	return d.inbox.Done()
}

func (d *DatagramEndpoint) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := d.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				d.StartShutdown(nil)
			} else {
				d.StartShutdown(msgport.NewTransportError("read", err))
			}
			return
		}
		d.receive(buf[:n], from)
	}
}

// receive decodes one datagram from the given source and delivers its message
func (d *DatagramEndpoint) receive(b []byte, from net.Addr) {
	recordReceived("datagram", len(b))
	env, err := d.codec.Unmarshal(b)
	if err != nil || env.Channel != MessageChannelName || env.Close || len(env.Ports) > 0 {
		d.DLogf("Dropping datagram of %d bytes from %s", len(b), from)
		recordDropped("datagram", "decode")
		return
	}
	d.peerLock.Lock()
	if !d.fixedPeer {
		d.peer = from
	}
	d.peerLock.Unlock()
	d.inbox.Deliver(msgport.MessageEvent{Data: env.Message})
}

// HandleOnceShutdown stops delivery and closes the packet connection, unless a
// DatagramMux owns it
func (d *DatagramEndpoint) HandleOnceShutdown(completionErr error) error {
	d.inbox.Close()
	d.broker.Close()
	if d.mux != nil {
		d.mux.remove(d)
		return completionErr
	}
	err := d.pc.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// DatagramMux serves many peers on one net.PacketConn. The first datagram from a
// new source address creates a DatagramEndpoint bound to that address, which is
// handed to the onPeer callback; later datagrams from the same address go to the
// same endpoint. Closing an endpoint forgets the peer; a later datagram from it
// starts a new endpoint.
type DatagramMux struct {
	*asyncobj.Helper
	pc     net.PacketConn
	onPeer func(d *DatagramEndpoint)
	lock   sync.Mutex
	peers  map[string]*DatagramEndpoint
}

// NewDatagramMux starts reading pc. Ownership of pc passes to the DatagramMux.
func NewDatagramMux(lg logger.Logger, pc net.PacketConn, onPeer func(d *DatagramEndpoint)) *DatagramMux {
	m := &DatagramMux{
		pc:     pc,
		onPeer: onPeer,
		peers:  make(map[string]*DatagramEndpoint),
	}
	m.Helper = asyncobj.NewHelper(lg.ForkLog("DatagramMux(%s)", pc.LocalAddr()), m)
	m.PanicOnError(m.SetIsActivated())
	go m.readLoop()
	return m
}

// LocalAddr returns the local address of the packet connection
func (m *DatagramMux) LocalAddr() net.Addr {
	return m.pc.LocalAddr()
}

// NumPeers returns the number of peers with an open endpoint
func (m *DatagramMux) NumPeers() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.peers)
}

func (m *DatagramMux) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := m.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				m.StartShutdown(nil)
			} else {
				m.StartShutdown(msgport.NewTransportError("read", err))
			}
			return
		}
		d, isNew := m.endpointFor(from)
		if d == nil {
			return
		}
		if isNew {
			m.DLogf("New peer %s", from)
			m.onPeer(d)
		}
		d.receive(buf[:n], from)
	}
}

func (m *DatagramMux) endpointFor(from net.Addr) (*DatagramEndpoint, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.IsStartedShutdown() {
		return nil, false
	}
	key := from.String()
	if d, ok := m.peers[key]; ok {
		return d, false
	}
	d := newDatagramEndpoint(m.Logger, m.pc, from, m)
	m.peers[key] = d
	return d, true
}

func (m *DatagramMux) remove(d *DatagramEndpoint) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := d.Peer().String()
	if m.peers[key] == d {
		delete(m.peers, key)
	}
}

// HandleOnceShutdown closes every peer endpoint and the packet connection
func (m *DatagramMux) HandleOnceShutdown(completionErr error) error {
	m.lock.Lock()
	peers := make([]*DatagramEndpoint, 0, len(m.peers))
	for _, d := range m.peers {
		peers = append(peers, d)
	}
	m.lock.Unlock()
	for _, d := range peers {
		d.Close()
	}
	err := m.pc.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

var _ msgport.Port = (*DatagramEndpoint)(nil)
