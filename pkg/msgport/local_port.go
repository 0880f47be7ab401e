package msgport

import (
	"fmt"
	"sync/atomic"
)

var nextLocalPortID int64

// LocalPort is one half of an in-process Channel created by NewChannel. Ports are
// transferred natively: a LocalPort posted in a transfer list reaches the peer as
// the same object.
type LocalPort struct {
	*Inbox
	id   int64
	peer *LocalPort
}

// NewChannel creates a connected pair of LocalPorts. Messages posted on one half are
// received on the other. Both halves queue until started.
func NewChannel() (*LocalPort, *LocalPort) {
	p1 := &LocalPort{Inbox: NewInbox(StrictEventNames), id: atomic.AddInt64(&nextLocalPortID, 1)}
	p2 := &LocalPort{Inbox: NewInbox(StrictEventNames), id: atomic.AddInt64(&nextLocalPortID, 1)}
	p1.peer = p2
	p2.peer = p1
	return p1, p2
}

func (p *LocalPort) String() string {
	return fmt.Sprintf("LocalPort#%d", p.id)
}

// PostMessage delivers data to the entangled half. Markers in data are replaced by
// the Ports in transfer before delivery.
func (p *LocalPort) PostMessage(data any, transfer []Port) error {
	if p.IsClosed() {
		return ErrClosed
	}
	for _, t := range transfer {
		if t == nil {
			return fmt.Errorf("%w: nil port in transfer list", ErrMisuse)
		}
		if t == Port(p) || t == Port(p.peer) {
			return fmt.Errorf("%w: a port cannot transfer itself or its peer", ErrMisuse)
		}
	}
	if len(transfer) > 0 {
		var err error
		data, err = SubstitutePorts(data, transfer)
		if err != nil {
			return err
		}
	}
	if !p.peer.Deliver(MessageEvent{Data: data, Ports: transfer}) {
		return ErrClosed
	}
	return nil
}

// Close closes both halves of the Channel. Closing twice is not an error.
func (p *LocalPort) Close() error {
	if p.Inbox.Close() {
		p.peer.Close()
	}
	return nil
}

var _ Port = (*LocalPort)(nil)
