package msgport

import (
	"fmt"
	"sync/atomic"

	"github.com/sammck-go/msgport/internal/asyncobj"
	"github.com/sammck-go/msgport/internal/logger"
	"go.uber.org/multierr"
)

// bridgeEdge is one of the two Ports joined by a Bridge
type bridgeEdge struct {
	port       Port
	handler    *Handler
	nForwarded atomic.Uint64
}

// Bridge relays messages in both directions between two Ports, typically of
// different kinds, so each side only deals with its own kind of Port. Closing
// either Port closes the other and shuts the Bridge down.
type Bridge struct {
	*asyncobj.Helper
	name  string
	edges [2]*bridgeEdge
}

// NewBridge installs relays between p0 and p1, then starts both. Messages that
// were queued on either Port before NewBridge are delivered through the relay;
// messages dispatched before the bridge existed are not redelivered.
// On return the bridge is already activated.
func NewBridge(lg logger.Logger, p0, p1 Port) (*Bridge, error) {
	if p0 == nil || p1 == nil || p0 == p1 {
		return nil, fmt.Errorf("%w: a bridge needs two distinct ports", ErrMisuse)
	}
	name := fmt.Sprintf("[Bridge %v <=> %v]", p0, p1)
	bb := &Bridge{
		name: name,
		edges: [2]*bridgeEdge{
			{port: p0},
			{port: p1},
		},
	}
	bb.Helper = asyncobj.NewHelper(lg.ForkLog("%s", name), bb)

	for i, src := range bb.edges {
		dst := bb.edges[1-i]
		src.handler = HandlerFunc(func(ev MessageEvent) {
			bb.forward(src, dst, ev)
		})
		if err := src.port.AddEventListener(EventMessage, src.handler); err != nil {
			bb.Shutdown(err)
			return nil, err
		}
	}
	bb.PanicOnError(bb.SetIsActivated())
	for _, edge := range bb.edges {
		edge.port.Start()
	}

	go func() {
		select {
		case <-p0.Done():
			bb.DLogf("%v closed; closing bridge", p0)
		case <-p1.Done():
			bb.DLogf("%v closed; closing bridge", p1)
		case <-bb.ShutdownStartedChan():
		}
		bb.StartShutdown(nil)
	}()

	return bb, nil
}

// String returns a friendly name for the bridge
func (bb *Bridge) String() string {
	return bb.name
}

// Port returns the Port at edgeIndex, which must be 0 or 1
func (bb *Bridge) Port(edgeIndex int) Port {
	return bb.edges[edgeIndex].port
}

// GetNumMessagesForwarded returns the number of messages successfully posted to the
// Port at edgeIndex. It may be called after shutdown to get the final count.
func (bb *Bridge) GetNumMessagesForwarded(edgeIndex int) uint64 {
	return bb.edges[edgeIndex].nForwarded.Load()
}

func (bb *Bridge) forward(src, dst *bridgeEdge, ev MessageEvent) {
	if err := dst.port.PostMessage(ev.Data, ev.Ports); err != nil {
		if bb.IsStartedShutdown() {
			bb.DLogf("Forward to %v failed, already shutting down: %s", dst.port, err)
		} else {
			bb.ILogf("Forward to %v failed; shutting down: %s", dst.port, err)
			bb.StartShutdown(err)
		}
		return
	}
	n := dst.nForwarded.Add(1)
	bb.TLogf("Forwarded message %d from %v to %v", n, src.port, dst.port)
}

// HandleOnceShutdown is called exactly once by the helper. It detaches the relays
// and closes both Ports.
func (bb *Bridge) HandleOnceShutdown(completionErr error) error {
	var err error
	for _, edge := range bb.edges {
		if edge.handler != nil {
			edge.port.RemoveEventListener(EventMessage, edge.handler)
		}
	}
	for _, edge := range bb.edges {
		err = multierr.Append(err, edge.port.Close())
	}
	if completionErr == nil {
		completionErr = err
	}
	bb.DLogf("Shut down after forwarding %d/%d messages", bb.GetNumMessagesForwarded(0), bb.GetNumMessagesForwarded(1))
	return completionErr
}
