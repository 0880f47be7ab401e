package msgnet

import (
	"testing"
	"time"

	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// collector records every event delivered to its Handler
type collector struct {
	events  chan msgport.MessageEvent
	handler *msgport.Handler
}

func newCollector() *collector {
	c := &collector{events: make(chan msgport.MessageEvent, 64)}
	c.handler = msgport.HandlerFunc(func(ev msgport.MessageEvent) { c.events <- ev })
	return c
}

// listen registers the collector on p and starts p
func listen(t *testing.T, p msgport.Port) *collector {
	t.Helper()
	c := newCollector()
	require.NoError(t, p.AddEventListener(msgport.EventMessage, c.handler))
	p.Start()
	return c
}

func (c *collector) next(t *testing.T) msgport.MessageEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a message")
		return msgport.MessageEvent{}
	}
}

func (c *collector) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected message: %#v", ev.Data)
	case <-time.After(wait):
	}
}

func waitClosed(t *testing.T, p msgport.Port) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %v to close", p)
	}
}

func waitShutdown(t *testing.T, c Connection) {
	t.Helper()
	select {
	case <-c.ShutdownDoneChan():
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %v to shut down", c)
	}
}

const testPoll = 5 * time.Millisecond

func timeout() <-chan time.Time {
	return time.After(testTimeout)
}
