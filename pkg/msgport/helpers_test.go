package msgport

import (
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

// collector records every event delivered to its Handler
type collector struct {
	events  chan MessageEvent
	handler *Handler
}

func newCollector() *collector {
	c := &collector{events: make(chan MessageEvent, 64)}
	c.handler = HandlerFunc(func(ev MessageEvent) { c.events <- ev })
	return c
}

func (c *collector) next(t *testing.T) MessageEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a message")
		return MessageEvent{}
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

func waitClosed(t *testing.T, p Port) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %v to close", p)
	}
}
