package msgnet

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total connection counts for a
// server or listener, and mirrors the open count into the open_connections gauge.
type ConnStats struct {
	transport string
	count     atomic.Int32
	open      atomic.Int32
}

// NewConnStats creates a ConnStats labelled with transport
func NewConnStats(transport string) *ConnStats {
	return &ConnStats{transport: transport}
}

// New adds one to the total connection count and returns the new total
func (c *ConnStats) New() int32 {
	return c.count.Add(1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	c.open.Add(1)
	openConns.WithLabelValues(c.transport).Inc()
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	c.open.Add(-1)
	openConns.WithLabelValues(c.transport).Dec()
}

// NumOpen returns the current open connection count
func (c *ConnStats) NumOpen() int32 {
	return c.open.Load()
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.open.Load(), c.count.Load())
}
