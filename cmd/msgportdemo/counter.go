package main

import "sync"

// Counter is the object the demo server exposes. One Counter is shared by every
// connection, so the count is only reachable through its methods.
type Counter struct {
	lock  sync.Mutex
	count int
}

func (c *Counter) Add() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.count++
	return c.count
}

func (c *Counter) Subtract() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.count--
	return c.count
}

func (c *Counter) Get() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.count
}

// Use calls handler with the current count and returns its error
func (c *Counter) Use(handler func(count int) error) error {
	return handler(c.Get())
}

// API is the root object served to clients
type API struct {
	CounterInstance *Counter
}
