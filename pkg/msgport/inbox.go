package msgport

import "sync"

// Inbox queues received MessageEvents for one channel and dispatches them, in
// arrival order, to the registered handlers from a single goroutine. Nothing is
// dispatched until Start is called. Transports embed an Inbox to implement the
// receiving side of a Port.
type Inbox struct {
	policy    EventNamePolicy
	listeners *Registry[func(MessageEvent)]

	mu      sync.Mutex
	queue   []MessageEvent
	started bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewInbox creates an Inbox that applies policy to event names
func NewInbox(policy EventNamePolicy) *Inbox {
	return &Inbox{
		policy:    policy,
		listeners: NewRegistry[func(MessageEvent)](),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// AddEventListener registers h. Part of the Endpoint interface
func (in *Inbox) AddEventListener(name string, h *Handler) error {
	ok, err := CheckEventName(in.policy, name)
	if !ok {
		return err
	}
	if h == nil {
		return ErrNilHandler
	}
	if in.IsClosed() {
		return nil
	}
	in.listeners.Add(h, h.Invoke)
	return nil
}

// RemoveEventListener unregisters h. Part of the Endpoint interface
func (in *Inbox) RemoveEventListener(name string, h *Handler) error {
	ok, err := CheckEventName(in.policy, name)
	if !ok || h == nil {
		return err
	}
	in.listeners.Remove(h)
	return nil
}

// NumListeners returns the number of registered handlers
func (in *Inbox) NumListeners() int {
	return in.listeners.Len()
}

// Start begins dispatching queued and future messages. Calling it again has no effect.
func (in *Inbox) Start() {
	in.mu.Lock()
	if in.started || in.closed {
		in.mu.Unlock()
		return
	}
	in.started = true
	in.mu.Unlock()
	go in.dispatchLoop()
	in.signal()
}

// IsStarted returns true once Start has been called
func (in *Inbox) IsStarted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.started
}

// Deliver appends ev to the queue. It returns false if the Inbox is closed.
func (in *Inbox) Deliver(ev MessageEvent) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.queue = append(in.queue, ev)
	in.mu.Unlock()
	in.signal()
	return true
}

// Pending returns the number of queued, undispatched events
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Close stops delivery, drops queued events and clears the listener registry.
// It returns true only for the call that actually closed the Inbox.
func (in *Inbox) Close() bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.closed = true
	in.queue = nil
	close(in.done)
	in.mu.Unlock()
	in.listeners.Clear()
	return true
}

// IsClosed returns true once Close has been called
func (in *Inbox) IsClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Done returns a channel that is closed when the Inbox is closed
func (in *Inbox) Done() <-chan struct{} {
	return in.done
}

func (in *Inbox) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *Inbox) next() (MessageEvent, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || len(in.queue) == 0 {
		return MessageEvent{}, false
	}
	ev := in.queue[0]
	in.queue[0] = MessageEvent{}
	in.queue = in.queue[1:]
	return ev, true
}

func (in *Inbox) dispatchLoop() {
	for {
		select {
		case <-in.done:
			return
		case <-in.wake:
		}
		for {
			ev, ok := in.next()
			if !ok {
				break
			}
			for _, fn := range in.listeners.Snapshot() {
				if in.IsClosed() {
					return
				}
				fn(ev)
			}
		}
	}
}
