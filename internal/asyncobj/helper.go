package asyncobj

import (
	"context"
	"sync"

	"github.com/sammck-go/msgport/internal/logger"
)

// OnceActivateHandler activates an object. DoOnceActivate calls it at most once,
// with shutdown paused. A non-nil error leaves the object inactive and starts
// shutdown with that error.
type OnceActivateHandler func() error

// HandleOnceShutdowner is implemented by the object a Helper manages
type HandleOnceShutdowner interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine and never
	// while shutdown is paused. completionError is advisory; the returned error
	// becomes the final status.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is anything that can be shut down in the background and
// waited on. Connections handed to a Server are AsyncShutdowners.
type AsyncShutdowner interface {
	// StartShutdown schedules shutdown with an advisory status. Later calls have
	// no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan is closed once shutdown has finished
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until shutdown has finished and returns the final status
	WaitShutdown() error
}

// Helper runs the shutdown sequence of the object it is embedded in: an optional
// pause, a single call to HandleOnceShutdown, then shutdown of any children.
type Helper struct {
	logger.Logger

	// Lock guards the helper state. Embedding objects may use it for their own
	// short critical sections.
	Lock sync.Mutex

	handler HandleOnceShutdowner

	// pauseCount must fall to zero before a scheduled shutdown starts
	pauseCount int

	activated bool
	scheduled bool
	started   bool
	done      bool

	// status is advisory until the handler returns, then final
	status error

	startedChan chan struct{}

	// handlerDoneChan is closed when HandleOnceShutdown returns, which tells
	// children to begin their own shutdown
	handlerDoneChan chan struct{}

	doneChan chan struct{}

	children sync.WaitGroup
}

// NewHelper creates a Helper that will call handler.HandleOnceShutdown
func NewHelper(lg logger.Logger, handler HandleOnceShutdowner) *Helper {
	return &Helper{
		Logger:          lg,
		handler:         handler,
		startedChan:     make(chan struct{}),
		handlerDoneChan: make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// run carries out a shutdown that has just been marked started
func (h *Helper) run() {
	h.TLogf("->shutdownStarted")
	close(h.startedChan)
	go func() {
		err := h.handler.HandleOnceShutdown(h.status)
		h.Lock.Lock()
		h.status = err
		h.Lock.Unlock()
		close(h.handlerDoneChan)
		h.children.Wait()
		h.Lock.Lock()
		h.done = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.doneChan)
	}()
}

// PauseShutdown holds off the start of shutdown until a matching ResumeShutdown.
// It fails once shutdown has started.
func (h *Helper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.started {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown. The last resume starts a shutdown that
// was requested while paused.
func (h *Helper) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.pauseCount--
	now := h.pauseCount == 0 && h.scheduled && !h.started
	if now {
		h.started = true
	}
	h.Lock.Unlock()

	if now {
		h.run()
	}
}

// IsActivated returns true once SetIsActivated has succeeded
func (h *Helper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.activated
}

// SetIsActivated marks the object active. It fails if shutdown has already started.
func (h *Helper) SetIsActivated() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.activated {
		if h.started {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.activated = true
	}
	return nil
}

// DoOnceActivate runs activate with shutdown paused, unless the object is
// already active. If activation fails, or shutdown had already started, the
// object shuts down; with waitOnFail set the call waits for that to finish.
func (h *Helper) DoOnceActivate(activate OnceActivateHandler, waitOnFail bool) error {
	var err error
	h.Lock.Lock()
	if h.activated {
		h.Lock.Unlock()
		return nil
	}
	if h.started {
		h.Lock.Unlock()
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.pauseCount++
	h.Lock.Unlock()

	err = activate()
	if err == nil {
		err = h.SetIsActivated()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext starts shutdown with ctx.Err() if ctx ends first
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true once shutdown has begun, including after it is done
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.started
}

// IsDoneShutdown returns true once shutdown is complete
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.done
}

// ShutdownStartedChan is closed as soon as shutdown begins
func (h *Helper) ShutdownStartedChan() <-chan struct{} {
	return h.startedChan
}

// ShutdownDoneChan is closed once shutdown is complete
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// WaitShutdown blocks until shutdown is complete and returns the final status.
// It does not start shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.status
}

// Shutdown starts shutdown if needed and waits for it
func (h *Helper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules shutdown with an advisory status. Only the first call
// counts. While paused, the start is held until the last ResumeShutdown.
func (h *Helper) StartShutdown(completionErr error) {
	var now bool
	h.Lock.Lock()
	if !h.scheduled {
		h.status = completionErr
		h.scheduled = true
		now = h.pauseCount == 0
		h.started = now
	}
	h.Lock.Unlock()

	if now {
		h.run()
	}
}

// Close shuts down with a nil advisory status and returns the final status
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild ties child to this object: once HandleOnceShutdown returns,
// child is shut down with the same status, and this object's shutdown is not
// done until child's is.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.children.Add(1)
	go func() {
		defer h.children.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDoneChan:
			h.Lock.Lock()
			err := h.status
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
	}()
}
