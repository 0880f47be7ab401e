package msgport

import "reflect"

// EventListener is a capability object that receives events through HandleEvent
type EventListener interface {
	HandleEvent(ev MessageEvent)
}

type handlerKind int

const (
	callbackHandler handlerKind = iota + 1
	listenerHandler
)

// Handler is either a callback function or an EventListener. Both forms are
// invoked identically through Invoke. Handlers are compared by identity: the
// *Handler itself for callbacks, and the listener value for listeners.
type Handler struct {
	kind     handlerKind
	fn       func(MessageEvent)
	listener EventListener
}

// HandlerFunc wraps a plain callback. Keep the returned *Handler to remove it later.
func HandlerFunc(fn func(MessageEvent)) *Handler {
	return &Handler{kind: callbackHandler, fn: fn}
}

// ListenerHandler wraps an EventListener. Two Handlers wrapping the same
// comparable listener are the same registration.
func ListenerHandler(l EventListener) *Handler {
	return &Handler{kind: listenerHandler, listener: l}
}

// Invoke dispatches ev to the wrapped callback or listener
func (h *Handler) Invoke(ev MessageEvent) {
	switch h.kind {
	case callbackHandler:
		if h.fn != nil {
			h.fn(ev)
		}
	case listenerHandler:
		if h.listener != nil {
			h.listener.HandleEvent(ev)
		}
	}
}

// IsListener returns true if h wraps an EventListener
func (h *Handler) IsListener() bool {
	return h.kind == listenerHandler
}

// key is the registry identity of h. A listener whose dynamic value cannot be
// compared, such as a struct holding a slice in an interface field, falls back
// to the *Handler.
func (h *Handler) key() any {
	if h.kind == listenerHandler && h.listener != nil && reflect.ValueOf(h.listener).Comparable() {
		return h.listener
	}
	return h
}
