package msgport

// EventMessage is the only event name supported by any Endpoint
const EventMessage = "message"

// MessageEvent is delivered to handlers for every received message. Ports holds the
// transferred channel halves, in the order they were listed by the sender.
type MessageEvent struct {
	Data  any
	Ports []Port
}

// Endpoint is the uniform bidirectional messaging contract implemented once per transport.
type Endpoint interface {
	// PostMessage enqueues data for delivery to the peer. Ownership of each Port in
	// transfer passes to the receiver. PostMessage does not wait for the peer.
	PostMessage(data any, transfer []Port) error

	// AddEventListener registers h to be invoked for every received message.
	// Adding the same handler twice has no additional effect.
	AddEventListener(name string, h *Handler) error

	// RemoveEventListener undoes a prior AddEventListener. Removing a handler that
	// was never added is not an error.
	RemoveEventListener(name string, h *Handler) error
}

// Starter is implemented by endpoints that queue messages until explicitly started
type Starter interface {
	Start()
}

// Port is one half of a Channel. A Port queues received messages until Start is
// called; Close is idempotent and closes the entangled half as well.
type Port interface {
	Endpoint
	Starter

	// Close closes the Port. Delivery stops before Close returns.
	Close() error

	// Done returns a channel that is closed once the Port is closed
	Done() <-chan struct{}
}

// StartEndpoint calls Start on ep if it requires explicit activation
func StartEndpoint(ep Endpoint) {
	if s, ok := ep.(Starter); ok {
		s.Start()
	}
}

// EventNamePolicy selects how an endpoint reacts to an event name other than EventMessage
type EventNamePolicy int

const (
	// StrictEventNames fails add/remove with *UnsupportedEventError
	StrictEventNames EventNamePolicy = iota

	// FilterEventNames silently ignores add/remove for other names
	FilterEventNames
)

func (p EventNamePolicy) String() string {
	if p == FilterEventNames {
		return "filter"
	}
	return "strict"
}

// CheckEventName reports whether a listener operation for name should proceed. Under
// StrictEventNames an unsupported name yields an error; under FilterEventNames it
// yields (false, nil).
func CheckEventName(policy EventNamePolicy, name string) (bool, error) {
	if name == EventMessage {
		return true, nil
	}
	if policy == FilterEventNames {
		return false, nil
	}
	return false, &UnsupportedEventError{Name: name}
}
