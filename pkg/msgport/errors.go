package msgport

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this module that belongs to one of these
// kinds satisfies errors.Is(err, kind).
var (
	// ErrMisuse is returned when the caller used the API incorrectly
	ErrMisuse = errors.New("misuse")

	// ErrUnsupported is returned when the proxy policy of a connection cannot fulfill
	// an otherwise legitimate request
	ErrUnsupported = errors.New("operation not supported")

	// ErrTransport is returned when the underlying connection failed
	ErrTransport = errors.New("transport failure")
)

var (
	// ErrClosed is returned when posting to a Port or connection that has been closed
	ErrClosed = fmt.Errorf("%w: channel closed", ErrTransport)

	// ErrCyclicPayload is returned when a payload walked for markers refers to itself
	ErrCyclicPayload = fmt.Errorf("%w: cyclic payload", ErrMisuse)

	// ErrPayloadTooDeep is returned when a payload nests deeper than MaxMarkerDepth
	ErrPayloadTooDeep = fmt.Errorf("%w: payload nested too deeply", ErrMisuse)

	// ErrNilHandler is returned when a nil *Handler is registered
	ErrNilHandler = fmt.Errorf("%w: nil handler", ErrMisuse)
)

// UnsupportedEventError is returned by strict endpoints for any event name other
// than EventMessage.
type UnsupportedEventError struct {
	Name string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported event name %q; only %q is supported", e.Name, EventMessage)
}

// Is reports that an UnsupportedEventError is a misuse error
func (e *UnsupportedEventError) Is(target error) bool {
	return target == ErrMisuse
}

// TransportError wraps a native failure of the underlying connection.
// It matches both ErrTransport and its cause with errors.Is.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// NewTransportError wraps err as a TransportError for operation op. It returns nil
// for a nil err, and returns err unchanged if it already is a transport error.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
