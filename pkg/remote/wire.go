package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sammck-go/msgport/pkg/msgport"
)

// Request types
const (
	TypeGet      = "GET"
	TypeSet      = "SET"
	TypeApply    = "APPLY"
	TypeEndpoint = "ENDPOINT"
	TypeRelease  = "RELEASE"
)

// Wire value kinds and handlers
const (
	KindRaw     = "raw"
	KindHandler = "handler"

	HandlerProxy = "proxy"
	HandlerPort  = "port"
	HandlerThrow = "throw"
)

// Message field names
const (
	fieldID      = "id"
	fieldType    = "type"
	fieldPath    = "path"
	fieldValue   = "value"
	fieldArgs    = "args"
	fieldKind    = "kind"
	fieldHandler = "handler"
	fieldMessage = "message"
	fieldName    = "name"
)

var (
	// ErrReleased is returned by every call on a Remote after Release
	ErrReleased = fmt.Errorf("%w: proxy has been released and is not useable", msgport.ErrMisuse)
)

// CallError carries an error raised by the exposed object on the other side.
// Kind names the msgport error kind of the original error, if any, so that
// errors.Is(err, msgport.ErrUnsupported) holds across the connection.
type CallError struct {
	Message string
	Kind    string
}

func (e *CallError) Error() string {
	return "remote: " + e.Message
}

// Is matches the msgport error kind recorded by the other side
func (e *CallError) Is(target error) bool {
	for _, k := range errorKinds {
		if e.Kind == k.name && target == k.err {
			return true
		}
	}
	return false
}

// errorKinds names the msgport error kinds carried by thrown values
var errorKinds = []struct {
	name string
	err  error
}{
	{"unsupported", msgport.ErrUnsupported},
	{"misuse", msgport.ErrMisuse},
	{"transport", msgport.ErrTransport},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// ProxyValue marks a value that is sent as a live proxy instead of being copied.
// Functions and objects with methods must be wrapped with Proxy to cross an
// Endpoint.
type ProxyValue struct {
	V any
}

// Proxy marks v for live proxying
func Proxy(v any) *ProxyValue {
	return &ProxyValue{V: v}
}

// request is a decoded request message
type request struct {
	id    string
	typ   string
	path  []string
	value any
	args  []any
}

func (r *request) encode() map[string]any {
	path := make([]any, len(r.path))
	for i, p := range r.path {
		path[i] = p
	}
	msg := map[string]any{
		fieldID:   r.id,
		fieldType: r.typ,
		fieldPath: path,
	}
	if r.value != nil {
		msg[fieldValue] = r.value
	}
	if len(r.args) > 0 {
		msg[fieldArgs] = r.args
	}
	return msg
}

// parseRequest decodes data if it is a request message
func parseRequest(data any) (*request, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	id, _ := m[fieldID].(string)
	typ, _ := m[fieldType].(string)
	if id == "" || typ == "" {
		return nil, false
	}
	r := &request{id: id, typ: typ, value: m[fieldValue]}
	if path, ok := m[fieldPath].([]any); ok {
		for _, p := range path {
			s, ok := p.(string)
			if !ok {
				return nil, false
			}
			r.path = append(r.path, s)
		}
	}
	if args, ok := m[fieldArgs].([]any); ok {
		r.args = args
	}
	return r, true
}

// wireValue is a value as it travels: raw data, or a handler-encoded proxy, port
// or thrown error
type wireValue struct {
	kind    string
	handler string
	value   any
}

func (w *wireValue) encode() map[string]any {
	m := map[string]any{fieldKind: w.kind, fieldValue: w.value}
	if w.kind == KindHandler {
		m[fieldHandler] = w.handler
	}
	return m
}

func parseWireValue(data any) (*wireValue, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: malformed wire value %T", msgport.ErrMisuse, data)
	}
	w := &wireValue{value: m[fieldValue]}
	w.kind, _ = m[fieldKind].(string)
	w.handler, _ = m[fieldHandler].(string)
	switch {
	case w.kind == KindRaw:
	case w.kind == KindHandler && (w.handler == HandlerProxy || w.handler == HandlerPort || w.handler == HandlerThrow):
	default:
		return nil, fmt.Errorf("%w: unknown wire value kind %q handler %q", msgport.ErrMisuse, w.kind, w.handler)
	}
	return w, nil
}

// reply is a response message: a wire value tagged with the request id
func encodeReply(id string, w *wireValue) map[string]any {
	m := w.encode()
	m[fieldID] = id
	return m
}

func throwValue(err error) *wireValue {
	return &wireValue{kind: KindHandler, handler: HandlerThrow, value: map[string]any{
		fieldMessage: err.Error(),
		fieldName:    errorKind(err),
	}}
}

func thrownError(w *wireValue) error {
	if m, ok := w.value.(map[string]any); ok {
		if msg, ok := m[fieldMessage].(string); ok {
			kind, _ := m[fieldName].(string)
			return &CallError{Message: msg, Kind: kind}
		}
	}
	return &CallError{Message: fmt.Sprint(w.value)}
}

// normalize copies v through JSON, so that a value reads the same whether it
// crossed an in-process channel or a network connection
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value of type %T cannot be sent; wrap it with Proxy: %v", msgport.ErrMisuse, v, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// toWire encodes v for sending, adding any ports to tl
func toWire(v any, broker *msgport.Broker, expose msgport.ExposeFunc, tl *msgport.TransferList) (*wireValue, error) {
	switch x := v.(type) {
	case *ProxyValue:
		// a refusing broker yields a nil ref, which the peer decodes as an
		// inert proxy
		ref, err := broker.SerializeProxy(x.V, expose, tl)
		if err != nil {
			return nil, err
		}
		return &wireValue{kind: KindHandler, handler: HandlerProxy, value: ref}, nil
	case msgport.Port:
		ref, err := broker.SerializePort(x, tl)
		if err != nil {
			return nil, err
		}
		return &wireValue{kind: KindHandler, handler: HandlerPort, value: ref}, nil
	}
	raw, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return &wireValue{kind: KindRaw, value: raw}, nil
}
