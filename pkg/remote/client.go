package remote

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
)

// link is the request state shared by every Remote derived from one Wrap
type link struct {
	logger.Logger
	ep      msgport.Endpoint
	broker  *msgport.Broker
	handler *msgport.Handler

	// refused links stand for proxies the connection would not carry
	refused bool

	lock     sync.Mutex
	pending  map[string]chan msgport.MessageEvent
	released bool
	closed   bool
}

// Remote is a handle on a member of an object exposed on the other side of an
// Endpoint. Every operation is one request and waits for its reply.
type Remote struct {
	link *link
	path []string
}

// Wrap returns a Remote for the object exposed on ep. broker is the sub-channel
// broker of the connection carrying ep. ep is started.
func Wrap(lg logger.Logger, ep msgport.Endpoint, broker *msgport.Broker) (*Remote, error) {
	l := &link{
		Logger:  lg.ForkLog("Wrap(%v)", ep),
		ep:      ep,
		broker:  broker,
		pending: make(map[string]chan msgport.MessageEvent),
	}
	l.handler = msgport.HandlerFunc(l.handle)
	if err := ep.AddEventListener(msgport.EventMessage, l.handler); err != nil {
		return nil, err
	}
	if p, ok := ep.(msgport.Port); ok {
		go func() {
			<-p.Done()
			l.close()
		}()
	}
	msgport.StartEndpoint(ep)
	return &Remote{link: l}, nil
}

// refusedRemote is the stand-in for a proxy received over a connection that
// refuses proxies. Every operation on it fails with ErrUnsupported.
func refusedRemote(lg logger.Logger, broker *msgport.Broker) *Remote {
	return &Remote{link: &link{
		Logger:  lg.ForkLog("RefusedProxy"),
		broker:  broker,
		refused: true,
		pending: make(map[string]chan msgport.MessageEvent),
	}}
}

func (r *Remote) String() string {
	return fmt.Sprintf("Remote(%s)", strings.Join(r.path, "."))
}

// Get returns a Remote for a member of r. It does not send anything.
func (r *Remote) Get(names ...string) *Remote {
	path := make([]string, 0, len(r.path)+len(names))
	path = append(path, r.path...)
	path = append(path, names...)
	return &Remote{link: r.link, path: path}
}

// Path returns the member path of r
func (r *Remote) Path() []string {
	return r.path
}

// Value fetches the current value of the member
func (r *Remote) Value(ctx context.Context) (any, error) {
	return r.link.request(ctx, TypeGet, r.path, nil, nil)
}

// Set assigns value to the member
func (r *Remote) Set(ctx context.Context, value any) error {
	_, err := r.link.request(ctx, TypeSet, r.path, value, nil)
	return err
}

// Call invokes the member as a function. Wrap functions and objects with Proxy to
// pass them by reference; Ports are transferred.
func (r *Remote) Call(ctx context.Context, args ...any) (any, error) {
	return r.link.request(ctx, TypeApply, r.path, nil, args)
}

// CreateEndpoint asks the other side for a new channel on which the same object is
// exposed. Wrap the returned Port to use it.
func (r *Remote) CreateEndpoint(ctx context.Context) (msgport.Port, error) {
	v, err := r.link.request(ctx, TypeEndpoint, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	p, ok := v.(msgport.Port)
	if !ok {
		return nil, fmt.Errorf("%w: ENDPOINT answered with %T", msgport.ErrMisuse, v)
	}
	return p, nil
}

// Release tells the other side to stop serving and detaches from the Endpoint.
// Every Remote derived from the same Wrap becomes unusable.
func (r *Remote) Release(ctx context.Context) error {
	if r.link.refused {
		return nil
	}
	_, err := r.link.request(ctx, TypeRelease, nil, nil, nil)
	r.link.release()
	if errors.Is(err, msgport.ErrClosed) {
		// the other side closes the channel right after answering
		err = nil
	}
	return err
}

// Broker returns the broker used for proxies and ports
func (r *Remote) Broker() *msgport.Broker {
	return r.link.broker
}

// ValueAs fetches the value of r converted to T
func ValueAs[T any](ctx context.Context, r *Remote) (T, error) {
	var zero T
	v, err := r.Value(ctx)
	if err != nil {
		return zero, err
	}
	rv, err := convert(v, reflect.TypeOf(&zero).Elem())
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

func (l *link) exposeFunc() msgport.ExposeFunc {
	return func(v any, local msgport.Port) error {
		_, err := Expose(l.Logger, v, local, l.broker)
		return err
	}
}

func (l *link) request(ctx context.Context, typ string, path []string, value any, args []any) (any, error) {
	if l.refused {
		return nil, fmt.Errorf("%w: %s on a refused proxy", msgport.ErrUnsupported, typ)
	}
	req := &request{id: uuid.NewString(), typ: typ, path: path}
	tl := &msgport.TransferList{}
	fail := func(err error) (any, error) {
		closeTransfers(tl)
		return nil, err
	}
	if typ == TypeSet {
		w, err := toWire(value, l.broker, l.exposeFunc(), tl)
		if err != nil {
			return fail(err)
		}
		req.value = w.encode()
	}
	for _, a := range args {
		w, err := toWire(a, l.broker, l.exposeFunc(), tl)
		if err != nil {
			return fail(err)
		}
		req.args = append(req.args, w.encode())
	}

	ch := make(chan msgport.MessageEvent, 1)
	l.lock.Lock()
	switch {
	case l.released:
		l.lock.Unlock()
		return fail(ErrReleased)
	case l.closed:
		l.lock.Unlock()
		return fail(msgport.ErrClosed)
	}
	l.pending[req.id] = ch
	l.lock.Unlock()
	defer func() {
		l.lock.Lock()
		delete(l.pending, req.id)
		l.lock.Unlock()
	}()

	if err := l.ep.PostMessage(req.encode(), tl.Ports()); err != nil {
		return fail(err)
	}
	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, msgport.ErrClosed
		}
		w, err := parseWireValue(ev.Data)
		if err != nil {
			closePorts(ev.Ports)
			return nil, err
		}
		return decodeWire(l.Logger, w, l.broker, ev.Ports)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func closePorts(ports []msgport.Port) {
	for _, p := range ports {
		p.Close()
	}
}

func (l *link) handle(ev msgport.MessageEvent) {
	m, ok := ev.Data.(map[string]any)
	if !ok {
		return
	}
	id, _ := m[fieldID].(string)
	if _, isRequest := m[fieldType]; isRequest || id == "" {
		return
	}
	l.lock.Lock()
	ch, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.lock.Unlock()
	if !ok {
		l.DLogf("Dropping reply to unknown request %s", id)
		closePorts(ev.Ports)
		return
	}
	ch <- ev
}

// close fails every pending request once the endpoint is gone
func (l *link) close() {
	l.lock.Lock()
	l.closed = true
	pending := l.pending
	l.pending = make(map[string]chan msgport.MessageEvent)
	l.lock.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (l *link) release() {
	l.lock.Lock()
	if l.released {
		l.lock.Unlock()
		return
	}
	l.released = true
	l.lock.Unlock()
	l.ep.RemoveEventListener(msgport.EventMessage, l.handler)
	if p, ok := l.ep.(msgport.Port); ok {
		p.Close()
	}
}
