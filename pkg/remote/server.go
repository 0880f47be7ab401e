package remote

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
)

// Server answers requests arriving on an Endpoint by operating on an exposed
// object. Requests on one Endpoint are served one at a time, in order; an object
// exposed on several Endpoints must be safe for concurrent use.
type Server struct {
	logger.Logger
	obj     any
	ep      msgport.Endpoint
	broker  *msgport.Broker
	handler *msgport.Handler

	lock     sync.Mutex
	released bool
	done     chan struct{}
}

// Expose serves obj on ep. broker is the sub-channel broker of the connection
// carrying ep; it is used for proxies and for ENDPOINT requests. ep is started.
func Expose(lg logger.Logger, obj any, ep msgport.Endpoint, broker *msgport.Broker) (*Server, error) {
	s := &Server{
		Logger: lg.ForkLog("Expose(%T)", obj),
		obj:    obj,
		ep:     ep,
		broker: broker,
		done:   make(chan struct{}),
	}
	s.handler = msgport.HandlerFunc(s.handle)
	if err := ep.AddEventListener(msgport.EventMessage, s.handler); err != nil {
		return nil, err
	}
	msgport.StartEndpoint(ep)
	return s, nil
}

// Done returns a channel that is closed once the Server has been released
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Release stops serving. If the Endpoint is a Port, it is closed.
func (s *Server) Release() error {
	s.lock.Lock()
	if s.released {
		s.lock.Unlock()
		return nil
	}
	s.released = true
	close(s.done)
	s.lock.Unlock()
	err := s.ep.RemoveEventListener(msgport.EventMessage, s.handler)
	if p, ok := s.ep.(msgport.Port); ok {
		p.Close()
	}
	return err
}

func (s *Server) exposeFunc() msgport.ExposeFunc {
	return func(v any, local msgport.Port) error {
		_, err := Expose(s.Logger, v, local, s.broker)
		return err
	}
}

func (s *Server) handle(ev msgport.MessageEvent) {
	req, ok := parseRequest(ev.Data)
	if !ok {
		s.TLogf("Ignoring message that is not a request")
		return
	}
	s.TLogf("%s %v", req.typ, req.path)
	tl := &msgport.TransferList{}
	result, err := s.execute(req, ev.Ports, tl)
	var w *wireValue
	if err == nil {
		w, err = toWire(result, s.broker, s.exposeFunc(), tl)
	}
	if err != nil {
		s.DLogf("%s %v failed: %s", req.typ, req.path, err)
		closeTransfers(tl)
		w, tl = throwValue(err), &msgport.TransferList{}
	}
	if err := s.ep.PostMessage(encodeReply(req.id, w), tl.Ports()); err != nil {
		s.DLogf("Could not reply to %s %v: %s", req.typ, req.path, err)
		closeTransfers(tl)
		if tl.Len() > 0 {
			// the endpoint may still carry a reply without channels
			s.ep.PostMessage(encodeReply(req.id, throwValue(err)), nil)
		}
	}
	if req.typ == TypeRelease {
		s.Release()
	}
}

func closeTransfers(tl *msgport.TransferList) {
	for _, p := range tl.Ports() {
		p.Close()
	}
}

func (s *Server) execute(req *request, ports []msgport.Port, tl *msgport.TransferList) (any, error) {
	switch req.typ {
	case TypeGet:
		v, err := resolve(s.obj, req.path)
		if err != nil {
			return nil, err
		}
		if v.Kind() == reflect.Func {
			return nil, fmt.Errorf("%w: %v is a function; call it instead", msgport.ErrMisuse, req.path)
		}
		return v.Interface(), nil

	case TypeSet:
		value, err := s.fromWire(req.value, ports)
		if err != nil {
			return nil, err
		}
		return nil, assign(s.obj, req.path, value)

	case TypeApply:
		fn, err := resolve(s.obj, req.path)
		if err != nil {
			return nil, err
		}
		args := make([]any, len(req.args))
		for i, a := range req.args {
			if args[i], err = s.fromWire(a, ports); err != nil {
				return nil, err
			}
		}
		return invoke(fn, args)

	case TypeEndpoint:
		local, remote := msgport.NewChannel()
		if _, err := Expose(s.Logger, s.obj, local, s.broker); err != nil {
			local.Close()
			return nil, err
		}
		return msgport.Port(remote), nil

	case TypeRelease:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown request type %q", msgport.ErrMisuse, req.typ)
}

// fromWire decodes an argument: proxies become *Remote, ports become msgport.Port
func (s *Server) fromWire(data any, ports []msgport.Port) (any, error) {
	if data == nil {
		return nil, nil
	}
	w, err := parseWireValue(data)
	if err != nil {
		return nil, err
	}
	return decodeWire(s.Logger, w, s.broker, ports)
}

func decodeWire(lg logger.Logger, w *wireValue, broker *msgport.Broker, ports []msgport.Port) (any, error) {
	switch {
	case w.kind == KindRaw:
		return w.value, nil
	case w.handler == HandlerProxy:
		p, err := broker.DeserializeProxy(w.value, ports)
		if err != nil {
			return nil, err
		}
		if _, ok := p.(*msgport.RefusedPort); ok {
			return refusedRemote(lg, broker), nil
		}
		r, err := Wrap(lg, p, broker)
		if err != nil {
			p.Close()
			return nil, err
		}
		return r, nil
	case w.handler == HandlerPort:
		return broker.DeserializePort(w.value, ports)
	}
	return nil, thrownError(w)
}
