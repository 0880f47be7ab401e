package msgport

import (
	"fmt"
	"sync"

	"github.com/sammck-go/msgport/internal/logger"
)

// ProxyPolicy selects what a Broker does with values that must be proxied
type ProxyPolicy int

const (
	// LiveProxy opens a private sub-channel per proxied value
	LiveProxy ProxyPolicy = iota

	// RefusedProxy serializes proxied values as nothing and hands the receiver an
	// inert RefusedPort. Used by connections that cannot open new channels.
	RefusedProxy
)

func (p ProxyPolicy) String() string {
	if p == RefusedProxy {
		return "refused"
	}
	return "live"
}

// ExposeFunc serves v on the retained half of a freshly opened sub-channel. It is
// supplied by the RPC layer and must install its listeners before starting local.
type ExposeFunc func(v any, local Port) error

// SubChannelOpener creates private sub-channels on one connection.
type SubChannelOpener interface {
	// OpenSubChannel creates a private channel. It returns the half retained by the
	// caller, and either the half to transfer to the peer (remote) or a reference
	// value (ref) that the peer passes to AttachSubChannel.
	OpenSubChannel() (local Port, remote Port, ref any, err error)

	// AttachSubChannel resolves a reference produced by the peer's OpenSubChannel
	AttachSubChannel(ref any) (Port, error)
}

// NativeOpener opens sub-channels as in-process Channels whose remote half is
// transferred with the message. It serves connections built on LocalPorts.
type NativeOpener struct{}

// OpenSubChannel creates a new Channel and returns both halves
func (NativeOpener) OpenSubChannel() (Port, Port, any, error) {
	a, b := NewChannel()
	return a, b, nil, nil
}

// AttachSubChannel always fails, since native sub-channels arrive as transferred ports
func (NativeOpener) AttachSubChannel(ref any) (Port, error) {
	return nil, fmt.Errorf("%w: expected a transferred port, got reference %v", ErrMisuse, ref)
}

// TransferList accumulates the Ports to transfer with one outgoing message and
// hands out the marker naming each.
type TransferList struct {
	ports []Port
}

// Add appends p, unless already present, and returns its marker
func (tl *TransferList) Add(p Port) string {
	for i, q := range tl.ports {
		if q == p {
			return IndexedMarker(i)
		}
	}
	tl.ports = append(tl.ports, p)
	return IndexedMarker(len(tl.ports) - 1)
}

// Ports returns the accumulated transfer list
func (tl *TransferList) Ports() []Port {
	return tl.ports
}

// Len returns the number of accumulated Ports
func (tl *TransferList) Len() int {
	return len(tl.ports)
}

// Broker opens and attaches the private sub-channels that carry proxied values for
// one connection. It is owned by that connection and closed with it; closing the
// Broker closes every sub-channel it opened or attached.
type Broker struct {
	logger.Logger
	policy ProxyPolicy
	opener SubChannelOpener

	mu      sync.Mutex
	tracked map[Port]struct{}
	closed  bool
	done    chan struct{}
}

// NewBroker creates a Broker applying policy, opening sub-channels with opener
func NewBroker(lg logger.Logger, policy ProxyPolicy, opener SubChannelOpener) *Broker {
	return &Broker{
		Logger:  lg.ForkLog("Broker(%s)", policy),
		policy:  policy,
		opener:  opener,
		tracked: make(map[Port]struct{}),
		done:    make(chan struct{}),
	}
}

// NewLocalBroker creates a live-proxy Broker for connections made of LocalPorts
func NewLocalBroker(lg logger.Logger) *Broker {
	return NewBroker(lg, LiveProxy, NativeOpener{})
}

// Policy returns the proxy policy of the Broker
func (b *Broker) Policy() ProxyPolicy {
	return b.policy
}

// SerializeProxy opens a private sub-channel, exposes v on its retained half and
// returns the reference to embed in the outgoing payload. Any half that must be
// transferred is added to tl. Under RefusedProxy nothing is opened and the
// reference is nil.
func (b *Broker) SerializeProxy(v any, expose ExposeFunc, tl *TransferList) (any, error) {
	if b.policy == RefusedProxy {
		b.DLogf("Proxy of %T refused", v)
		return nil, nil
	}
	if expose == nil || tl == nil {
		return nil, fmt.Errorf("%w: SerializeProxy needs an expose function and a transfer list", ErrMisuse)
	}
	if b.IsClosed() {
		return nil, ErrClosed
	}
	local, remote, ref, err := b.opener.OpenSubChannel()
	if err != nil {
		return nil, err
	}
	if remote != nil {
		ref = tl.Add(remote)
	}
	b.track(local)
	if err := expose(v, local); err != nil {
		local.Close()
		return nil, err
	}
	b.TLogf("Exposed %T on %v", v, local)
	return ref, nil
}

// DeserializeProxy resolves a proxy reference received from the peer into the
// private sub-channel it names. ref may be a Port already substituted by the
// receiving endpoint, a marker indexing ports, or a transport reference. The
// returned Port is not started; the caller starts it after installing listeners.
// Under RefusedProxy the result is a RefusedPort.
func (b *Broker) DeserializeProxy(ref any, ports []Port) (Port, error) {
	if b.policy == RefusedProxy {
		return NewRefusedPort(), nil
	}
	if b.IsClosed() {
		return nil, ErrClosed
	}
	p, err := b.resolve(ref, ports, true)
	if err != nil {
		return nil, err
	}
	b.track(p)
	return p, nil
}

// SerializePort adds a raw channel value to tl and returns its marker
func (b *Broker) SerializePort(p Port, tl *TransferList) (any, error) {
	if p == nil || tl == nil {
		return nil, fmt.Errorf("%w: SerializePort needs a port and a transfer list", ErrMisuse)
	}
	return tl.Add(p), nil
}

// DeserializePort resolves a raw channel value received from the peer
func (b *Broker) DeserializePort(ref any, ports []Port) (Port, error) {
	return b.resolve(ref, ports, false)
}

func (b *Broker) resolve(ref any, ports []Port, allowAttach bool) (Port, error) {
	switch r := ref.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty channel reference", ErrMisuse)
	case Port:
		return r, nil
	case string:
		if i, ok := ParseMarker(r); ok {
			if i >= len(ports) {
				return nil, fmt.Errorf("%w: marker for transfer[%d] but only %d ports received", ErrMisuse, i, len(ports))
			}
			return ports[i], nil
		}
	}
	if !allowAttach {
		return nil, fmt.Errorf("%w: %T is not a channel reference", ErrMisuse, ref)
	}
	return b.opener.AttachSubChannel(ref)
}

func (b *Broker) track(p Port) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		p.Close()
		return
	}
	b.tracked[p] = struct{}{}
	b.mu.Unlock()
	go func() {
		select {
		case <-p.Done():
			b.mu.Lock()
			delete(b.tracked, p)
			b.mu.Unlock()
		case <-b.done:
		}
	}()
}

// NumSubChannels returns the number of open sub-channels owned by the Broker
func (b *Broker) NumSubChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tracked)
}

// IsClosed returns true once Close has been called
func (b *Broker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close closes every sub-channel the Broker opened or attached. Closing twice is
// not an error.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	tracked := b.tracked
	b.tracked = make(map[Port]struct{})
	b.mu.Unlock()
	if len(tracked) > 0 {
		b.DLogf("Closing %d sub-channels", len(tracked))
	}
	for p := range tracked {
		p.Close()
	}
	return nil
}

// RefusedPort is the inert stand-in produced by a RefusedProxy Broker. Every
// operation except removal and close fails with ErrUnsupported.
type RefusedPort struct {
	once sync.Once
	done chan struct{}
}

// NewRefusedPort creates a RefusedPort
func NewRefusedPort() *RefusedPort {
	return &RefusedPort{done: make(chan struct{})}
}

func refused(op string) error {
	return fmt.Errorf("%w: %s on a refused proxy", ErrUnsupported, op)
}

// PostMessage fails with ErrUnsupported
func (p *RefusedPort) PostMessage(data any, transfer []Port) error {
	return refused("postMessage")
}

// AddEventListener fails with ErrUnsupported
func (p *RefusedPort) AddEventListener(name string, h *Handler) error {
	return refused("addEventListener")
}

// RemoveEventListener does nothing
func (p *RefusedPort) RemoveEventListener(name string, h *Handler) error {
	return nil
}

// Start does nothing
func (p *RefusedPort) Start() {}

// Close marks the port done
func (p *RefusedPort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Done returns a channel closed by Close
func (p *RefusedPort) Done() <-chan struct{} {
	return p.done
}

var _ Port = (*RefusedPort)(nil)
