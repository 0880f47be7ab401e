package remote

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// Counter is the object exposed by most tests
type Counter struct {
	lock  sync.Mutex
	Count int
	Label string
	Tags  map[string]string
}

func (c *Counter) Add() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.Count++
}

func (c *Counter) Subtract() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.Count--
}

func (c *Counter) Get() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.Count
}

func (c *Counter) Use(handler func(count int)) {
	handler(c.Get())
}

func (c *Counter) AddAll(n ...int) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, x := range n {
		c.Count += x
	}
	return c.Count
}

func (c *Counter) Transform(fn func(int) (int, error)) (int, error) {
	return fn(c.Get())
}

func (c *Counter) Fail(msg string) error {
	return errors.New(msg)
}

func (c *Counter) Explode() {
	panic("boom")
}

func (c *Counter) Report(handler func(count int) error) error {
	return handler(c.Get())
}

func (c *Counter) Split() (int, string) {
	return c.Get(), c.Label
}

func (c *Counter) Child() *ProxyValue {
	return Proxy(&Counter{Count: 100})
}

func (c *Counter) Greet(p msgport.Port) error {
	defer p.Close()
	return p.PostMessage("hello from the counter", nil)
}

type exposed struct {
	CounterInstance *Counter
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// newLocalPair exposes obj on one half of a new Channel and wraps the other
func newLocalPair(t *testing.T, obj any) (*Remote, *Server) {
	lg := logger.NewTestLogger(t, "")
	a, b := msgport.NewChannel()
	t.Cleanup(func() { a.Close() })
	s, err := Expose(lg.ForkLog("server"), obj, a, msgport.NewLocalBroker(lg))
	require.NoError(t, err)
	r, err := Wrap(lg.ForkLog("client"), b, msgport.NewLocalBroker(lg))
	require.NoError(t, err)
	return r, s
}

func TestGetSetApply(t *testing.T) {
	ctx := ctxTimeout(t)
	counter := &Counter{Label: "c", Tags: map[string]string{}}
	r, _ := newLocalPair(t, &exposed{CounterInstance: counter})
	ci := r.Get("counterInstance")

	v, err := ci.Get("count").Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	for i := 0; i < 3; i++ {
		_, err := ci.Get("add").Call(ctx)
		require.NoError(t, err)
	}
	n, err := ValueAs[int](ctx, ci.Get("Count"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, ci.Get("count").Set(ctx, 10))
	assert.Equal(t, 10, counter.Get())
	require.NoError(t, ci.Get("tags", "color").Set(ctx, "red"))
	assert.Equal(t, "red", counter.Tags["color"])

	got, err := ci.Get("AddAll").Call(ctx, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 16.0, got)

	got, err = ci.Get("Split").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{16.0, "c"}, got)
}

func TestErrorsComeBackAsCallErrors(t *testing.T) {
	ctx := ctxTimeout(t)
	r, _ := newLocalPair(t, &exposed{CounterInstance: &Counter{}})
	ci := r.Get("counterInstance")

	var ce *CallError
	_, err := ci.Get("Fail").Call(ctx, "boom")
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "boom", ce.Message)

	_, err = ci.Get("missing").Value(ctx)
	assert.True(t, errors.As(err, &ce))
	_, err = ci.Get("Count").Call(ctx)
	assert.True(t, errors.As(err, &ce))
	_, err = ci.Get("Add").Value(ctx)
	assert.True(t, errors.As(err, &ce))
	_, err = ci.Get("Add").Call(ctx, 1)
	assert.True(t, errors.As(err, &ce))
	assert.True(t, errors.As(ci.Get("lock").Set(ctx, 1), &ce))

	_, err = ci.Get("Use").Call(ctx, func(int) {})
	assert.ErrorIs(t, err, msgport.ErrMisuse)
}

func TestProxyCallbacks(t *testing.T) {
	ctx := ctxTimeout(t)
	counter := &Counter{}
	r, _ := newLocalPair(t, &exposed{CounterInstance: counter})
	ci := r.Get("counterInstance")

	_, err := ci.Get("add").Call(ctx)
	require.NoError(t, err)
	seen := make(chan int, 1)
	_, err = ci.Get("use").Call(ctx, Proxy(func(count int) { seen <- count }))
	require.NoError(t, err)
	assert.Equal(t, 1, <-seen)

	_, err = ci.Get("subtract").Call(ctx)
	require.NoError(t, err)
	_, err = ci.Get("use").Call(ctx, Proxy(func(count int) { seen <- count }))
	require.NoError(t, err)
	assert.Equal(t, 0, <-seen)

	got, err := ci.Get("Transform").Call(ctx, Proxy(func(n int) (int, error) { return n + 41, nil }))
	require.NoError(t, err)
	assert.Equal(t, 41.0, got)

	_, err = ci.Get("Transform").Call(ctx, Proxy(func(n int) (int, error) { return 0, errors.New("nope") }))
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Message, "nope")
}

func TestProxyResults(t *testing.T) {
	ctx := ctxTimeout(t)
	r, _ := newLocalPair(t, &exposed{CounterInstance: &Counter{}})
	v, err := r.Get("counterInstance", "Child").Call(ctx)
	require.NoError(t, err)
	child, ok := v.(*Remote)
	require.True(t, ok)
	_, err = child.Get("Add").Call(ctx)
	require.NoError(t, err)
	n, err := ValueAs[int](ctx, child.Get("Count"))
	require.NoError(t, err)
	assert.Equal(t, 101, n)
}

func TestPortArguments(t *testing.T) {
	ctx := ctxTimeout(t)
	r, _ := newLocalPair(t, &exposed{CounterInstance: &Counter{}})
	mine, theirs := msgport.NewChannel()
	got := make(chan any, 1)
	require.NoError(t, mine.AddEventListener(msgport.EventMessage, msgport.HandlerFunc(func(ev msgport.MessageEvent) {
		got <- ev.Data
	})))
	mine.Start()
	_, err := r.Get("counterInstance", "Greet").Call(ctx, theirs)
	require.NoError(t, err)
	assert.Equal(t, "hello from the counter", <-got)
}

func TestCreateEndpointIsIsolated(t *testing.T) {
	ctx := ctxTimeout(t)
	lg := logger.NewTestLogger(t, "")
	counter := &Counter{}
	r, _ := newLocalPair(t, &exposed{CounterInstance: counter})

	p, err := r.CreateEndpoint(ctx)
	require.NoError(t, err)
	r2, err := Wrap(lg, p, r.Broker())
	require.NoError(t, err)
	_, err = r2.Get("counterInstance", "add").Call(ctx)
	require.NoError(t, err)
	_, err = r2.Get("counterInstance", "subtract").Call(ctx)
	require.NoError(t, err)
	_, err = r2.Get("counterInstance", "add").Call(ctx)
	require.NoError(t, err)
	n, err := ValueAs[int](ctx, r.Get("counterInstance", "count"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r2.Release(ctx))
	_, err = r2.Get("counterInstance", "add").Call(ctx)
	assert.ErrorIs(t, err, ErrReleased)
	n, err = ValueAs[int](ctx, r.Get("counterInstance", "count"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelease(t *testing.T) {
	ctx := ctxTimeout(t)
	r, s := newLocalPair(t, &exposed{CounterInstance: &Counter{}})
	require.NoError(t, r.Release(ctx))
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatal("server was not released")
	}
	_, err := r.Get("counterInstance", "count").Value(ctx)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, err, msgport.ErrMisuse)
}

type blocker struct {
	entered chan struct{}
	unblock chan struct{}
}

func (b *blocker) Wait() {
	close(b.entered)
	<-b.unblock
}

func TestClosingFailsPendingCalls(t *testing.T) {
	lg := logger.NewTestLogger(t, "")
	b := &blocker{entered: make(chan struct{}), unblock: make(chan struct{})}
	defer close(b.unblock)
	a1, a2 := msgport.NewChannel()
	_, err := Expose(lg, b, a1, msgport.NewLocalBroker(lg))
	require.NoError(t, err)
	r, err := Wrap(lg, a2, msgport.NewLocalBroker(lg))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := r.Get("Wait").Call(context.Background())
		errs <- err
	}()
	<-b.entered
	a2.Close()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, msgport.ErrClosed)
	case <-time.After(testTimeout):
		t.Fatal("pending call was not failed")
	}
	_, err = r.Get("Wait").Call(context.Background())
	assert.ErrorIs(t, err, msgport.ErrClosed)
}

func TestContextBoundsCalls(t *testing.T) {
	b := &blocker{entered: make(chan struct{}), unblock: make(chan struct{})}
	defer close(b.unblock)
	r, _ := newLocalPair(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Get("Wait").Call(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnencodableValuesAreMisuse(t *testing.T) {
	ctx := ctxTimeout(t)
	r, _ := newLocalPair(t, &exposed{CounterInstance: &Counter{}})
	err := r.Get("counterInstance", "Label").Set(ctx, make(chan int))
	assert.ErrorIs(t, err, msgport.ErrMisuse)
}

func TestPanicsComeBackAsCallErrors(t *testing.T) {
	ctx := ctxTimeout(t)
	counter := &Counter{}
	r, _ := newLocalPair(t, &exposed{CounterInstance: counter})
	ci := r.Get("counterInstance")

	_, err := ci.Get("explode").Call(ctx)
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Message, "boom")

	// the server keeps serving
	_, err = ci.Get("add").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Get())
}

func TestErrorKindsCrossTheConnection(t *testing.T) {
	ctx := ctxTimeout(t)
	r, _ := newLocalPair(t, &exposed{CounterInstance: &Counter{}})

	_, err := r.Get("counterInstance", "missing").Value(ctx)
	assert.ErrorIs(t, err, msgport.ErrMisuse)
	assert.NotErrorIs(t, err, msgport.ErrUnsupported)

	_, err = r.Get("counterInstance", "Fail").Call(ctx, "plain")
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "", ce.Kind)
	assert.NotErrorIs(t, err, msgport.ErrMisuse)
}

func TestRefusedProxyIsAnInertStub(t *testing.T) {
	ctx := ctxTimeout(t)
	lg := logger.NewTestLogger(t, "")
	broker := msgport.NewBroker(lg, msgport.RefusedProxy, nil)

	called := false
	tl := &msgport.TransferList{}
	w, err := toWire(Proxy(func() { called = true }), broker, nil, tl)
	require.NoError(t, err)
	assert.Equal(t, KindHandler, w.kind)
	assert.Equal(t, HandlerProxy, w.handler)
	assert.Nil(t, w.value)
	assert.Equal(t, 0, tl.Len())

	parsed, err := parseWireValue(w.encode())
	require.NoError(t, err)
	v, err := decodeWire(lg, parsed, broker, nil)
	require.NoError(t, err)
	stub, ok := v.(*Remote)
	require.True(t, ok)

	_, err = stub.Call(ctx)
	assert.ErrorIs(t, err, msgport.ErrUnsupported)
	_, err = stub.Get("anything").Value(ctx)
	assert.ErrorIs(t, err, msgport.ErrUnsupported)
	assert.ErrorIs(t, stub.Set(ctx, 1), msgport.ErrUnsupported)
	_, err = stub.CreateEndpoint(ctx)
	assert.ErrorIs(t, err, msgport.ErrUnsupported)
	assert.NoError(t, stub.Release(ctx))
	assert.False(t, called)

	// a func parameter bound to the stub reports the failure through its error
	fn, err := convert(stub, reflect.TypeOf(func(int) error { return nil }))
	require.NoError(t, err)
	callErr := fn.Interface().(func(int) error)(3)
	assert.ErrorIs(t, callErr, msgport.ErrUnsupported)
}
