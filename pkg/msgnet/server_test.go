package msgnet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoServer runs a Server whose connections echo every message on their
// default channel
func startEchoServer(t *testing.T, addr string, loop *LoopServer) (*Server, *Address) {
	lg := logger.NewTestLogger(t, "server")
	a, err := ParseAddress(addr)
	require.NoError(t, err)
	s := NewServer(lg, nil, loop, func(c ServedConnection) {
		p := c.Port()
		p.AddEventListener(msgport.EventMessage, msgport.HandlerFunc(func(ev msgport.MessageEvent) {
			p.PostMessage(ev.Data, nil)
		}))
		p.Start()
	})
	require.NoError(t, s.Start(context.Background(), a))
	t.Cleanup(func() { s.Close() })

	dialAddr := *a
	if bound := s.Addr(); bound != nil && a.Network() == "tcp" {
		dialAddr.Host = bound.String()
	}
	if dialAddr.Scheme == SchemeWS {
		dialAddr.Path = DefaultConfig().WebSocketPath
	}
	return s, &dialAddr
}

func TestServerAndDial(t *testing.T) {
	loop := NewLoopServer(logger.NewTestLogger(t, "loop"))
	addrs := []string{
		"tcp:127.0.0.1:0",
		"ssh:127.0.0.1:0",
		"yamux:127.0.0.1:0",
		"ws://127.0.0.1:0/",
		"unix:" + filepath.Join(t.TempDir(), "echo.sock"),
		"loop:echo",
	}
	for _, addr := range addrs {
		t.Run(addr, func(t *testing.T) {
			s, dialAddr := startEchoServer(t, addr, loop)
			c, err := Dial(context.Background(), logger.NewTestLogger(t, "client"), dialAddr, nil, loop)
			require.NoError(t, err)
			got := listen(t, c.Port())
			for i := 0; i < 3; i++ {
				msg := fmt.Sprintf("echo %d", i)
				require.NoError(t, c.Port().PostMessage(msg, nil))
				assert.Equal(t, msg, got.next(t).Data)
			}
			assert.Equal(t, int32(1), s.ConnStats().NumOpen())

			require.NoError(t, c.Close())
			assert.Eventually(t, func() bool { return s.ConnStats().NumOpen() == 0 }, testTimeout, testPoll)
		})
	}
}

func TestServerUDP(t *testing.T) {
	s, dialAddr := startEchoServer(t, "udp:127.0.0.1:0", nil)
	dialAddr.Host = s.Addr().String()
	c, err := Dial(context.Background(), logger.NewTestLogger(t, "client"), dialAddr, nil, nil)
	require.NoError(t, err)
	defer c.Close()
	got := listen(t, c.Port())
	require.NoError(t, c.Port().PostMessage("datagram", nil))
	assert.Equal(t, "datagram", got.next(t).Data)
}

func TestServerUDPAnswersEachClient(t *testing.T) {
	s, dialAddr := startEchoServer(t, "udp:127.0.0.1:0", nil)
	dialAddr.Host = s.Addr().String()
	var clients []ServedConnection
	var got []*collector
	for i := 0; i < 2; i++ {
		c, err := Dial(context.Background(), logger.NewTestLogger(t, fmt.Sprintf("client%d", i)), dialAddr, nil, nil)
		require.NoError(t, err)
		defer c.Close()
		clients = append(clients, c)
		got = append(got, listen(t, c.Port()))
	}
	for round := 0; round < 2; round++ {
		for i, c := range clients {
			msg := fmt.Sprintf("from client %d round %d", i, round)
			require.NoError(t, c.Port().PostMessage(msg, nil))
			assert.Equal(t, msg, got[i].next(t).Data)
		}
	}
	got[0].expectNone(t, 50*time.Millisecond)
	got[1].expectNone(t, 50*time.Millisecond)
	assert.Equal(t, int32(2), s.ConnStats().NumOpen())

	require.NoError(t, s.Close())
	assert.Eventually(t, func() bool { return s.ConnStats().NumOpen() == 0 }, testTimeout, testPoll)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	s, dialAddr := startEchoServer(t, "tcp:127.0.0.1:0", nil)
	c, err := Dial(context.Background(), logger.NewTestLogger(t, "client"), dialAddr, nil, nil)
	require.NoError(t, err)
	got := listen(t, c.Port())
	require.NoError(t, c.Port().PostMessage("up", nil))
	got.next(t)

	require.NoError(t, s.Close())
	waitShutdown(t, c)
	assert.Eventually(t, func() bool { return s.ConnStats().NumOpen() == 0 }, testTimeout, testPoll)
}

func TestServerHealthAndExtraHandlers(t *testing.T) {
	lg := logger.NewTestLogger(t, "")
	s := NewServer(lg, nil, nil, func(c ServedConnection) { c.Close() })
	s.Handle("/extra", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("extra"))
	}))
	a, err := ParseAddress("ws://127.0.0.1:0/")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), a))
	defer s.Close()

	for path, want := range map[string]string{"/health": "OK\n", "/extra": "extra"} {
		resp, err := http.Get("http://" + s.Addr().String() + path)
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
}

func TestServerStopsOnContext(t *testing.T) {
	lg := logger.NewTestLogger(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(lg, nil, nil, func(c ServedConnection) {})
	a, err := ParseAddress("tcp:127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, a))
	cancel()
	assert.ErrorIs(t, s.WaitShutdown(), context.Canceled)
}

func TestDialRefusesUnknownAndMissingLoop(t *testing.T) {
	lg := logger.NewTestLogger(t, "")
	_, err := Dial(context.Background(), lg, &Address{Scheme: "carrier-pigeon"}, nil, nil)
	assert.Error(t, err)
	_, err = Dial(context.Background(), lg, &Address{Scheme: SchemeLoop, Path: "x"}, nil, nil)
	assert.Error(t, err)
}
