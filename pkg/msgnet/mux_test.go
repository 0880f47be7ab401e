package msgnet

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type muxerFactory func(lg logger.Logger, nc net.Conn, server bool, cfg *Config) (StreamMuxer, error)

var muxerFactories = map[string]muxerFactory{
	"ssh": func(lg logger.Logger, nc net.Conn, server bool, cfg *Config) (StreamMuxer, error) {
		if server {
			return asMuxer(NewSSHServerMuxer(lg, nc, cfg))
		}
		return asMuxer(NewSSHClientMuxer(lg, nc, cfg))
	},
	"yamux": func(lg logger.Logger, nc net.Conn, server bool, cfg *Config) (StreamMuxer, error) {
		return asMuxer(NewYamuxMuxer(lg, nc, server, cfg))
	},
}

func asMuxer[M StreamMuxer](m M, err error) (StreamMuxer, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}

// newMuxPair connects a dialing and an accepting MuxConn over a socketpair
func newMuxPair(t *testing.T, kind string, serverCfg, clientCfg *Config) (*MuxConn, *MuxConn, error) {
	lg := logger.NewTestLogger(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s0, s1, err := socketpair.New("unix")
	require.NoError(t, err)
	factory := muxerFactories[kind]

	type result struct {
		c   *MuxConn
		err error
	}
	served := make(chan result, 1)
	go func() {
		m, err := factory(lg.ForkLog("server"), s0, true, serverCfg)
		if err != nil {
			served <- result{err: err}
			return
		}
		c, err := NewMuxConn(ctx, lg.ForkLog("server"), m, false, serverCfg)
		served <- result{c, err}
	}()

	var client *MuxConn
	m, err := factory(lg.ForkLog("client"), s1, false, clientCfg)
	if err == nil {
		client, err = NewMuxConn(ctx, lg.ForkLog("client"), m, true, clientCfg)
	}
	r := <-served
	if client != nil {
		t.Cleanup(func() { client.Close() })
	}
	if r.c != nil {
		t.Cleanup(func() { r.c.Close() })
	}
	if err == nil {
		err = r.err
	}
	return r.c, client, err
}

func TestMuxConnRoundTrip(t *testing.T) {
	for kind := range muxerFactories {
		t.Run(kind, func(t *testing.T) {
			server, client, err := newMuxPair(t, kind, nil, nil)
			require.NoError(t, err)
			fromClient := listen(t, server.Port())
			fromServer := listen(t, client.Port())

			require.NoError(t, client.Port().PostMessage(map[string]any{"hello": "server"}, nil))
			assert.Equal(t, map[string]any{"hello": "server"}, fromClient.next(t).Data)
			require.NoError(t, server.Port().PostMessage("hello client", nil))
			assert.Equal(t, "hello client", fromServer.next(t).Data)
			assert.Equal(t, 1, server.NumPorts())
		})
	}
}

func TestMuxPortsAreStrict(t *testing.T) {
	for kind := range muxerFactories {
		t.Run(kind, func(t *testing.T) {
			_, client, err := newMuxPair(t, kind, nil, nil)
			require.NoError(t, err)
			h := msgport.HandlerFunc(func(msgport.MessageEvent) {})
			err = client.Port().AddEventListener("error", h)
			var uee *msgport.UnsupportedEventError
			require.True(t, errors.As(err, &uee))
			assert.Equal(t, "error", uee.Name)
			assert.ErrorIs(t, client.Port().RemoveEventListener("close", h), msgport.ErrMisuse)
		})
	}
}

func TestMuxConnTransfersPorts(t *testing.T) {
	for kind := range muxerFactories {
		t.Run(kind, func(t *testing.T) {
			server, client, err := newMuxPair(t, kind, nil, nil)
			require.NoError(t, err)
			got := listen(t, server.Port())

			mine, theirs := msgport.NewChannel()
			defer mine.Close()
			require.NoError(t, client.Port().PostMessage([]any{"port", theirs}, []msgport.Port{theirs}))
			ev := got.next(t)
			require.Len(t, ev.Ports, 1)
			assert.Equal(t, []any{"port", ev.Ports[0]}, ev.Data)
			assert.Equal(t, 2, client.NumPorts())

			remote := ev.Ports[0]
			fromMine := listen(t, remote)
			fromRemote := listen(t, mine)
			require.NoError(t, mine.PostMessage(1.0, nil))
			assert.Equal(t, 1.0, fromMine.next(t).Data)
			require.NoError(t, remote.PostMessage(2.0, nil))
			assert.Equal(t, 2.0, fromRemote.next(t).Data)

			require.NoError(t, mine.Close())
			waitClosed(t, remote)
			assert.Eventually(t, func() bool {
				return client.NumPorts() == 1 && server.NumPorts() == 1
			}, testTimeout, 5*time.Millisecond)
		})
	}
}

func TestMuxConnMainCloseShutsDownBothSides(t *testing.T) {
	for kind := range muxerFactories {
		t.Run(kind, func(t *testing.T) {
			server, client, err := newMuxPair(t, kind, nil, nil)
			require.NoError(t, err)
			require.NoError(t, client.Port().Close())
			waitShutdown(t, client)
			waitShutdown(t, server)
			assert.ErrorIs(t, server.Port().PostMessage("x", nil), msgport.ErrClosed)
		})
	}
}

func TestSSHMuxerAuth(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.Auth = "alice:secret"
	serverCfg.KeySeed = "fixed"

	clientCfg := DefaultConfig()
	clientCfg.Auth = "alice:secret"
	_, client, err := newMuxPair(t, "ssh", serverCfg, clientCfg)
	require.NoError(t, err)
	require.NotNil(t, client)

	clientCfg = DefaultConfig()
	clientCfg.Auth = "alice:wrong"
	_, _, err = newMuxPair(t, "ssh", serverCfg, clientCfg)
	assert.Error(t, err)
}

func TestSSHMuxerFingerprint(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.KeySeed = "fixed"
	key, err := GenerateKey(serverCfg.KeySeed)
	require.NoError(t, err)
	fp := fingerprintPEM(t, key)

	clientCfg := DefaultConfig()
	clientCfg.Fingerprint = fp[:8]
	_, client, err := newMuxPair(t, "ssh", serverCfg, clientCfg)
	require.NoError(t, err)
	assert.Equal(t, fp, client.muxer.(*SSHMuxer).Fingerprint())

	clientCfg.Fingerprint = "00:00:00"
	if fp[:8] == clientCfg.Fingerprint {
		clientCfg.Fingerprint = "ff:ff:ff"
	}
	_, _, err = newMuxPair(t, "ssh", serverCfg, clientCfg)
	assert.Error(t, err)
}

func TestYamuxIDHeader(t *testing.T) {
	c0, c1 := net.Pipe()
	defer c0.Close()
	defer c1.Close()
	go writeIDHeader(c0, "channel-1")
	id, err := readIDHeader(c1)
	require.NoError(t, err)
	assert.Equal(t, "channel-1", id)

	assert.Error(t, writeIDHeader(c0, string(make([]byte, maxStreamIDSize+1))))
	go c0.Write([]byte{0, 0})
	_, err = readIDHeader(c1)
	assert.Error(t, err)
}
