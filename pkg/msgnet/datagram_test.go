package msgnet

import (
	"net"
	"testing"
	"time"

	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDatagramPair(t *testing.T) (*DatagramEndpoint, *DatagramEndpoint) {
	lg := logger.NewTestLogger(t, "")
	pcServer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	pcClient, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	server := NewDatagramEndpoint(lg, pcServer, nil)
	client := NewDatagramEndpoint(lg, pcClient, pcServer.LocalAddr())
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestDatagramRoundTrip(t *testing.T) {
	server, client := newDatagramPair(t)
	assert.ErrorIs(t, server.PostMessage("nobody to send to", nil), msgport.ErrMisuse)

	fromClient := listen(t, server)
	fromServer := listen(t, client)
	require.NoError(t, client.PostMessage(map[string]any{"q": 1.0}, nil))
	assert.Equal(t, map[string]any{"q": 1.0}, fromClient.next(t).Data)
	assert.Equal(t, client.LocalAddr().String(), server.Peer().String())

	require.NoError(t, server.PostMessage("answer", nil))
	assert.Equal(t, "answer", fromServer.next(t).Data)
}

func TestDatagramRefusesTransfers(t *testing.T) {
	_, client := newDatagramPair(t)
	_, p := msgport.NewChannel()
	defer p.Close()
	err := client.PostMessage(p, []msgport.Port{p})
	assert.ErrorIs(t, err, msgport.ErrUnsupported)

	ref, err := client.Broker().SerializeProxy(struct{}{}, func(any, msgport.Port) error {
		t.Fatal("expose must not be called")
		return nil
	}, &msgport.TransferList{})
	require.NoError(t, err)
	assert.Nil(t, ref)
	assert.Equal(t, msgport.RefusedProxy, client.Broker().Policy())
}

func TestDatagramIsStrictAndTooBigIsMisuse(t *testing.T) {
	_, client := newDatagramPair(t)
	assert.Error(t, client.AddEventListener("error", msgport.HandlerFunc(func(msgport.MessageEvent) {})))
	big := make([]byte, maxDatagramSize)
	for i := range big {
		big[i] = 'x'
	}
	assert.ErrorIs(t, client.PostMessage(string(big), nil), msgport.ErrMisuse)
}

func TestDatagramClose(t *testing.T) {
	_, client := newDatagramPair(t)
	require.NoError(t, client.Close())
	waitClosed(t, client)
	assert.ErrorIs(t, client.PostMessage("late", nil), msgport.ErrClosed)
}

func TestDatagramFollowsLatestSender(t *testing.T) {
	server, first := newDatagramPair(t)
	lg := logger.NewTestLogger(t, "second")
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	second := NewDatagramEndpoint(lg, pc, server.LocalAddr())
	defer second.Close()

	fromClients := listen(t, server)
	fromServer := listen(t, second)
	require.NoError(t, first.PostMessage("one", nil))
	fromClients.next(t)
	require.NoError(t, second.PostMessage("two", nil))
	fromClients.next(t)
	assert.Equal(t, second.LocalAddr().String(), server.Peer().String())
	require.NoError(t, server.PostMessage("to two", nil))
	assert.Equal(t, "to two", fromServer.next(t).Data)
}

func TestDatagramMuxSeparatesPeers(t *testing.T) {
	lg := logger.NewTestLogger(t, "")
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	peers := make(chan *DatagramEndpoint, 4)
	m := NewDatagramMux(lg, pc, func(d *DatagramEndpoint) {
		p := d.Port()
		p.AddEventListener(msgport.EventMessage, msgport.HandlerFunc(func(ev msgport.MessageEvent) {
			p.PostMessage(ev.Data, nil)
		}))
		p.Start()
		peers <- d
	})
	defer m.Close()

	var clients []*DatagramEndpoint
	var got []*collector
	for i := 0; i < 2; i++ {
		cpc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		c := NewDatagramEndpoint(lg, cpc, m.LocalAddr())
		defer c.Close()
		clients = append(clients, c)
		got = append(got, listen(t, c))
	}
	require.NoError(t, clients[0].PostMessage("a", nil))
	require.NoError(t, clients[1].PostMessage("b", nil))
	assert.Equal(t, "a", got[0].next(t).Data)
	assert.Equal(t, "b", got[1].next(t).Data)
	require.NoError(t, clients[0].PostMessage("a again", nil))
	assert.Equal(t, "a again", got[0].next(t).Data)
	got[1].expectNone(t, 50*time.Millisecond)
	assert.Equal(t, 2, m.NumPeers())

	// closing a peer endpoint leaves the socket and the other peer alone
	d := <-peers
	require.NoError(t, d.Close())
	assert.Eventually(t, func() bool { return m.NumPeers() == 1 }, testTimeout, testPoll)
	require.NoError(t, clients[1].PostMessage("b again", nil))
	require.NoError(t, clients[0].PostMessage("a is back", nil))
	assert.Equal(t, "b again", got[1].next(t).Data)
	assert.Equal(t, "a is back", got[0].next(t).Data)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.NumPeers())
}
