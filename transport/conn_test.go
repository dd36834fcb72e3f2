package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/sphynx/internal/aead"
	"github.com/Clouded-Sabre/sphynx/internal/wire"
	"github.com/Clouded-Sabre/sphynx/protocol"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// pipe wires two Conns directly together through Seal/Open/Dispatch,
// bypassing any real socket, so stream behavior can be tested without
// networking.
type pipe struct {
	mu       sync.Mutex
	delivered []struct {
		stream uint8
		op     protocol.SuperOpcode
		data   []byte
	}
}

func (p *pipe) deliver(stream uint8, op protocol.SuperOpcode, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), data...)
	p.delivered = append(p.delivered, struct {
		stream uint8
		op     protocol.SuperOpcode
		data   []byte
	}{stream, op, cp})
}

func newPair(t *testing.T) (*Conn, *Conn, *pipe, *pipe) {
	var key [aead.KeySize]byte
	clientPipe, serverPipe := &pipe{}, &pipe{}

	var serverConn *Conn
	clientConn := NewConn(nil, aead.NewSession(key), func(b []byte) error {
		plain, err := serverConn.session.Open(b)
		require.NoError(t, err)
		serverConn.Dispatch(wire.Decode(plain))
		return nil
	}, clientPipe.deliver, testLog())

	serverConn = NewConn(nil, aead.NewSession(key), func(b []byte) error {
		plain, err := clientConn.session.Open(b)
		require.NoError(t, err)
		clientConn.Dispatch(wire.Decode(plain))
		return nil
	}, serverPipe.deliver, testLog())

	return clientConn, serverConn, clientPipe, serverPipe
}

func TestWriteReliableDeliversInOrder(t *testing.T) {
	client, _, _, serverPipe := newPair(t)

	_, err := client.WriteReliable(1, protocol.OpData, []byte("one"))
	require.NoError(t, err)
	_, err = client.WriteReliable(1, protocol.OpData, []byte("two"))
	require.NoError(t, err)
	require.NoError(t, client.FlushWrite())

	require.Len(t, serverPipe.delivered, 2)
	assert.Equal(t, []byte("one"), serverPipe.delivered[0].data)
	assert.Equal(t, []byte("two"), serverPipe.delivered[1].data)
}

func TestWriteReliableZeroLengthMessageRoundTrips(t *testing.T) {
	client, _, _, serverPipe := newPair(t)

	_, err := client.WriteReliable(0, protocol.OpData, nil)
	require.NoError(t, err)
	require.NoError(t, client.FlushWrite())

	require.Len(t, serverPipe.delivered, 1)
	assert.Empty(t, serverPipe.delivered[0].data)
}

func TestFragmentedMessageReassembles(t *testing.T) {
	client, _, _, serverPipe := newPair(t)
	client.SetMaxPayload(protocol.MinimumMTU)

	big := make([]byte, protocol.MinimumMTU*2)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := client.WriteReliable(1, protocol.OpData, big)
	require.NoError(t, err)
	require.NoError(t, client.FlushWrite())

	require.Len(t, serverPipe.delivered, 1)
	assert.Equal(t, big, serverPipe.delivered[0].data)
}

func TestAckPrunesSentListAndUpdatesRTT(t *testing.T) {
	client, server, _, _ := newPair(t)

	_, err := client.WriteReliable(1, protocol.OpData, []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, client.FlushWrite())

	// server's scheduled ack carries the rollup back to the client
	require.NoError(t, server.FlushWrite())

	st := client.streams[1]
	assert.Equal(t, 0, st.sentList.Len(), "acked entry should have been pruned")
	assert.Greater(t, client.RTT(), time.Duration(0), "rtt should be estimated from the acked entry")
}

func TestUnreliableWriteBypassesStreamMachinery(t *testing.T) {
	client, _, _, serverPipe := newPair(t)

	err := client.WriteUnreliable(protocol.OpTimePing, []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, client.FlushWrite())

	require.Len(t, serverPipe.delivered, 1)
	assert.Equal(t, protocol.OpTimePing, serverPipe.delivered[0].op)
}

func TestRetransmitResendsUnackedAfterRTO(t *testing.T) {
	client, _, _, serverPipe := newPair(t)

	_, err := client.WriteReliable(1, protocol.OpData, []byte("x"))
	require.NoError(t, err)
	// don't flush yet; simulate the datagram being lost by flushing to
	// nowhere, then retransmitting once the RTO has clearly elapsed.
	client.enc.Reset(client.encBuf)

	st := client.streams[1]
	require.Equal(t, 1, st.sentList.Len())
	item := st.sentList.Front().Value.(*sentItem)
	item.tsLastSend = time.Now().Add(-time.Second)

	client.Retransmit(time.Now())
	require.Len(t, serverPipe.delivered, 1)
	assert.Equal(t, []byte("x"), serverPipe.delivered[0].data)
}
