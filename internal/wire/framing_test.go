package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{DataLen: 0, HasAckID: false, Reliable: false, Op: protocol.OpData},
		{DataLen: 2047, HasAckID: true, Reliable: true, Op: protocol.OpFrag},
		{DataLen: 42, HasAckID: true, Reliable: false, Op: protocol.OpAck},
	}
	for _, h := range cases {
		got := DecodeHeader(EncodeHeader(h))
		assert.Equal(t, h, got)
	}
}

func TestEncoderUnreliableRoundTrip(t *testing.T) {
	buf := make([]byte, 0, protocol.MaximumMTU)
	enc := NewEncoder(buf)
	enc.WriteUnreliable(protocol.OpTimePing, []byte("ping"))

	msgs := Decode(enc.Bytes())
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpTimePing, msgs[0].Op)
	assert.False(t, msgs[0].Reliable)
	assert.Equal(t, []byte("ping"), msgs[0].Data)
}

func TestEncoderReliableRoundTrip(t *testing.T) {
	buf := make([]byte, 0, protocol.MaximumMTU)
	enc := NewEncoder(buf)
	enc.WriteReliable(protocol.OpData, 2, 7, []byte("hello"), false)

	msgs := Decode(enc.Bytes())
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.True(t, m.Reliable)
	assert.EqualValues(t, 2, m.Stream)
	assert.EqualValues(t, 7, m.AckID)
	assert.Equal(t, []byte("hello"), m.Data)
}

func TestEncoderZeroLengthReliableMessageRoundTrips(t *testing.T) {
	buf := make([]byte, 0, protocol.MaximumMTU)
	enc := NewEncoder(buf)
	enc.WriteReliable(protocol.OpData, 1, 0, nil, false)

	msgs := Decode(enc.Bytes())
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Data)
}

func TestEncoderCoalescesMultipleMessagesOnOneStream(t *testing.T) {
	buf := make([]byte, 0, protocol.MaximumMTU)
	enc := NewEncoder(buf)
	enc.WriteReliable(protocol.OpData, 0, 1, []byte("a"), false)
	enc.WriteReliable(protocol.OpData, 0, 2, []byte("b"), false)

	msgs := Decode(enc.Bytes())
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 1, msgs[0].AckID)
	assert.EqualValues(t, 2, msgs[1].AckID)
}

func TestEncoderFragFirstCarriesTotalLen(t *testing.T) {
	buf := make([]byte, 0, protocol.MaximumMTU)
	enc := NewEncoder(buf)
	enc.WriteFragFirst(3, 5, 100, []byte("partial"), false)

	msgs := Decode(enc.Bytes())
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, protocol.OpFrag, m.Op)
	// Decode hands the FRAG-HDR total-length back unparsed, at the front
	// of Data; package transport is the one that knows whether this is
	// a first fragment or a continuation.
	require.True(t, len(m.Data) >= 2)
	assert.EqualValues(t, 100, binary.LittleEndian.Uint16(m.Data))
	assert.Equal(t, []byte("partial"), m.Data[2:])
}

func TestDecodeStopsOnMalformedTrailingBytes(t *testing.T) {
	buf := make([]byte, 0, protocol.MaximumMTU)
	enc := NewEncoder(buf)
	enc.WriteUnreliable(protocol.OpData, []byte("ok"))
	truncated := append(enc.Bytes(), 0xFF) // one stray byte, not a full header

	msgs := Decode(truncated)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("ok"), msgs[0].Data)
}
