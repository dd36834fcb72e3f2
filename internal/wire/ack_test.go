package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckBodyRoundTripSingleStreamNoRanges(t *testing.T) {
	entries := []AckEntry{{Stream: 1, Rollup: 42}}
	body := EncodeAckBody(entries)

	got, err := DecodeAckBody(body)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 1, got[0].Stream)
	assert.EqualValues(t, 42, got[0].Rollup)
	assert.Empty(t, got[0].Ranges)
}

func TestAckBodyRoundTripWithRanges(t *testing.T) {
	entries := []AckEntry{
		{
			Stream: 2,
			Rollup: 10,
			Ranges: []AckRange{
				{Start: 12, HasEnd: false},
				{Start: 15, End: 20, HasEnd: true},
			},
		},
	}
	body := EncodeAckBody(entries)

	got, err := DecodeAckBody(body)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Ranges, 2)
	assert.EqualValues(t, 12, got[0].Ranges[0].Start)
	assert.False(t, got[0].Ranges[0].HasEnd)
	assert.EqualValues(t, 15, got[0].Ranges[1].Start)
	assert.EqualValues(t, 20, got[0].Ranges[1].End)
	assert.True(t, got[0].Ranges[1].HasEnd)
}

func TestAckBodyRoundTripMultipleStreams(t *testing.T) {
	entries := []AckEntry{
		{Stream: 0, Rollup: 5},
		{Stream: 3, Rollup: 1000, Ranges: []AckRange{{Start: 1002, End: 1004, HasEnd: true}}},
	}
	body := EncodeAckBody(entries)

	got, err := DecodeAckBody(body)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 0, got[0].Stream)
	assert.EqualValues(t, 3, got[1].Stream)
	assert.EqualValues(t, 1000, got[1].Rollup)
}

func TestDecodeAckBodyMalformedReturnsError(t *testing.T) {
	_, err := DecodeAckBody([]byte{0x00, 0xFF, 0xFF})
	assert.Error(t, err)
}

func TestAckIDCompactVsFullEncoding(t *testing.T) {
	compact := EncodeAckIDCompact(3, 1)
	assert.Len(t, compact, 1)

	full := EncodeAckIDFull(3, 1)
	assert.Len(t, full, 3)

	for _, buf := range [][]byte{compact, full} {
		id, stream, _, err := DecodeAckID(buf)
		require.NoError(t, err)
		assert.EqualValues(t, 3, id)
		assert.EqualValues(t, 1, stream)
	}
}

func TestAckIDLargeValueUsesThreeBytes(t *testing.T) {
	buf := EncodeAckIDCompact(1<<13, 2)
	assert.Len(t, buf, 3)
	id, stream, n, err := DecodeAckID(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 1<<13, id)
	assert.EqualValues(t, 2, stream)
	assert.Equal(t, 3, n)
}
