package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

func TestOrderedReportsCorrectlyPerStream(t *testing.T) {
	assert.False(t, NewStream(protocol.StreamUnordered).Ordered())
	assert.True(t, NewStream(1).Ordered())
}

func TestDrainContiguousAdvancesOnlyOnMatch(t *testing.T) {
	s := NewStream(1)
	s.nextExpectID = 0
	s.insertRecvSorted(&recvItem{id: 0, data: []byte("a")})
	s.insertRecvSorted(&recvItem{id: 1, data: []byte("b")})
	s.insertRecvSorted(&recvItem{id: 3, data: []byte("d")}) // gap at 2

	got := s.drainContiguous()
	require.Len(t, got, 2)
	assert.EqualValues(t, 0, got[0].id)
	assert.EqualValues(t, 1, got[1].id)
	assert.EqualValues(t, 2, s.nextExpectID)
	assert.Equal(t, 1, s.recvQueue.Len()) // id 3 still queued behind the gap
}

func TestInsertRecvSortedDedupsByID(t *testing.T) {
	s := NewStream(1)
	s.insertRecvSorted(&recvItem{id: 5})
	s.insertRecvSorted(&recvItem{id: 5})
	assert.Equal(t, 1, s.recvQueue.Len())
}

func TestPruneSentBelowRemovesOldAndAckedEntries(t *testing.T) {
	s := NewStream(1)
	s.sentList.PushBack(&sentItem{id: 1})
	s.sentList.PushBack(&sentItem{id: 2, acked: true})
	s.sentList.PushBack(&sentItem{id: 3})

	s.pruneSentBelow(3)
	require.Equal(t, 1, s.sentList.Len())
	remaining := s.sentList.Front().Value.(*sentItem)
	assert.EqualValues(t, 3, remaining.id)
	assert.EqualValues(t, 3, s.peerRollup)
}

func TestPruneSentBelowNeverLowersPeerRollup(t *testing.T) {
	s := NewStream(1)
	s.peerRollup = 10
	s.pruneSentBelow(3)
	assert.EqualValues(t, 10, s.peerRollup)
}

func TestMarkAckedFlagsMatchingEntry(t *testing.T) {
	s := NewStream(1)
	s.sentList.PushBack(&sentItem{id: 1})
	s.markAcked(1)
	item := s.sentList.Front().Value.(*sentItem)
	assert.True(t, item.acked)
}
