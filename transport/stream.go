// Package transport implements spec.md §4.3-§4.5: the four parallel
// reliable streams (stream 0 unordered, streams 1-3 ordered), their
// send/receive/sent queues, fragment reassembly, coalescing, and
// retransmission/ACK bookkeeping.
//
// The teacher (lib/connection.go, lib/struct.go) kept per-connection
// state in a flat struct with Go channels standing in for queues.
// Sphynx generalizes that to spec.md §3's four-stream model using
// container/list intrusive-style doubly linked queues, per the design
// note in §9 (option (i)).
package transport

import (
	"container/list"
	"time"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

// sendItem is a reliable message waiting to be placed into the
// coalescing buffer.
type sendItem struct {
	id   uint32
	op   protocol.SuperOpcode
	data []byte
}

// sentItem is a reliable message already flushed onto the wire,
// waiting for acknowledgment or rollup.
type sentItem struct {
	id              uint32
	op              protocol.SuperOpcode
	data            []byte
	tsFirstSend     time.Time
	tsLastSend      time.Time
	retransmitted   bool
	acked           bool
}

// recvItem is an out-of-order reliable message waiting in a stream's
// receive queue until next_expected catches up to it.
type recvItem struct {
	id       uint32
	data     []byte
	isFrag   bool
	fragDone bool
	release  func() // non-nil when data is a pooled fragment-reassembly buffer
}

// fragAssembly is the in-progress fragment-reassembly buffer for one
// stream. It is non-nil only while an assembly is in progress (§3
// invariant). buf is acquired from the fragment pool (§5 "minimal
// allocation") and must be released via release once the reassembled
// message has been delivered.
type fragAssembly struct {
	id      uint32
	total   int
	buf     []byte
	written int
	release func()
}

// Stream is the per-connection, per-stream reliable transport state
// (§3). Index 0 is the unordered reliable stream
// (protocol.StreamUnordered); indices 1-3 are ordered.
type Stream struct {
	ID uint8

	nextSendID    uint32
	nextExpectID  uint32 // next_expected[S]

	recvQueue *list.List // *recvItem, ID order, insertion-sorted from tail
	sendQueue *list.List // *sendItem, FIFO
	sentList  *list.List // *sentItem, ID order

	frag *fragAssembly

	lastRemoteRollup uint32 // highest rollup value this stream has advertised to the peer... (local bookkeeping for monotonicity, §8 invariant 2)
	peerRollup       uint32 // highest rollup the peer has told us (prunes sentList)

	gotReliable bool // set when a reliable message arrives; drives ACK scheduling
	ackPending  bool
}

// NewStream allocates an empty stream state for id.
func NewStream(id uint8) *Stream {
	return &Stream{
		ID:        id,
		recvQueue: list.New(),
		sendQueue: list.New(),
		sentList:  list.New(),
	}
}

// Ordered reports whether this stream gates delivery on next_expected
// (streams 1-3) or delivers immediately (stream 0, unordered, §4.3).
func (s *Stream) Ordered() bool { return s.ID != protocol.StreamUnordered }

// insertRecvSorted inserts item into the receive queue in ID order,
// insertion-sorted from the tail since expected traffic is
// near-ordered (§4.3 step 3).
func (s *Stream) insertRecvSorted(item *recvItem) {
	for e := s.recvQueue.Back(); e != nil; e = e.Prev() {
		cur := e.Value.(*recvItem)
		if cur.id == item.id {
			return // duplicate, already queued
		}
		if cur.id < item.id {
			s.recvQueue.InsertAfter(item, e)
			return
		}
	}
	s.recvQueue.PushFront(item)
}

// drainContiguous removes and returns, in order, every queued item
// whose ID is now exactly next_expected, advancing next_expected past
// each one (§4.3 step 2).
func (s *Stream) drainContiguous() []*recvItem {
	var out []*recvItem
	for e := s.recvQueue.Front(); e != nil; {
		item := e.Value.(*recvItem)
		if item.id != s.nextExpectID {
			break
		}
		next := e.Next()
		s.recvQueue.Remove(e)
		out = append(out, item)
		s.nextExpectID++
		e = next
	}
	return out
}

// pruneSentBelow unlinks and frees every sentList node with ID less
// than rollup, or whose ID falls inside an acked range (§4.4
// "Acknowledgment pruning").
func (s *Stream) pruneSentBelow(rollup uint32) {
	if rollup > s.peerRollup {
		s.peerRollup = rollup
	}
	for e := s.sentList.Front(); e != nil; {
		next := e.Next()
		item := e.Value.(*sentItem)
		if item.id < rollup || item.acked {
			s.sentList.Remove(e)
		}
		e = next
	}
}

// markAcked flags the sentList node for id as acknowledged, if present.
func (s *Stream) markAcked(id uint32) {
	for e := s.sentList.Front(); e != nil; e = e.Next() {
		item := e.Value.(*sentItem)
		if item.id == id {
			item.acked = true
			return
		}
	}
}
