package transport

import (
	"container/list"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/sphynx/internal/aead"
	"github.com/Clouded-Sabre/sphynx/internal/bufpool"
	"github.com/Clouded-Sabre/sphynx/internal/wire"
	"github.com/Clouded-Sabre/sphynx/protocol"
)

// Pools backing every connection's coalescing buffer, sealed-datagram
// buffer, and fragment-reassembly buffers. One pool of each kind is
// shared across every Conn a server or client creates (§5 "minimal
// allocation"), the same package-level-pool pattern as the teacher's
// lib.Pool.
var (
	encoderPool = bufpool.New("conn-coalesce", protocol.PayloadPoolSize, protocol.MaximumMTU)
	sealPool    = bufpool.New("conn-seal", protocol.PayloadPoolSize, protocol.MaximumMTU+protocol.MACSize+protocol.IVWireSize)
	fragPool    = bufpool.New("conn-frag", protocol.PayloadPoolSize, protocol.MaxMessageDatalen)
)

// Lifecycle flags (§3).
const (
	FlagUsed uint32 = 1 << iota
	FlagCollision
	FlagTimed
	FlagDelete
	FlagPostHandshake
)

// MinRTO is the floor on the retransmission timeout (§4.4 "rto =
// max(2*rtt, MIN_RTO)").
const MinRTO = 100 * time.Millisecond

// SendFunc posts a sealed datagram to the network. It must be
// non-blocking per §5 ("the hot path never parks on I/O"); the caller
// (server dispatcher / client session) owns the actual socket.
type SendFunc func(b []byte) error

// Deliverer is invoked once per fully reassembled/in-order application
// message. Conn releases recvLock and sendLock before calling it, so
// it may write back on the same Conn (as the server's and client's
// housekeeping deliverers do).
type Deliverer func(stream uint8, op protocol.SuperOpcode, data []byte)

// Conn is the per-peer connection state described in spec.md §3.
type Conn struct {
	Peer net.Addr

	// ID correlates this connection's log lines and metrics across its
	// lifetime; it has no wire presence.
	ID string

	flags uint32 // atomic bitset, §3

	session *aead.Session
	send    SendFunc
	deliver Deliverer
	log     *logrus.Entry

	sendLock sync.Mutex // guards streams' send/sent state, coalescing buffer, next-send IDs
	recvLock sync.Mutex // guards got_reliable flags and fragment buffers

	streams [protocol.NumStreams]*Stream

	enc          *wire.Encoder
	encBuf       []byte
	encRelease   func()
	sealBuf      []byte
	sealRelease  func()
	maxPayload   int
	lastSendTime time.Time

	rtt time.Duration

	lastRecvTime atomic.Value // time.Time

	destroyed uint32 // CAS guard, one-shot disconnect (§5 "Cancellation")

	pendingAck bool // an ACK has been scheduled and not yet flushed (§4.5)
}

// NewConn builds a fresh connection for peer, ready to carry traffic
// once the handshake has produced session.
func NewConn(peer net.Addr, session *aead.Session, send SendFunc, deliver Deliverer, log *logrus.Entry) *Conn {
	encBuf, encRelease := encoderPool.Acquire()
	sealBuf, sealRelease := sealPool.Acquire()
	c := &Conn{
		Peer:        peer,
		ID:          uuid.NewString(),
		session:     session,
		send:        send,
		deliver:     deliver,
		log:         log,
		maxPayload:  protocol.MinimumMTU,
		encBuf:      encBuf,
		encRelease:  encRelease,
		sealBuf:     sealBuf,
		sealRelease: sealRelease,
	}
	c.enc = wire.NewEncoder(c.encBuf)
	for i := range c.streams {
		c.streams[i] = NewStream(uint8(i))
	}
	c.lastRecvTime.Store(time.Now())
	atomic.StoreUint32(&c.flags, FlagUsed)
	return c
}

// Touch records that a datagram was just received from this peer,
// resetting the timeout clock (§5 "15s since last receive ->
// DISCO_TIMEOUT").
func (c *Conn) Touch() { c.lastRecvTime.Store(time.Now()) }

// Idle reports how long it has been since the last received datagram.
func (c *Conn) Idle() time.Duration {
	return time.Since(c.lastRecvTime.Load().(time.Time))
}

// Flags returns the current lifecycle bitset.
func (c *Conn) Flags() uint32 { return atomic.LoadUint32(&c.flags) }

// SetFlag atomically ORs bit into the lifecycle bitset.
func (c *Conn) SetFlag(bit uint32) { atomicOr(&c.flags, bit) }

// ClearFlag atomically clears bit from the lifecycle bitset.
func (c *Conn) ClearFlag(bit uint32) { atomicAnd(&c.flags, ^bit) }

func atomicOr(addr *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bit) {
			return
		}
	}
}

func atomicAnd(addr *uint32, mask uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&mask) {
			return
		}
	}
}

// Close returns this connection's pooled coalescing and seal buffers.
// Call it once the tick thread has reclaimed the connection (§5
// "Cancellation"); using c after Close is undefined.
func (c *Conn) Close() {
	if c.encRelease != nil {
		c.encRelease()
	}
	if c.sealRelease != nil {
		c.sealRelease()
	}
}

// MarkDestroyed performs the one-shot CAS gating disconnect (§5
// "Cancellation"). It returns true exactly once, for the caller that
// should run the terminal disconnect path (§7).
func (c *Conn) MarkDestroyed() bool {
	return atomic.CompareAndSwapUint32(&c.destroyed, 0, 1)
}

// Destroyed reports whether MarkDestroyed has already fired.
func (c *Conn) Destroyed() bool { return atomic.LoadUint32(&c.destroyed) != 0 }

// Disconnect runs the §7 Terminal-failure path exactly once, for
// whichever caller wins the underlying MarkDestroyed CAS: it
// best-effort posts an OpDisco datagram carrying reason to the peer,
// then notifies the application with the same reason code so it can
// tell a timeout apart from a normal close or a server-declared error.
// It returns false if some other caller already ran this path, in
// which case the caller should not repeat whatever cleanup follows
// (e.g. removing the connection from a table a second time).
func (c *Conn) Disconnect(reason protocol.DisconnectReason) bool {
	if !c.MarkDestroyed() {
		return false
	}
	_ = c.WriteUnreliable(protocol.OpDisco, []byte{byte(reason)})
	if c.deliver != nil {
		c.deliver(0, protocol.OpDisco, []byte{byte(reason)})
	}
	return true
}

// SetMaxPayload raises max_payload_bytes if n is larger than the
// current value; per §8 invariant 4 it is monotonically non-decreasing
// after connect.
func (c *Conn) SetMaxPayload(n int) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if n > c.maxPayload {
		c.maxPayload = n
	}
}

// MaxPayload returns the current max_payload_bytes.
func (c *Conn) MaxPayload() int {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.maxPayload
}

// RTT returns the current RTT estimate.
func (c *Conn) RTT() time.Duration {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.rtt
}

// WriteUnreliable sends an unordered, best-effort message (e.g. MTU
// probes); it bypasses the stream machinery entirely.
func (c *Conn) WriteUnreliable(op protocol.SuperOpcode, data []byte) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if wire.HeaderOverhead+len(data) > c.maxPayload-c.enc.Len() {
		if err := c.flushLocked(); err != nil {
			return err
		}
	}
	c.enc.WriteUnreliable(op, data)
	if c.enc.Len() >= c.maxPayload {
		return c.flushLocked()
	}
	return nil
}

// WriteReliable queues bytes for reliable delivery on stream, assigning
// it the next send ID and fragmenting as needed (§4.4). Zero-length
// messages are accepted and round-trip per §8.
func (c *Conn) WriteReliable(stream uint8, op protocol.SuperOpcode, data []byte) (uint32, error) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	st := c.streams[stream]
	id := st.nextSendID
	st.nextSendID++

	if err := c.emit(st, id, op, data, false); err != nil {
		return id, err
	}
	return id, nil
}

// emit places one logical reliable message (id) into the coalescing
// buffer, fragmenting it across multiple datagrams if it does not fit
// in a single one (§4.4).
func (c *Conn) emit(st *Stream, id uint32, op protocol.SuperOpcode, data []byte, retransmit bool) error {
	now := time.Now()
	maxChunk := c.maxPayload - wire.HeaderOverhead - 3 - 2 // worst case ack-id + frag-hdr reserved

	if wire.HeaderOverhead+3+len(data) <= c.maxPayload {
		// whole message fits a single (fresh, if necessary) datagram
		room := c.maxPayload - c.enc.Len()
		needAckID := retransmit || c.enc.Len() == 0
		overhead := wire.HeaderOverhead + ackCost(retransmit, id)
		if overhead+len(data) > room {
			if err := c.flushLocked(); err != nil {
				return err
			}
		}
		_ = needAckID
		c.enc.WriteReliable(op, st.ID, id, data, retransmit)
		c.recordSent(st, id, op, data, now, retransmit)
		if c.enc.Len() >= c.maxPayload {
			return c.flushLocked()
		}
		return nil
	}

	// Message needs fragmentation. Reassembled total length is capped
	// at protocol.MaxMessageDatalen by FRAG-HDR's 16-bit field.
	if maxChunk < protocol.FragThreshold {
		maxChunk = protocol.FragThreshold
	}
	totalLen := uint16(len(data))
	offset := 0
	first := true
	var frags [][]byte
	for offset < len(data) {
		end := offset + maxChunk
		if end > len(data) {
			end = len(data)
		}
		if rem := len(data) - end; rem > 0 && rem < protocol.FragThreshold {
			end = len(data) // fold a too-small tail into this chunk
		}
		frags = append(frags, data[offset:end])
		offset = end
	}

	for _, chunk := range frags {
		if err := c.flushLocked(); err != nil {
			return err
		}
		if first {
			c.enc.WriteFragFirst(st.ID, id, totalLen, chunk, retransmit)
			first = false
		} else {
			c.enc.WriteReliable(protocol.OpFrag, st.ID, id, chunk, retransmit)
		}
	}
	c.recordSent(st, id, op, data, now, retransmit)
	return nil
}

func ackCost(retransmit bool, id uint32) int {
	if retransmit {
		return 3
	}
	return wire.AckIDSize(id)
}

func (c *Conn) recordSent(st *Stream, id uint32, op protocol.SuperOpcode, data []byte, now time.Time, retransmit bool) {
	if retransmit {
		for e := st.sentList.Front(); e != nil; e = e.Next() {
			item := e.Value.(*sentItem)
			if item.id == id {
				item.tsLastSend = now
				item.retransmitted = true
				return
			}
		}
	}
	st.sentList.PushBack(&sentItem{id: id, op: op, data: data, tsFirstSend: now, tsLastSend: now})
}

// flushLocked seals the coalescing buffer with the AEAD envelope and
// posts it, emitting any pending ACK rollups first (§4.4 FlushWrite).
// Caller must hold sendLock.
func (c *Conn) flushLocked() error {
	c.flushPendingAckLocked()
	if c.enc.Len() == 0 {
		return nil
	}
	// Sealing aliases c.enc's own backing array (c.encBuf) rather than
	// copying it first: XORKeyStream mutates it in place, but nothing
	// reads the plaintext again before Reset below discards it, so the
	// copy the teacher's style would otherwise take here is pure
	// overhead. The sealed *output* still comes from its own pooled
	// buffer (c.sealBuf) since it outlives this call (handed to send).
	sealed, err := c.session.SealInto(c.sealBuf, c.enc.Bytes())
	if err != nil {
		c.enc.Reset(c.encBuf)
		if c.log != nil {
			c.log.WithError(err).WithField("conn", c.ID).Warn("seal failed, dropping datagram")
		}
		return err
	}
	c.lastSendTime = time.Now()
	c.enc.Reset(c.encBuf)
	return c.send(sealed)
}

// FlushWrite forces any buffered messages onto the wire now, e.g. at
// the end of a tick pass.
func (c *Conn) FlushWrite() error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.flushLocked()
}

// flushPendingAckLocked appends ROLLUP/RANGE ACK data for every stream
// with received traffic into the coalescing buffer (§4.5).
func (c *Conn) flushPendingAckLocked() {
	if !c.pendingAck {
		return
	}
	c.recvLock.Lock()
	var entries []wire.AckEntry
	for _, st := range c.streams {
		if !st.gotReliable {
			continue
		}
		st.gotReliable = false
		entry := wire.AckEntry{Stream: st.ID, Rollup: st.nextExpectID}
		for e := st.recvQueue.Front(); e != nil; e = e.Next() {
			ri := e.Value.(*recvItem)
			entry.Ranges = append(entry.Ranges, wire.AckRange{Start: ri.id, End: ri.id, HasEnd: true})
		}
		entries = append(entries, entry)
	}
	c.recvLock.Unlock()
	c.pendingAck = false
	if len(entries) == 0 {
		return
	}
	body := wire.EncodeAckBody(entries)
	if wire.HeaderOverhead+len(body) > c.maxPayload-c.enc.Len() {
		// extremely unlikely (ACK bodies are small); best effort, drop
		// the overflow rather than block the tick.
		return
	}
	c.enc.WriteUnreliable(protocol.OpAck, body)
}

// scheduleAck arranges for the next flush to carry an ACK, per §4.5
// ("An ACK is scheduled whenever a reliable message is received and no
// ACK is already pending").
func (c *Conn) scheduleAck() { c.pendingAck = true }

// Dispatch processes one inbound, already-decrypted-and-framed
// datagram's messages (§4.2 data flow: "dispatch by super-opcode").
func (c *Conn) Dispatch(msgs []wire.Message) {
	c.Touch()
	for _, m := range msgs {
		switch m.Op {
		case protocol.OpAck:
			c.processAck(m.Data)
		case protocol.OpData, protocol.OpFrag:
			if m.Reliable {
				c.receiveReliable(m)
			} else {
				c.deliver(m.Stream, m.Op, m.Data)
			}
		case protocol.OpMTUProbe, protocol.OpMTUSet, protocol.OpTimePing, protocol.OpTimePong, protocol.OpDisco:
			c.deliver(m.Stream, m.Op, m.Data)
		}
	}
}

// receiveReliable implements §4.3's three-way branch on k vs
// next_expected[S].
func (c *Conn) receiveReliable(m wire.Message) {
	c.recvLock.Lock()
	st := c.streams[m.Stream]
	st.gotReliable = true

	switch {
	case m.AckID < st.nextExpectID:
		// already delivered, drop (still counts toward scheduling an ACK)
	case m.AckID == st.nextExpectID:
		var ready []*recvItem
		if d, release, ok := c.reassemble(st, m); ok {
			ready = append(ready, &recvItem{id: m.AckID, data: d, release: release})
			st.nextExpectID++
		}
		ready = append(ready, st.drainContiguous()...)
		c.deliverAll(st, ready)
	case !st.Ordered():
		// unordered stream: deliver immediately, but next_expected
		// still advances if this closes a gap, so rollup math matches
		// the ordered streams (§4.3).
		if d, release, ok := c.reassemble(st, m); ok {
			c.recvLock.Unlock()
			c.deliver(st.ID, opForDelivery(m), d)
			if release != nil {
				release()
			}
			c.recvLock.Lock()
		}
		if m.AckID >= st.nextExpectID {
			st.nextExpectID = m.AckID + 1
		}
	default:
		// Out-of-order reliable message: queued whole and only run
		// through reassemble once drainContiguous reaches it in
		// order, since fragment reassembly tracks a single in-flight
		// assembly per stream driven off the in-order path above.
		item := &recvItem{id: m.AckID, data: append([]byte(nil), m.Data...)}
		st.insertRecvSorted(item)
	}

	c.recvLock.Unlock()
	c.sendLock.Lock()
	c.scheduleAck()
	c.sendLock.Unlock()
}

func opForDelivery(m wire.Message) protocol.SuperOpcode {
	if m.Op == protocol.OpFrag {
		return protocol.OpData
	}
	return m.Op
}

// reassemble folds m into st's fragment buffer if it is a fragment,
// returning the completed message once all fragments have arrived. For
// a non-fragment message it returns the message data unchanged.
func (c *Conn) reassemble(st *Stream, m wire.Message) ([]byte, func(), bool) {
	if m.Op != protocol.OpFrag {
		return m.Data, nil, true
	}
	if st.frag == nil || st.frag.id != m.AckID {
		// First fragment for this assembly: the FRAG-HDR total-length
		// field is still at the front of Data, since wire.Decode hands
		// back OpFrag bodies unparsed (the wire I-bit cannot distinguish
		// a first fragment from a continuation).
		if len(m.Data) < 2 {
			return nil, nil, false
		}
		total := binary.LittleEndian.Uint16(m.Data)
		buf, release := fragPool.Acquire()
		st.frag = &fragAssembly{id: m.AckID, total: int(total), buf: buf[:total], release: release}
		m.Data = m.Data[2:]
	}
	n := copy(st.frag.buf[st.frag.written:], m.Data)
	st.frag.written += n
	if st.frag.written >= st.frag.total {
		out, release := st.frag.buf, st.frag.release
		st.frag = nil
		return out, release, true
	}
	return nil, nil, false
}

func (c *Conn) deliverAll(st *Stream, items []*recvItem) {
	if len(items) == 0 {
		return
	}
	c.recvLock.Unlock()
	for _, it := range items {
		c.deliver(st.ID, protocol.OpData, it.data)
		if it.release != nil {
			it.release()
		}
	}
	c.recvLock.Lock()
}

// processAck implements §4.5 ACK processing.
func (c *Conn) processAck(body []byte) {
	entries, err := wire.DecodeAckBody(body)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).WithField("conn", c.ID).Debug("malformed ack body, dropping")
		}
		return // silent drop as far as the connection is concerned, §4.2/§7
	}
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	for _, entry := range entries {
		if entry.Stream >= protocol.NumStreams {
			continue
		}
		st := c.streams[entry.Stream]
		if entry.Rollup < st.peerRollup {
			continue // verify ROLLUP >= previously observed (§4.5)
		}
		c.updateRTT(st, entry.Rollup)
		st.pruneSentBelow(entry.Rollup)
		for _, r := range entry.Ranges {
			end := r.Start
			if r.HasEnd {
				end = r.End
			}
			for id := r.Start; id <= end; id++ {
				st.markAcked(id)
			}
		}
	}
	// prune again after marking ranges acked
	for i := range c.streams {
		c.streams[i].pruneSentBelow(c.streams[i].peerRollup)
	}
}

// updateRTT recomputes the RTT estimate from the newest acknowledged,
// non-retransmitted sent-list node (§4.5).
func (c *Conn) updateRTT(st *Stream, rollup uint32) {
	var best *sentItem
	for e := st.sentList.Front(); e != nil; e = e.Next() {
		item := e.Value.(*sentItem)
		if item.retransmitted || item.id >= rollup {
			continue
		}
		if best == nil || item.tsFirstSend.After(best.tsFirstSend) {
			best = item
		}
	}
	if best != nil {
		c.rtt = time.Since(best.tsFirstSend)
	}
}

// Retransmit walks every stream's sent list and resends anything whose
// RTO has elapsed (§4.4). Called from the tick thread.
func (c *Conn) Retransmit(now time.Time) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	// §4.4: "retransmissions are never aggregated with fresh writes in
	// a single datagram." Whatever a prior WriteReliable/WriteUnreliable
	// left sitting in the coalescing buffer must go out on its own
	// before any retransmission is emitted below.
	if err := c.flushLocked(); err != nil {
		return
	}

	rto := 2 * c.rtt
	if rto < MinRTO {
		rto = MinRTO
	}

	for _, st := range c.streams {
		var due []*list.Element
		for e := st.sentList.Front(); e != nil; e = e.Next() {
			item := e.Value.(*sentItem)
			if item.acked {
				continue
			}
			if now.Sub(item.tsLastSend) >= rto {
				due = append(due, e)
			}
		}
		if len(due) > 0 && c.log != nil {
			c.log.WithField("conn", c.ID).WithField("stream", st.ID).WithField("count", len(due)).Debug("retransmitting")
		}
		for _, e := range due {
			item := e.Value.(*sentItem)
			_ = c.emit(st, item.id, item.op, item.data, true)
		}
	}
	_ = c.flushLocked()
}

// Open authenticates and decrypts one inbound datagram via this
// connection's AEAD session, ready for wire.Decode.
func (c *Conn) Open(datagram []byte) ([]byte, error) {
	return c.session.Open(datagram)
}

// ScheduledAckDue reports whether a pending ACK needs flushing.
func (c *Conn) ScheduledAckDue() bool {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.pendingAck
}
