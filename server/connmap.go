// Package server implements the listening side of Sphynx: the
// open-addressed connection table (§4.7), the handshake responder, the
// worker-socket dispatcher, and the tick thread that drives
// retransmission and timeout sweeps.
package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/Clouded-Sabre/sphynx/handshake"
	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/transport"
)

// slot is one entry of the connection table. flags is read by
// concurrent goroutines without holding mu, so it is accessed only via
// atomic ops; mu guards key/conn/answer during insert, lookup and
// reclaim.
type slot struct {
	mu        sync.Mutex
	flags     uint32 // transport.FlagUsed, FlagCollision, FlagTimed, FlagDelete, FlagPostHandshake
	key       string
	conn      *transport.Conn
	hasAnswer bool
	answer    handshake.Answer // cached S2C_ANSWER, §4.6 step 4 replay short-circuit
}

// insertNode is one link of the lock-free singly linked insertion list
// §4.7 describes: every successful Insert pushes the slot it landed on
// here, and the tick thread drains the whole chain in a single CAS swap
// each pass, setting FlagTimed on everything it drains.
type insertNode struct {
	idx  uint32
	next *insertNode
}

// ConnMap is the server's fixed-size, open-addressed connection table,
// generalized from the teacher's protoConnectionMap (a plain Go map)
// into the array-plus-linear-probe layout §4.7 requires: a lookup that
// never blocks on a global lock, a collision probe that visits every
// slot of a power-of-two table exactly once, and a lock-free insertion
// list the tick thread drains before it will consider a connection for
// retransmission or timeout.
type ConnMap struct {
	slots      []slot
	population int32 // atomic
	insHead    atomic.Pointer[insertNode]
}

// NewConnMap allocates a table of protocol.TableSize slots.
func NewConnMap() *ConnMap {
	return &ConnMap{slots: make([]slot, protocol.TableSize)}
}

// hashKey turns a peer address into the table's starting index. It
// need not be cryptographic; it only needs to spread traffic across
// slots before the collision probe takes over.
func hashKey(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

// probe returns the sequence of table indices to try for a given
// starting hash, using the original source's linear-congruential
// multiplier/incrementer (protocol.CollisionMult/CollisionAdd), which
// is coprime with protocol.TableSize and so visits every slot exactly
// once before repeating.
func probe(start uint32) func() uint32 {
	cur := start % protocol.TableSize
	first := true
	return func() uint32 {
		if first {
			first = false
			return cur
		}
		cur = (cur*protocol.CollisionMult + protocol.CollisionAdd) % protocol.TableSize
		return cur
	}
}

func atomicOrFlags(addr *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bit) {
			return
		}
	}
}

// Insert places conn under key, following §4.7's insertion algorithm:
// the probe runs until it lands on an empty (or reclaimed, not-Used)
// slot, or finds key already occupying a slot (reconnect in place).
// Every occupied-but-mismatched slot visited along the way gets
// Collision set once the landing slot is known, so a later Delete of
// any of those stepping-stone slots can never terminate this key's
// lookup chain early. A successful landing also pushes the slot onto
// the lock-free insertion list for the tick thread to drain.
func (m *ConnMap) Insert(key string, conn *transport.Conn) bool {
	if atomic.LoadInt32(&m.population) >= protocol.MaxPopulation {
		return false
	}
	next := probe(hashKey(key))
	var path []uint32
	for i := 0; i < protocol.TableSize; i++ {
		idx := next()
		s := &m.slots[idx]
		s.mu.Lock()
		f := atomic.LoadUint32(&s.flags)
		if f&transport.FlagUsed == 0 {
			s.key = key
			s.conn = conn
			s.hasAnswer = false
			atomic.StoreUint32(&s.flags, (f&^transport.FlagDelete)|transport.FlagUsed)
			s.mu.Unlock()
			atomic.AddInt32(&m.population, 1)
			for _, p := range path {
				atomicOrFlags(&m.slots[p].flags, transport.FlagCollision)
			}
			m.pushInsert(idx)
			return true
		}
		if s.key == key {
			// same peer reconnecting before its old slot timed out;
			// overwrite in place (§8 "port migration" boundary case),
			// same insertion-list membership as before.
			s.conn = conn
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()
		path = append(path, idx)
	}
	return false
}

// pushInsert chains idx onto the insertion list with a Treiber-stack
// compare-and-swap push, matching §4.7's "head is a compare-and-swap
// word" description; Go's atomic.Pointer stands in for the bare word
// the original source used, since a nil *insertNode already encodes
// "empty" without needing a sentinel value.
func (m *ConnMap) pushInsert(idx uint32) {
	n := &insertNode{idx: idx}
	for {
		old := m.insHead.Load()
		n.next = old
		if m.insHead.CompareAndSwap(old, n) {
			return
		}
	}
}

// DrainInsertions atomically claims the entire insertion-list chain
// accumulated since the last call and sets FlagTimed on every slot it
// carries. Only after this has run does a connection become eligible
// for tick-thread duties (retransmission, timeout); Lookup never waits
// on it, so data-plane routing works the instant Insert returns.
func (m *ConnMap) DrainInsertions() {
	head := m.insHead.Swap(nil)
	for n := head; n != nil; n = n.next {
		atomicOrFlags(&m.slots[n.idx].flags, transport.FlagTimed)
	}
}

// Lookup finds the connection for key, if any. A slot that was a
// stepping stone for some other key's insertion carries Collision, so
// the probe keeps going past it; a slot that never was (Collision
// unset) safely terminates the search, whether it was always empty or
// has since been reclaimed (§4.7).
func (m *ConnMap) Lookup(key string) (*transport.Conn, bool) {
	next := probe(hashKey(key))
	for i := 0; i < protocol.TableSize; i++ {
		idx := next()
		s := &m.slots[idx]
		s.mu.Lock()
		f := atomic.LoadUint32(&s.flags)
		if f&transport.FlagUsed != 0 && s.key == key {
			conn := s.conn
			s.mu.Unlock()
			return conn, true
		}
		collision := f&transport.FlagCollision != 0
		s.mu.Unlock()
		if !collision {
			return nil, false
		}
	}
	return nil, false
}

// CachedAnswer returns the S2C_ANSWER cached for key, if its slot is
// still Used and an answer has been recorded. §4.6 step 4: the first
// CHALLENGE from a given peer address pays for the X25519/HKDF key
// agreement; every replayed CHALLENGE from the same address is
// answered straight from this cache instead, bounding CPU cost to one
// key agreement per distinct address.
func (m *ConnMap) CachedAnswer(key string) (handshake.Answer, bool) {
	next := probe(hashKey(key))
	for i := 0; i < protocol.TableSize; i++ {
		idx := next()
		s := &m.slots[idx]
		s.mu.Lock()
		f := atomic.LoadUint32(&s.flags)
		if f&transport.FlagUsed != 0 && s.key == key {
			ans, ok := s.answer, s.hasAnswer
			s.mu.Unlock()
			return ans, ok
		}
		collision := f&transport.FlagCollision != 0
		s.mu.Unlock()
		if !collision {
			return handshake.Answer{}, false
		}
	}
	return handshake.Answer{}, false
}

// SetCachedAnswer records ans as the S2C_ANSWER for key's slot, so a
// replayed CHALLENGE from the same address can be short-circuited by
// CachedAnswer instead of repeating the key agreement.
func (m *ConnMap) SetCachedAnswer(key string, ans handshake.Answer) {
	next := probe(hashKey(key))
	for i := 0; i < protocol.TableSize; i++ {
		idx := next()
		s := &m.slots[idx]
		s.mu.Lock()
		f := atomic.LoadUint32(&s.flags)
		if f&transport.FlagUsed != 0 && s.key == key {
			s.answer = ans
			s.hasAnswer = true
			s.mu.Unlock()
			return
		}
		collision := f&transport.FlagCollision != 0
		s.mu.Unlock()
		if !collision {
			return
		}
	}
}

// Delete marks the slot for key for reclamation: Used is cleared
// immediately so Lookup/CachedAnswer stop matching it, but Collision is
// left in place and the slot's key/conn survive until Sweep reclaims
// them — physically freeing it here would break any other key's probe
// chain that passed through it on the way to a later slot. §3: "their
// lifetime ends when the tick thread observes the Delete flag."
func (m *ConnMap) Delete(key string) {
	next := probe(hashKey(key))
	for i := 0; i < protocol.TableSize; i++ {
		idx := next()
		s := &m.slots[idx]
		s.mu.Lock()
		f := atomic.LoadUint32(&s.flags)
		if f&transport.FlagUsed != 0 && s.key == key {
			atomic.StoreUint32(&s.flags, (f&^transport.FlagUsed)|transport.FlagDelete)
			s.mu.Unlock()
			atomic.AddInt32(&m.population, -1)
			return
		}
		collision := f&transport.FlagCollision != 0
		s.mu.Unlock()
		if !collision {
			return
		}
	}
}

// Sweep runs once per tick, ahead of the retransmission/timeout pass:
// it drains the insertion list (DrainInsertions) and reclaims every
// slot Delete has flagged, handing onReclaim the slot's last key/conn
// before wiping it so the caller can release anything it held (e.g. a
// dispatcher worker slot). Collision bits are never cleared here even
// though §4.7 frames that as something the tick thread does "lazily":
// clearing one could truncate another key's still-live probe chain,
// while leaving it set forever only ever costs a slightly longer
// probe, never a lost lookup — Sphynx keeps the conservative side of
// that tradeoff.
func (m *ConnMap) Sweep(onReclaim func(key string, conn *transport.Conn, sessionPort int)) {
	m.DrainInsertions()
	for i := range m.slots {
		s := &m.slots[i]
		s.mu.Lock()
		f := atomic.LoadUint32(&s.flags)
		if f&transport.FlagDelete == 0 {
			s.mu.Unlock()
			continue
		}
		key, conn, ans := s.key, s.conn, s.answer
		s.key = ""
		s.conn = nil
		s.hasAnswer = false
		s.answer = handshake.Answer{}
		atomic.StoreUint32(&s.flags, f&^(transport.FlagDelete|transport.FlagUsed|transport.FlagTimed|transport.FlagPostHandshake))
		s.mu.Unlock()
		if onReclaim != nil && conn != nil {
			onReclaim(key, conn, int(ans.SessionPort))
		}
	}
}

// Population returns the current connection count.
func (m *ConnMap) Population() int {
	return int(atomic.LoadInt32(&m.population))
}

// Range calls fn for every connection the tick thread may act on: Used
// and already drained off the insertion list (Timed). A connection
// Insert just committed is reachable via Lookup immediately but stays
// invisible to Range until the next Sweep drains it (§4.7).
func (m *ConnMap) Range(fn func(key string, conn *transport.Conn)) {
	for i := range m.slots {
		s := &m.slots[i]
		s.mu.Lock()
		f := atomic.LoadUint32(&s.flags)
		if f&transport.FlagUsed != 0 && f&transport.FlagTimed != 0 {
			key, conn := s.key, s.conn
			s.mu.Unlock()
			fn(key, conn)
			continue
		}
		s.mu.Unlock()
	}
}

// AddrKey renders a UDP address into the ConnMap's string key form.
func AddrKey(addr net.Addr) string {
	return addr.String()
}
