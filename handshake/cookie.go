package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

// CookieJar is the stateless cookie generator of spec.md §3/§4.6: a
// single server-wide salt, rotated periodically, lets the server prove
// a client owns its source address without storing any per-peer state
// until the CHALLENGE arrives.
//
// Resolution of the §9 Open Question on cookie construction: a
// 128-bit (16-byte) salt, rotated every 60 seconds, with the current
// and previous salt both accepted (two epochs).
type CookieJar struct {
	mu       sync.Mutex
	current  [protocol.CookieSaltLen]byte
	previous [protocol.CookieSaltLen]byte

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCookieJar creates a jar with an initial random salt and starts
// its rotation ticker.
func NewCookieJar() (*CookieJar, error) {
	j := &CookieJar{stop: make(chan struct{})}
	if err := j.rotate(); err != nil {
		return nil, err
	}
	j.wg.Add(1)
	go j.rotateLoop()
	return j, nil
}

func (j *CookieJar) rotate() error {
	var next [protocol.CookieSaltLen]byte
	if _, err := rand.Read(next[:]); err != nil {
		return err
	}
	j.mu.Lock()
	j.previous = j.current
	j.current = next
	j.mu.Unlock()
	return nil
}

func (j *CookieJar) rotateLoop() {
	defer j.wg.Done()
	t := time.NewTicker(protocol.CookieEpoch)
	defer t.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-t.C:
			_ = j.rotate()
		}
	}
}

// Close stops the rotation ticker.
func (j *CookieJar) Close() {
	close(j.stop)
	j.wg.Wait()
}

// Generate produces a cookie for addr under the current salt.
func (j *CookieJar) Generate(addr net.Addr) uint32 {
	j.mu.Lock()
	salt := j.current
	j.mu.Unlock()
	return cookieFor(salt, addr)
}

// Verify accepts a cookie produced under either the current or the
// previous salt epoch; anything older is rejected (§8 "replayed
// cookies from a past salt epoch are rejected").
func (j *CookieJar) Verify(addr net.Addr, cookie uint32) bool {
	j.mu.Lock()
	cur, prev := j.current, j.previous
	j.mu.Unlock()
	return cookie == cookieFor(cur, addr) || cookie == cookieFor(prev, addr)
}

func cookieFor(salt [protocol.CookieSaltLen]byte, addr net.Addr) uint32 {
	h := hmac.New(sha256.New, salt[:])
	h.Write(addrBytes(addr))
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint32(sum[:4])
}

// addrBytes renders a net.Addr into a canonical byte form (IP bytes +
// port) suitable for MACing; it does not attempt to resolve hostnames.
func addrBytes(addr net.Addr) []byte {
	if udp, ok := addr.(*net.UDPAddr); ok {
		out := append([]byte(nil), udp.IP.To16()...)
		var port [2]byte
		binary.LittleEndian.PutUint16(port[:], uint16(udp.Port))
		return append(out, port[:]...)
	}
	return []byte(addr.String())
}
