// Package aead implements the wire envelope from spec.md §4.1:
//
//	ciphertext || MAC(8 bytes) || IV(3 bytes)
//
// The HMAC/stream-cipher primitives themselves are, per §1, external
// collaborators treated as an opaque AEAD boundary; Sphynx picks the
// nearest available real primitives from the ecosystem pack
// (golang.org/x/crypto/chacha20 for the stream, crypto/hmac+sha256 for
// the truncated MAC) rather than hand-rolling ChaCha12/HMAC-MD5.
package aead

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20"
)

// KeySize is the session key length derived by the handshake.
const KeySize = 32

// macSize and ivWireSize mirror protocol.MACSize / protocol.IVWireSize;
// duplicated here (rather than imported) to keep this package free of
// a dependency on the higher-level protocol package.
const (
	macSize    = 8
	ivWireSize = 3
)

var (
	// ErrAuth is returned when the MAC fails to verify. Per §4.1 this
	// is handled as a silent drop by every caller; it is exported only
	// so tests can assert on it directly.
	ErrAuth = errors.New("aead: authentication failed")
	// ErrShort is returned when a datagram is too small to contain a
	// MAC and IV.
	ErrShort = errors.New("aead: datagram too short")
)

// Session holds the encryption state for one endpoint of a connection:
// the cipher and MAC keys, the monotonically increasing send IV counter
// used by Seal/SealInto, and the replay filter plus IV high-water mark
// used by Open. One Session carries both directions; the send counter
// has a single writer (spec §5 "Resource sharing").
type Session struct {
	key       [KeySize]byte
	macKey    [KeySize]byte
	sendIV    uint64 // single-writer per spec §5
	recvState *ReplayFilter
	lastHighRecv uint64 // highest reconstructed IV seen, for window reconstruction
}

// NewSession derives independent cipher and MAC sub-keys from a single
// session key via a domain-separated hash, then returns a ready-to-use
// Session. Both endpoints derive the same two sub-keys from the shared
// session key; the cipher key and the MAC key are split, the send and
// receive directions are not.
func NewSession(sessionKey [KeySize]byte) *Session {
	cipherKey := sha256.Sum256(append([]byte("sphynx-cipher"), sessionKey[:]...))
	macKey := sha256.Sum256(append([]byte("sphynx-mac"), sessionKey[:]...))
	return &Session{
		key:       cipherKey,
		macKey:    macKey,
		recvState: NewReplayFilter(),
	}
}

// Seal encrypts plaintext in place and returns a newly allocated
// datagram holding the ciphertext followed by MAC + IV, ready to post
// to the socket.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	return s.SealInto(make([]byte, 0, len(plaintext)+macSize+ivWireSize), plaintext)
}

// SealInto behaves exactly like Seal but appends its output onto
// dst[:0] instead of allocating a fresh backing array, so a caller that
// seals many datagrams over a connection's lifetime (transport.Conn)
// can reuse one pooled buffer instead of allocating one per datagram.
func (s *Session) SealInto(dst, plaintext []byte) ([]byte, error) {
	iv := s.sendIV
	s.sendIV++

	nonce := nonceFromIV(iv)
	c, err := chacha20.NewUnauthenticatedCipher(s.key[:], nonce[:chacha20.NonceSize])
	if err != nil {
		return nil, err
	}
	c.XORKeyStream(plaintext, plaintext)

	mac := s.computeMAC(plaintext, iv)

	out := append(dst[:0], plaintext...)
	out = append(out, mac...)
	out = appendIVLow(out, iv)
	return out, nil
}

// Open verifies and decrypts a received datagram in place. On a MAC
// failure or replay it returns ErrAuth/ErrReplay; per §4.1 and §7
// every caller must treat that as a silent drop, never surfacing it to
// the transport layer as a connection error.
func (s *Session) Open(datagram []byte) ([]byte, error) {
	if len(datagram) < macSize+ivWireSize {
		return nil, ErrShort
	}
	ivOffset := len(datagram) - ivWireSize
	macOffset := ivOffset - macSize

	low24 := uint32(datagram[ivOffset]) | uint32(datagram[ivOffset+1])<<8 | uint32(datagram[ivOffset+2])<<16
	iv := reconstructIV(s.lastHighRecv, low24)

	ciphertext := datagram[:macOffset]
	gotMAC := datagram[macOffset:ivOffset]

	wantMAC := s.computeMAC(ciphertext, iv)
	if !hmac.Equal(wantMAC, gotMAC) {
		return nil, ErrAuth
	}

	if !s.recvState.Accept(iv) {
		return nil, ErrReplay
	}

	if iv > s.lastHighRecv {
		s.lastHighRecv = iv
	}

	nonce := nonceFromIV(iv)
	c, err := chacha20.NewUnauthenticatedCipher(s.key[:], nonce[:chacha20.NonceSize])
	if err != nil {
		return nil, err
	}
	c.XORKeyStream(ciphertext, ciphertext)
	return ciphertext, nil
}

// ErrReplay is returned when an IV is outside the window or already seen.
var ErrReplay = errors.New("aead: replayed or out-of-window IV")

func (s *Session) computeMAC(ciphertext []byte, iv uint64) []byte {
	h := hmac.New(sha256.New, s.macKey[:])
	h.Write(ciphertext)
	var ivBuf [8]byte
	binary.LittleEndian.PutUint64(ivBuf[:], iv)
	h.Write(ivBuf[:])
	return h.Sum(nil)[:macSize]
}

func nonceFromIV(iv uint64) [chacha20.NonceSize]byte {
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], iv)
	return nonce
}

func appendIVLow(dst []byte, iv uint64) []byte {
	return append(dst, byte(iv), byte(iv>>8), byte(iv>>16))
}

// reconstructIV recovers the full 64-bit counter from its low 24 bits
// on the wire, per §4.1 ("the high bits are reconstructed by the
// receiver using a sliding window"). It picks whichever of the three
// candidates (same high bits, one higher, one lower) lands closest to
// the last value accepted.
func reconstructIV(lastHigh uint64, low24 uint32) uint64 {
	const mask = uint64(1)<<24 - 1
	base := lastHigh &^ mask
	candidate := base | uint64(low24)

	up := candidate + (1 << 24)
	down := int64(candidate) - (1 << 24)

	best := candidate
	bestDiff := absDiff(candidate, lastHigh)

	if d := absDiff(up, lastHigh); d < bestDiff {
		best, bestDiff = up, d
	}
	if down >= 0 {
		if d := absDiff(uint64(down), lastHigh); d < bestDiff {
			best = uint64(down)
		}
	}
	return best
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
