// Package wire implements the per-message framing codec from spec.md
// §4.2: the HDR/ACK-ID/FRAG-HDR bit layout, and (in ack.go) the
// ROLLUP/RANGE ACK encoding from §4.5.
//
// Layout (normative, repeated from §4.2):
//
//	HDR(16 bits LE) || [ACK-ID(1-3 bytes)] || [FRAG-HDR(2 bytes)] || DATA(DATALEN bytes)
//
// HDR bits 0-10: DATALEN: bit 11: I (ACK-ID field precedes, applies
// until the next ACK-ID); bit 12: R (reliable); bits 13-15:
// super-opcode.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

// Header is the decoded form of the 16-bit HDR field.
type Header struct {
	DataLen  uint16
	HasAckID bool
	Reliable bool
	Op       protocol.SuperOpcode
}

const (
	dataLenMask  = 0x07FF
	hasAckIDBit  = 1 << 11
	reliableBit  = 1 << 12
	opShift      = 13
)

// EncodeHeader packs h into its 16-bit wire form.
func EncodeHeader(h Header) uint16 {
	v := h.DataLen & dataLenMask
	if h.HasAckID {
		v |= hasAckIDBit
	}
	if h.Reliable {
		v |= reliableBit
	}
	v |= uint16(h.Op) << opShift
	return v
}

// DecodeHeader unpacks a 16-bit wire HDR value.
func DecodeHeader(v uint16) Header {
	return Header{
		DataLen:  v & dataLenMask,
		HasAckID: v&hasAckIDBit != 0,
		Reliable: v&reliableBit != 0,
		Op:       protocol.SuperOpcode(v >> opShift),
	}
}

// Message is one decoded plaintext message from a datagram. Whether an
// OpFrag message's Data begins with the 2-byte FRAG-HDR total-length
// field cannot be determined from the wire bits alone (the I-bit also
// flips on every message that happens to open a fresh datagram, first
// fragment or not); package transport resolves that ambiguity itself
// using its own per-stream assembly state, so Decode hands back OpFrag
// payloads unparsed.
type Message struct {
	Op       protocol.SuperOpcode
	Reliable bool
	Stream   uint8  // valid when Reliable
	AckID    uint32 // valid when Reliable
	Data     []byte
}

var errMalformed = errors.New("wire: malformed framing")

// Decode walks plaintext and returns every well-formed message found.
// Per §4.2, malformed framing (running past the buffer, DATALEN=0 on a
// reliable message, or an unknown super-opcode on a reliable message)
// discards the remainder of the datagram without being fatal for the
// connection; Decode simply stops and returns what it already parsed.
func Decode(plaintext []byte) []Message {
	var (
		msgs          []Message
		currentAckID  [protocol.NumStreams]uint32
		haveAckID     [protocol.NumStreams]bool
		lastStream    uint8 = noStream
		pos           int
	)

	for pos+2 <= len(plaintext) {
		hv := binary.LittleEndian.Uint16(plaintext[pos:])
		hdr := DecodeHeader(hv)
		pos += 2

		var (
			stream uint8
			ackID  uint32
		)
		if hdr.Reliable && hdr.HasAckID {
			id, st, n, err := DecodeAckID(plaintext[pos:])
			if err != nil {
				return msgs
			}
			pos += n
			stream = st
			ackID = id
			currentAckID[stream] = ackID + 1
			haveAckID[stream] = true
			lastStream = stream
		} else if hdr.Reliable {
			// ACK-ID carries over from the most recently anchored
			// stream in this datagram, one past the previous message's
			// ID; without a prior anchor the datagram is malformed.
			stream, ackID = lastAnchor(currentAckID, haveAckID, lastStream)
			if stream == noStream {
				return msgs
			}
			currentAckID[stream] = ackID + 1
		}

		if hdr.Reliable && hdr.DataLen == 0 {
			return msgs // DATALEN=0 on reliable is malformed
		}
		if hdr.Reliable && !validSuperOpcode(hdr.Op) {
			return msgs
		}
		if int(hdr.DataLen) > len(plaintext)-pos {
			return msgs // running past the buffer
		}

		body := plaintext[pos : pos+int(hdr.DataLen)]
		pos += int(hdr.DataLen)

		msgs = append(msgs, Message{Op: hdr.Op, Reliable: hdr.Reliable, Stream: stream, AckID: ackID, Data: body})
	}
	return msgs
}

const noStream = 0xFF

func lastAnchor(ids [protocol.NumStreams]uint32, have [protocol.NumStreams]bool, last uint8) (uint8, uint32) {
	// Only one stream can be "current" per the I-bit semantics at any
	// position in the datagram; callers track per-stream state so that
	// interleaved reliable messages across streams each keep their own
	// increment, but a message with no I-bit always continues the most
	// recently anchored stream overall (last). The Encoder emits a fresh
	// ACK-ID whenever the stream changes, so that is the stream the
	// sender meant.
	if last == noStream || !have[last] {
		return noStream, 0
	}
	return last, ids[last]
}

func validSuperOpcode(op protocol.SuperOpcode) bool {
	return op <= protocol.OpDisco
}

// Encoder appends messages to a growing datagram buffer, emitting an
// ACK-ID field only when the stream or its anchor ID changes (§4.2).
// It backs the per-connection coalescing buffer in package transport.
type Encoder struct {
	buf          []byte
	anchorStream uint8
	anchorID     uint32
	haveAnchor   bool
}

// NewEncoder returns an Encoder writing into buf[:0].
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf[:0]}
}

// Bytes returns the encoded datagram so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// Reset clears the encoder for reuse with a fresh backing array.
func (e *Encoder) Reset(buf []byte) {
	e.buf = buf[:0]
	e.haveAnchor = false
}

// AckIDSize returns the wire size of id in its compact (variable
// length) form, without actually encoding it — used by the coalescing
// buffer to decide whether a message fits before committing to append.
func AckIDSize(id uint32) int {
	if id < 1<<5 {
		return 1
	}
	if id < 1<<12 {
		return 2
	}
	return 3
}

// WriteUnreliable appends an unreliable message (no ACK-ID, no I-bit).
func (e *Encoder) WriteUnreliable(op protocol.SuperOpcode, data []byte) {
	hdr := EncodeHeader(Header{DataLen: uint16(len(data)), Reliable: false, Op: op})
	e.putU16(hdr)
	e.buf = append(e.buf, data...)
}

// WriteReliable appends a reliable message. forceAckID requests the
// full 3-byte ACK-ID form (used for retransmissions, §4.4); otherwise
// the ACK-ID field is only emitted when stream/id differs from the
// encoder's current anchor, and uses its compact variable-length form.
func (e *Encoder) WriteReliable(op protocol.SuperOpcode, stream uint8, ackID uint32, data []byte, forceAckID bool) {
	needAckID := forceAckID || !e.haveAnchor || e.anchorStream != stream || e.anchorID != ackID
	dataLen := uint16(len(data))

	hdr := EncodeHeader(Header{DataLen: dataLen, HasAckID: needAckID, Reliable: true, Op: op})
	e.putU16(hdr)
	if needAckID {
		if forceAckID {
			e.buf = append(e.buf, EncodeAckIDFull(ackID, stream)...)
		} else {
			e.buf = append(e.buf, EncodeAckIDCompact(ackID, stream)...)
		}
	}
	e.anchorStream = stream
	e.anchorID = ackID + 1
	e.haveAnchor = true
	e.buf = append(e.buf, data...)
}

// WriteFragFirst appends the first fragment of a message, including
// its FRAG-HDR total-length field.
func (e *Encoder) WriteFragFirst(stream uint8, ackID uint32, totalLen uint16, data []byte, forceAckID bool) {
	needAckID := forceAckID || !e.haveAnchor || e.anchorStream != stream || e.anchorID != ackID
	body := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(body, totalLen)
	copy(body[2:], data)

	hdr := EncodeHeader(Header{DataLen: uint16(len(body)), HasAckID: needAckID, Reliable: true, Op: protocol.OpFrag})
	e.putU16(hdr)
	if needAckID {
		if forceAckID {
			e.buf = append(e.buf, EncodeAckIDFull(ackID, stream)...)
		} else {
			e.buf = append(e.buf, EncodeAckIDCompact(ackID, stream)...)
		}
	}
	e.anchorStream = stream
	e.anchorID = ackID + 1
	e.haveAnchor = true
	e.buf = append(e.buf, body...)
}

func (e *Encoder) putU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// HeaderOverhead is the fixed per-message cost excluding ACK-ID/FRAG-HDR.
const HeaderOverhead = 2
