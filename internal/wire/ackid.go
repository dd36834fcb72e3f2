package wire

import "errors"

// ACK-ID field: 1-3 bytes, little-endian, 7 value bits per byte with a
// continuation bit in bit 7 of the first two bytes. The first byte
// also carries the 2-bit stream selector in bits 5-6, so the first
// byte only has 5 value bits (§4.2).

const (
	ackContBit    = 0x80
	ackStreamMask = 0x60
	ackStreamShift = 5
	ackFirstValMask = 0x1F
	ackValMask      = 0x7F
)

// EncodeAckIDCompact returns the shortest valid encoding of id scoped
// to stream.
func EncodeAckIDCompact(id uint32, stream uint8) []byte {
	b0 := byte(id&ackFirstValMask) | (stream<<ackStreamShift)&ackStreamMask
	rest := id >> 5
	if rest == 0 {
		return []byte{b0}
	}
	b0 |= ackContBit

	b1 := byte(rest & ackValMask)
	rest >>= 7
	if rest == 0 {
		return []byte{b0, b1}
	}
	b1 |= ackContBit

	b2 := byte(rest & 0xFF)
	return []byte{b0, b1, b2}
}

// EncodeAckIDFull always emits the 3-byte form, required on
// retransmission per §4.4 ("the receiver's decompression base is
// unknown").
func EncodeAckIDFull(id uint32, stream uint8) []byte {
	b0 := byte(id&ackFirstValMask) | (stream<<ackStreamShift)&ackStreamMask | ackContBit
	rest := id >> 5
	b1 := byte(rest&ackValMask) | ackContBit
	rest >>= 7
	b2 := byte(rest & 0xFF)
	return []byte{b0, b1, b2}
}

var errShortAckID = errors.New("wire: truncated ack-id field")

// DecodeAckID reads an ACK-ID field from the front of buf, returning
// the id, its stream selector, and the number of bytes consumed. The
// same decoder handles both compact and full-form encodings.
func DecodeAckID(buf []byte) (id uint32, stream uint8, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, 0, errShortAckID
	}
	b0 := buf[0]
	stream = (b0 & ackStreamMask) >> ackStreamShift
	id = uint32(b0 & ackFirstValMask)
	if b0&ackContBit == 0 {
		return id, stream, 1, nil
	}

	if len(buf) < 2 {
		return 0, 0, 0, errShortAckID
	}
	b1 := buf[1]
	id |= uint32(b1&ackValMask) << 5
	if b1&ackContBit == 0 {
		return id, stream, 2, nil
	}

	if len(buf) < 3 {
		return 0, 0, 0, errShortAckID
	}
	b2 := buf[2]
	id |= uint32(b2) << 12
	return id, stream, 3, nil
}
