package wire

import "errors"

// AckRange describes one out-of-order delivery span already sitting in
// a receiver's receive queue (§4.5).
type AckRange struct {
	Start  uint32
	End    uint32
	HasEnd bool
}

// AckEntry is one stream's worth of ACK information: its rollup
// (highest contiguous-prefix ID delivered) plus any out-of-order
// ranges already queued.
type AckEntry struct {
	Stream uint8
	Rollup uint32
	Ranges []AckRange
}

// Tagged-varint encoding shared by ROLLUP/RANGE_START/RANGE_END: same
// byte shape as the ACK-ID field in ackid.go (bit 7 continuation, 5/7/8
// value bits per byte) but with the stream-selector bits repurposed as
// a 2-bit field tag, since stream identity is carried once per block
// instead of once per field.
const (
	tagRollup      = 0
	tagRangeStart  = 1
	tagRangeStartEnd = 2 // range start that is followed by an explicit end
	tagRangeEnd    = 3
)

func encodeTagged(tag uint8, v uint32) []byte {
	b0 := byte(v&ackFirstValMask) | (tag<<ackStreamShift)&ackStreamMask
	rest := v >> 5
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

func decodeTagged(buf []byte) (tag uint8, v uint32, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, 0, errShortAckID
	}
	b0 := buf[0]
	tag = (b0 & ackStreamMask) >> ackStreamShift
	v = uint32(b0 & ackFirstValMask)
	if b0&ackContBit == 0 {
		return tag, v, 1, nil
	}
	if len(buf) < 2 {
		return 0, 0, 0, errShortAckID
	}
	b1 := buf[1]
	v |= uint32(b1&ackValMask) << 5
	if b1&ackContBit == 0 {
		return tag, v, 2, nil
	}
	if len(buf) < 3 {
		return 0, 0, 0, errShortAckID
	}
	b2 := buf[2]
	v |= uint32(b2) << 12
	return tag, v, 3, nil
}

var errMalformedAck = errors.New("wire: malformed ack body")

// EncodeAckBody serializes entries into the DATA of an OpAck message.
// Each stream block is: 1 plain byte (stream id), then a tagged ROLLUP
// field (absolute), then zero or more RANGE_START[/RANGE_END] pairs,
// encoded as back-reference deltas from the most recently emitted ID
// in the block (§4.5).
func EncodeAckBody(entries []AckEntry) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, e.Stream)
		out = append(out, encodeTagged(tagRollup, e.Rollup)...)
		last := e.Rollup
		for _, r := range e.Ranges {
			startDelta := r.Start - last
			if r.HasEnd {
				out = append(out, encodeTagged(tagRangeStartEnd, startDelta)...)
				endDelta := r.End - r.Start
				out = append(out, encodeTagged(tagRangeEnd, endDelta)...)
				last = r.End
			} else {
				out = append(out, encodeTagged(tagRangeStart, startDelta)...)
				last = r.Start
			}
		}
	}
	return out
}

// DecodeAckBody parses the DATA of an OpAck message back into entries.
func DecodeAckBody(data []byte) ([]AckEntry, error) {
	var entries []AckEntry
	pos := 0
	for pos < len(data) {
		if pos+1 > len(data) {
			return entries, errMalformedAck
		}
		stream := data[pos]
		pos++

		tag, v, n, err := decodeTagged(data[pos:])
		if err != nil || tag != tagRollup {
			return entries, errMalformedAck
		}
		pos += n

		entry := AckEntry{Stream: stream, Rollup: v}
		last := v

		for pos < len(data) {
			tag, v, n, err := decodeTagged(data[pos:])
			if err != nil {
				return entries, errMalformedAck
			}
			if tag == tagRollup {
				break // start of next stream block
			}
			pos += n
			switch tag {
			case tagRangeStart:
				start := last + v
				entry.Ranges = append(entry.Ranges, AckRange{Start: start})
				last = start
			case tagRangeStartEnd:
				start := last + v
				tag2, v2, n2, err := decodeTagged(data[pos:])
				if err != nil || tag2 != tagRangeEnd {
					return entries, errMalformedAck
				}
				pos += n2
				end := start + v2
				entry.Ranges = append(entry.Ranges, AckRange{Start: start, End: end, HasEnd: true})
				last = end
			default:
				return entries, errMalformedAck
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
