package protocol

// SuperOpcode is the 3-bit classifier carried in bits 13-15 of every
// message header (§4.2).
type SuperOpcode uint8

const (
	OpData SuperOpcode = iota
	OpFrag
	OpAck
	OpMTUProbe
	OpMTUSet
	OpTimePing
	OpTimePong
	OpDisco
)

func (o SuperOpcode) String() string {
	switch o {
	case OpData:
		return "DATA"
	case OpFrag:
		return "FRAG"
	case OpAck:
		return "ACK"
	case OpMTUProbe:
		return "MTU_PROBE"
	case OpMTUSet:
		return "MTU_SET"
	case OpTimePing:
		return "TIME_PING"
	case OpTimePong:
		return "TIME_PONG"
	case OpDisco:
		return "DISCO"
	default:
		return "UNKNOWN"
	}
}

// HandshakeType identifies one of the five handshake wire messages (§4.6).
type HandshakeType uint8

const (
	HandshakeHello HandshakeType = iota
	HandshakeCookie
	HandshakeChallenge
	HandshakeAnswer
	HandshakeError
)

// HandshakeErrorCode is the 1-byte code carried by S2C_ERROR.
type HandshakeErrorCode uint8

const (
	ErrUnknown HandshakeErrorCode = iota
	ErrServerFull
	ErrBadCookie
	ErrBadChallenge
	ErrInternal
)

// ClientFailureKind enumerates internal client-side failure reasons
// (§6). Values received from the server via S2C_ERROR are offset above
// this range (see ServerErrorBase) so the two numberings
// never collide.
type ClientFailureKind uint8

const (
	FailICMP ClientFailureKind = iota
	FailOutOfMemory
	FailBrokenPipe
	FailTimeout
)

// ServerErrorBase is added to a HandshakeErrorCode received from the
// server before it is surfaced to the application as a ClientFailureKind,
// per §7: "Handshake errors received from the server must map to client
// failure codes strictly above the client's own client-side error
// numbering".
const ServerErrorBase = 0x40

// DisconnectReason is a 1-byte code carried on an OpDisco message.
type DisconnectReason uint8

const (
	DiscoNormal    DisconnectReason = iota
	DiscoTimeout                    // reserved: DISCO_TIMEOUT
	DiscoProtocol
	DiscoServerFull
)
