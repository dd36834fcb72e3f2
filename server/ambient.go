package server

import (
	"time"

	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/transport"
)

// ambientDeliver wraps an application Deliverer so that protocol-level
// housekeeping messages (§4.8 time sync, §4.9 MTU discovery) never
// reach application code: TIME_PING is echoed back as TIME_PONG
// carrying the server's own receive time, and MTU_PROBE is echoed back
// unmodified so the client can confirm that probe size round-trips.
// Connf is called lazily since the Conn used to reply isn't
// constructed until after this deliverer is built.
func ambientDeliver(connf func() *transport.Conn, app transport.Deliverer) transport.Deliverer {
	return func(stream uint8, op protocol.SuperOpcode, data []byte) {
		switch op {
		case protocol.OpTimePing:
			reply := make([]byte, len(data)+8)
			copy(reply, data)
			putTime(reply[len(data):], time.Now())
			_ = connf().WriteUnreliable(protocol.OpTimePong, reply)
		case protocol.OpMTUProbe:
			// §4.9: MTU_SET must be reliable — a dropped confirmation
			// would silently stall MTU convergence at the smaller size.
			_, _ = connf().WriteReliable(protocol.StreamUnordered, protocol.OpMTUSet, data)
			if len(data) > connf().MaxPayload() {
				connf().SetMaxPayload(len(data))
			}
		default:
			if app != nil {
				app(stream, op, data)
			}
		}
	}
}

func putTime(b []byte, t time.Time) {
	nanos := t.UnixNano()
	for i := 0; i < 8; i++ {
		b[i] = byte(nanos >> (8 * i))
	}
}
