package client

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/transport"
)

// ambientDeliver intercepts TIME_PONG (§4.8) and MTU_SET (§4.9) replies
// before they reach application code, feeding the former into Clock
// and the latter into the connection's max_payload_bytes.
func (s *Session) ambientDeliver(app transport.Deliverer) transport.Deliverer {
	return func(stream uint8, op protocol.SuperOpcode, data []byte) {
		switch op {
		case protocol.OpTimePong:
			if len(data) < 16 {
				return
			}
			t0 := getTime(data[:8])
			t1 := getTime(data[8:16])
			s.Clock.AddPong(t0, t1, time.Now())
		case protocol.OpMTUSet:
			s.conn.SetMaxPayload(len(data))
		default:
			if app != nil {
				app(stream, op, data)
			}
		}
	}
}

func getTime(b []byte) time.Time {
	var nanos int64
	for i := 7; i >= 0; i-- {
		nanos = nanos<<8 | int64(b[i])
	}
	return time.Unix(0, nanos)
}

// setDF toggles the don't-fragment bit on sock via IP_MTU_DISCOVER
// (§4.9): a probe sent with DF set that exceeds the path MTU is
// dropped rather than fragmented, so a MTU_SET reply confirms the
// whole path can carry that size. Best effort: not every platform
// understands IP_MTU_DISCOVER.
func setDF(sock *net.UDPConn, enable bool) error {
	raw, err := sock.SyscallConn()
	if err != nil {
		return err
	}
	mode := unix.IP_PMTUDISC_DONT
	if enable {
		mode = unix.IP_PMTUDISC_DO
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, mode)
	}); err != nil {
		return err
	}
	return sockErr
}

// mtuProbeLoop sends escalating MTU_PROBE datagrams per §4.9, padded to
// MediumMTU then MaximumMTU, protocol.MTUProbeRounds times each, then
// stops; the ambient deliverer raises max_payload_bytes as MTU_SET
// replies confirm each size. DF is set for the whole probe sequence so
// a too-large probe is dropped instead of fragmented by the kernel,
// and cleared before the final probe so the socket doesn't carry DF
// into ordinary data traffic afterward.
func (s *Session) mtuProbeLoop() {
	if err := setDF(s.sock, true); err != nil {
		s.log.WithError(err).Debug("set don't-fragment failed")
	}
	sizes := []int{protocol.MediumMTU, protocol.MaximumMTU}
	for si, size := range sizes {
		for round := 0; round < protocol.MTUProbeRounds; round++ {
			select {
			case <-s.stop:
				return
			case <-time.After(protocol.MTUProbeInterval):
			}
			if si == len(sizes)-1 && round == protocol.MTUProbeRounds-1 {
				if err := setDF(s.sock, false); err != nil {
					s.log.WithError(err).Debug("clear don't-fragment failed")
				}
			}
			pad := make([]byte, size)
			_ = s.conn.WriteUnreliable(protocol.OpMTUProbe, pad)
		}
	}
}
