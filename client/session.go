// Package client implements the connecting side of Sphynx: the
// exponential-backoff HELLO driver (§4.6), MTU discovery (§4.9), time
// synchronization (§4.8), and keep-alive, generalized from the
// teacher's lib/client_reconnector.go / lib/reconnecting_connection.go
// backoff loop.
package client

import (
	"context"
	"crypto/ecdh"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/Clouded-Sabre/sphynx/clock"
	"github.com/Clouded-Sabre/sphynx/config"
	"github.com/Clouded-Sabre/sphynx/handshake"
	"github.com/Clouded-Sabre/sphynx/internal/aead"
	"github.com/Clouded-Sabre/sphynx/internal/wire"
	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/transport"
)

// networkFor picks "udp" (dual-stack, sees IPv4-mapped traffic too) or
// "udp4" (IPv4-only) for the session socket, mirroring the server's
// rendezvous/worker sockets (server.NetworkFor) so a client and server
// pair configured with the same EnableIPv6 value agree on the wire
// family.
func networkFor(enableIPv6 bool) string {
	if enableIPv6 {
		return "udp"
	}
	return "udp4"
}

// recvBufControl sets SO_RCVBUF on the session socket before bind, when
// recvBufBytes is positive (§6 "kernel receive-buffer bytes"). Unlike
// the server's worker sockets, the client never shares a port across
// multiple sockets, so SO_REUSEPORT has no role here.
func recvBufControl(recvBufBytes int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if recvBufBytes <= 0 {
			return nil
		}
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufBytes)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// Session is a single client connection's lifetime: handshake, then
// data transport, then clock sync and MTU discovery running alongside.
type Session struct {
	cfg  *config.ClientConfig
	log  *logrus.Entry
	conn *transport.Conn
	sock *net.UDPConn

	serverPub [protocol.ChallengeBytes]byte
	priv      *ecdh.PrivateKey

	Clock *clock.Syncer

	stop      chan struct{}
	closeOnce sync.Once
}

// Dial performs the full handshake (§4.6) against cfg.ServerHost:ServerPort,
// retrying HELLO with exponential backoff until ConnectTimeout elapses,
// then returns a ready-to-use Session bound to the server's assigned
// per-session port.
func Dial(ctx context.Context, cfg *config.ClientConfig, deliver transport.Deliverer, log *logrus.Entry) (*Session, error) {
	rendAddr := &net.UDPAddr{IP: net.ParseIP(cfg.ServerHost), Port: cfg.ServerPort}
	network := networkFor(cfg.EnableIPv6)
	lc := net.ListenConfig{Control: recvBufControl(cfg.RecvBufferBytes)}
	pc, err := lc.ListenPacket(ctx, network, ":0")
	if err != nil {
		return nil, err
	}
	sock := pc.(*net.UDPConn)
	// Best effort: mark the session socket low-delay so time-sync pings
	// (§4.8) don't queue behind bulk data at the OS or middlebox level.
	// Not every platform supports IP_TOS on a UDP socket; ignore failure.
	const tosLowDelay = 0x10
	_ = ipv4.NewConn(sock).SetTOS(tosLowDelay)

	kp, err := handshake.GenerateKeyPair()
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	var serverPub [protocol.ChallengeBytes]byte
	if cfg.ServerPubKeyHex != "" {
		raw, err := hex.DecodeString(cfg.ServerPubKeyHex)
		if err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("client: bad server_public_key: %w", err)
		}
		copy(serverPub[:], raw)
	}

	answer, err := helloBackoff(ctx, sock, rendAddr, kp, log)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	shared, err := handshake.ComputeShared(kp.Private, serverPub)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	sessionKey, err := handshake.DeriveSessionKey(shared, kp.Wire, serverPub)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	sessAddr := &net.UDPAddr{IP: rendAddr.IP, Port: int(answer.SessionPort)}
	session := aead.NewSession(sessionKey)

	s := &Session{
		cfg:       cfg,
		log:       log,
		sock:      sock,
		serverPub: serverPub,
		priv:      kp.Private,
		Clock:     clock.NewSyncer(),
		stop:      make(chan struct{}),
	}
	s.conn = transport.NewConn(sessAddr, session, sendVia(sock, sessAddr), s.ambientDeliver(deliver), log.WithField("server", sessAddr.String()))

	go s.readLoop()
	go s.tickLoop()
	go s.timeSyncLoop()
	go s.mtuProbeLoop()
	return s, nil
}

func sendVia(conn *net.UDPConn, addr *net.UDPAddr) transport.SendFunc {
	return func(b []byte) error {
		_, err := conn.WriteToUDP(b, addr)
		return err
	}
}

// helloBackoff retransmits HELLO with exponential backoff starting at
// protocol.InitialHelloPostInterval until the server answers (COOKIE,
// then the client sends CHALLENGE, then the server answers ANSWER), or
// protocol.ConnectTimeout elapses (§4.6).
func helloBackoff(ctx context.Context, sock *net.UDPConn, rendAddr *net.UDPAddr, kp handshake.KeyPair, log *logrus.Entry) (handshake.Answer, error) {
	deadline := time.Now().Add(protocol.ConnectTimeout)
	interval := protocol.InitialHelloPostInterval
	buf := make([]byte, protocol.MaximumMTU)

	hello := handshake.EncodeHello(handshake.Hello{PublicKey: kp.Wire})

	var cookie uint32
	haveCookie := false

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return handshake.Answer{}, ctx.Err()
		default:
		}
		if !haveCookie {
			if _, err := sock.WriteToUDP(hello, rendAddr); err != nil {
				return handshake.Answer{}, err
			}
		} else {
			ch := handshake.EncodeChallenge(handshake.Challenge{Cookie: cookie, Challenge: kp.Wire})
			if _, err := sock.WriteToUDP(ch, rendAddr); err != nil {
				return handshake.Answer{}, err
			}
		}

		_ = sock.SetReadDeadline(time.Now().Add(interval))
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			interval *= 2
			continue
		}

		typ, err := handshake.MessageType(buf[:n])
		if err != nil {
			continue
		}
		switch typ {
		case protocol.HandshakeCookie:
			c, err := handshake.DecodeCookie(buf[:n])
			if err != nil {
				continue
			}
			cookie = c.Value
			haveCookie = true
			interval = protocol.InitialHelloPostInterval
		case protocol.HandshakeAnswer:
			a, err := handshake.DecodeAnswer(buf[:n])
			if err != nil {
				continue
			}
			_ = sock.SetReadDeadline(time.Time{})
			return a, nil
		case protocol.HandshakeError:
			e, err := handshake.DecodeError(buf[:n])
			if err != nil {
				continue
			}
			if e.Code > protocol.ErrInternal {
				// §7: a malformed/out-of-range server error code is
				// noise, not a connection-ending event — keep backing off.
				continue
			}
			return handshake.Answer{}, fmt.Errorf("client: handshake rejected, server code %d", protocol.ServerErrorBase+uint8(e.Code))
		}
	}
	return handshake.Answer{}, fmt.Errorf("client: handshake timed out after %s", protocol.ConnectTimeout)
}

// Close ends the session's background loops and closes its socket.
// Safe to call more than once, and safe to race against tickLoop's own
// shutdown on timeout detection (§5).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		_ = s.sock.Close()
		s.conn.Close()
	})
}

// Conn exposes the underlying transport connection for reads/writes.
func (s *Session) Conn() *transport.Conn { return s.conn }

func (s *Session) readLoop() {
	buf := make([]byte, protocol.MaximumMTU)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		n, _, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		plain, err := s.conn.Open(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		s.conn.Dispatch(wire.Decode(plain))
	}
}

// tickLoop drives retransmission at protocol.TickRate, same cadence as
// the server's tick thread, and detects a vanished server the same way
// the server detects a vanished client: TimeoutDisconnect since the
// last received datagram ends the session (§5).
func (s *Session) tickLoop() {
	t := time.NewTicker(protocol.TickRate)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			if s.conn.Idle() >= protocol.TimeoutDisconnect {
				s.conn.Disconnect(protocol.DiscoTimeout)
				s.Close()
				return
			}
			s.conn.Retransmit(now)
		}
	}
}

// timeSyncLoop sends TIME_PING at TimeSyncFast cadence for the first
// TimeSyncFastCount round trips, then settles to TimeSyncInterval
// (§4.8), feeding every accepted pong into Clock.
func (s *Session) timeSyncLoop() {
	count := 0
	for {
		interval := protocol.TimeSyncInterval
		if count < protocol.TimeSyncFastCount {
			interval = protocol.TimeSyncFast
		}
		select {
		case <-s.stop:
			return
		case <-time.After(interval):
		}
		s.ping()
		count++
	}
}

func (s *Session) ping() {
	t0 := time.Now()
	var body [8]byte
	putTime(body[:], t0)
	if err := s.conn.WriteUnreliable(protocol.OpTimePing, body[:]); err != nil {
		s.log.WithError(err).Debug("time ping failed")
	}
}

func putTime(b []byte, t time.Time) {
	nanos := t.UnixNano()
	for i := 0; i < 8; i++ {
		b[i] = byte(nanos >> (8 * i))
	}
}
