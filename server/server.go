package server

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/sphynx/config"
	"github.com/Clouded-Sabre/sphynx/handshake"
	"github.com/Clouded-Sabre/sphynx/internal/aead"
	"github.com/Clouded-Sabre/sphynx/internal/wire"
	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/transport"
)

// Server ties the connection map, the dispatcher, the tick thread, and
// the handshake responder into one running listener (§3, §4.6, §4.7).
type Server struct {
	cfg    *config.ServerConfig
	log    *logrus.Entry
	conns  *ConnMap
	disp   *Dispatcher
	cookie *handshake.CookieJar
	rend   *net.UDPConn // rendezvous socket: receives HELLO/CHALLENGE
	priv   *ecdh.PrivateKey
	pubWire [protocol.ChallengeBytes]byte

	deliver transport.Deliverer

	stop chan struct{}
}

// NetworkFor picks the net.ListenPacket network string for a config's
// EnableIPv6 flag: "udp" is dual-stack capable so an IPv6 listener can
// also see IPv4-mapped traffic, while "udp4" forces IPv4-only when
// IPv6 support is disabled. Shared by the rendezvous socket and every
// worker socket the dispatcher opens, so both agree on address family.
func NetworkFor(enableIPv6 bool) string {
	if enableIPv6 {
		return "udp"
	}
	return "udp4"
}

// New builds a Server from cfg. deliver is invoked for every fully
// reassembled application message across every connection; the caller
// (e.g. a cmd/sphynx-server main) supplies the application logic.
func New(cfg *config.ServerConfig, deliver transport.Deliverer, log *logrus.Entry) (*Server, error) {
	var kp handshake.KeyPair
	var err error
	if cfg.PrivateKeyHex != "" {
		kp, err = handshake.LoadKeyPair(cfg.PrivateKeyHex)
	} else {
		kp, err = handshake.GenerateKeyPair()
	}
	if err != nil {
		return nil, err
	}

	network := NetworkFor(cfg.EnableIPv6)
	rendAddr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	rendLC := net.ListenConfig{Control: workerSockControl(cfg.RecvBufferBytes)}
	rendPC, err := rendLC.ListenPacket(context.Background(), network, rendAddr)
	if err != nil {
		return nil, err
	}
	rend := rendPC.(*net.UDPConn)

	disp, err := NewDispatcher(cfg.ListenAddr, cfg.WorkerSockets, 0, network, cfg.RecvBufferBytes, log)
	if err != nil {
		_ = rend.Close()
		return nil, err
	}

	jar, err := handshake.NewCookieJar()
	if err != nil {
		_ = rend.Close()
		disp.Close()
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		conns:   NewConnMap(),
		disp:    disp,
		cookie:  jar,
		rend:    rend,
		priv:    kp.Private,
		pubWire: kp.Wire,
		deliver: deliver,
		stop:    make(chan struct{}),
	}
	return s, nil
}

// Run starts the rendezvous listener, every worker read loop, and the
// tick thread, blocking until Close is called.
func (s *Server) Run() error {
	go s.rendezvousLoop()
	for _, w := range s.disp.Workers() {
		go s.workerLoop(w)
	}
	s.tickLoop()
	return nil
}

// Close stops all loops and releases sockets.
func (s *Server) Close() {
	close(s.stop)
	s.cookie.Close()
	_ = s.rend.Close()
	s.disp.Close()
}

// rendezvousLoop answers HELLO with COOKIE, and verified CHALLENGE with
// ANSWER, per §4.6 steps 1-5. It never creates per-peer state until the
// CHALLENGE's cookie has been verified.
func (s *Server) rendezvousLoop() {
	buf := make([]byte, protocol.MaximumMTU)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		n, addr, err := s.rend.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		s.handleRendezvous(buf[:n], addr)
	}
}

func (s *Server) handleRendezvous(b []byte, addr *net.UDPAddr) {
	typ, err := handshake.MessageType(b)
	if err != nil {
		return
	}
	switch typ {
	case protocol.HandshakeHello:
		if _, err := handshake.DecodeHello(b); err != nil {
			return
		}
		cookie := s.cookie.Generate(addr)
		out := handshake.EncodeCookie(handshake.Cookie{Value: cookie})
		_, _ = s.rend.WriteToUDP(out, addr)

	case protocol.HandshakeChallenge:
		ch, err := handshake.DecodeChallenge(b)
		if err != nil {
			return
		}
		if !s.cookie.Verify(addr, ch.Cookie) {
			out := handshake.EncodeError(handshake.HandshakeErr{Code: protocol.ErrBadCookie})
			_, _ = s.rend.WriteToUDP(out, addr)
			return
		}
		s.completeHandshake(ch, addr)
	}
}

// completeHandshake derives the session key, opens the peer's
// dedicated connection on the least-loaded worker, and replies with
// ANSWER carrying that worker's port (§4.6 step 5, port migration).
func (s *Server) completeHandshake(ch handshake.Challenge, addr *net.UDPAddr) {
	key := AddrKey(addr)

	// §4.6 step 4 / spoofing-resistance rationale: a replayed CHALLENGE
	// from an address that already holds a live connection is answered
	// straight from the cache, never repeating the X25519/HKDF key
	// agreement. This bounds CPU cost to one key agreement per distinct
	// peer address rather than one per CHALLENGE datagram.
	if ans, ok := s.conns.CachedAnswer(key); ok {
		out := handshake.EncodeAnswer(ans)
		_, _ = s.rend.WriteToUDP(out, addr)
		return
	}

	if s.conns.Population() >= protocol.MaxPopulation {
		out := handshake.EncodeError(handshake.HandshakeErr{Code: protocol.ErrServerFull})
		_, _ = s.rend.WriteToUDP(out, addr)
		return
	}

	shared, err := handshake.ComputeShared(s.priv, ch.Challenge)
	if err != nil {
		out := handshake.EncodeError(handshake.HandshakeErr{Code: protocol.ErrBadChallenge})
		_, _ = s.rend.WriteToUDP(out, addr)
		return
	}
	sessionKey, err := handshake.DeriveSessionKey(shared, ch.Challenge, s.pubWire)
	if err != nil {
		out := handshake.EncodeError(handshake.HandshakeErr{Code: protocol.ErrInternal})
		_, _ = s.rend.WriteToUDP(out, addr)
		return
	}

	port, workerConn := s.disp.Assign()
	session := aead.NewSession(sessionKey)
	var conn *transport.Conn
	conn = transport.NewConn(addr, session, sendVia(workerConn, addr), ambientDeliver(func() *transport.Conn { return conn }, s.deliver), s.log.WithField("peer", addr.String()))
	s.conns.Insert(key, conn)

	ans := handshake.Answer{SessionPort: uint16(port), Answer: handshake.WireAnswer(s.pubWire)}
	s.conns.SetCachedAnswer(key, ans)

	out := handshake.EncodeAnswer(ans)
	_, _ = s.rend.WriteToUDP(out, addr)
}

func sendVia(conn *net.UDPConn, addr *net.UDPAddr) transport.SendFunc {
	return func(b []byte) error {
		_, err := conn.WriteToUDP(b, addr)
		return err
	}
}

// workerLoop reads sealed datagrams from one worker socket, matches
// them to an existing connection by source address, and feeds decoded
// messages into that connection's Dispatch (§4.2 data flow).
func (s *Server) workerLoop(conn *net.UDPConn) {
	buf := make([]byte, protocol.MaximumMTU)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		c, ok := s.conns.Lookup(AddrKey(addr))
		if !ok {
			continue // no session for this peer yet; silently drop (§7)
		}
		plain, err := c.Open(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		msgs := wire.Decode(plain)
		c.Dispatch(msgs)
	}
}

// tickLoop drives retransmission and timeout sweeps every
// protocol.TickRate (§5).
func (s *Server) tickLoop() {
	t := time.NewTicker(protocol.TickRate)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			// §4.7: drain the insertion list (newly accepted
			// connections only become tick-eligible here, not at
			// Insert time) and reclaim any slot a prior pass marked
			// Delete, releasing its dispatcher worker back to the pool.
			s.conns.Sweep(func(key string, conn *transport.Conn, sessionPort int) {
				conn.Close()
				s.disp.Release(sessionPort)
			})
			s.conns.Range(func(key string, c *transport.Conn) {
				if c.Idle() >= protocol.TimeoutDisconnect {
					if c.Disconnect(protocol.DiscoTimeout) {
						s.conns.Delete(key)
					}
					return
				}
				c.Retransmit(now)
			})
		}
	}
}

