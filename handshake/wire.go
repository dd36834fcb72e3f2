// Package handshake implements spec.md §4.6: the five handshake wire
// messages, the cookie jar (§3, §9), and per-connection key derivation.
//
// Wire sizes and bit layout are normative per spec.md §6 and are cross
// checked against original_source/include/cat/net/SphynxTransport.hpp's
// PUBLIC_KEY_BYTES/CHALLENGE_BYTES/ANSWER_BYTES constants: HELLO and
// CHALLENGE each carry a 64-byte key-agreement field, ANSWER a 128-byte
// one (PUBLIC_KEY_BYTES*2). COOKIE's "1+4" breakdown is the message
// type plus the 4-byte cookie value itself, consistent with
// CHALLENGE's "1+4+4+64" breakdown where the second "4" is explicitly
// the cookie — COOKIE therefore carries no magic field, which is safe
// because the client treats any structurally valid COOKIE reply as
// authoritative without yet trusting the server's identity (it proves
// its own address ownership in the next step instead).
package handshake

import (
	"encoding/binary"
	"errors"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

var errShort = errors.New("handshake: message too short")
var errMagic = errors.New("handshake: bad magic")

// Hello is C2S_HELLO: magic + the client's own ephemeral public key
// (§4.6 step 1). The server checks only the magic before replying with
// a COOKIE; it does not compare this field against its own key.
type Hello struct {
	PublicKey [protocol.ChallengeBytes]byte
}

func EncodeHello(h Hello) []byte {
	out := make([]byte, protocol.HelloSize)
	out[0] = byte(protocol.HandshakeHello)
	binary.LittleEndian.PutUint32(out[1:5], protocol.HandshakeMagic)
	copy(out[5:], h.PublicKey[:])
	return out
}

func DecodeHello(b []byte) (Hello, error) {
	if len(b) < protocol.HelloSize {
		return Hello{}, errShort
	}
	if binary.LittleEndian.Uint32(b[1:5]) != protocol.HandshakeMagic {
		return Hello{}, errMagic
	}
	var h Hello
	copy(h.PublicKey[:], b[5:5+protocol.ChallengeBytes])
	return h, nil
}

// Cookie is S2C_COOKIE: the stateless proof-of-address cookie, no
// per-peer state created on the server to send it (§4.6 step 2).
type Cookie struct {
	Value uint32
}

func EncodeCookie(c Cookie) []byte {
	out := make([]byte, protocol.CookieSize)
	out[0] = byte(protocol.HandshakeCookie)
	binary.LittleEndian.PutUint32(out[1:5], c.Value)
	return out
}

func DecodeCookie(b []byte) (Cookie, error) {
	if len(b) < protocol.CookieSize {
		return Cookie{}, errShort
	}
	return Cookie{Value: binary.LittleEndian.Uint32(b[1:5])}, nil
}

// Challenge is C2S_CHALLENGE: magic, the cookie handed back, and the
// client's ephemeral challenge material (§4.6 step 3).
type Challenge struct {
	Cookie    uint32
	Challenge [protocol.ChallengeBytes]byte
}

func EncodeChallenge(c Challenge) []byte {
	out := make([]byte, protocol.ChallengeSize)
	out[0] = byte(protocol.HandshakeChallenge)
	binary.LittleEndian.PutUint32(out[1:5], protocol.HandshakeMagic)
	binary.LittleEndian.PutUint32(out[5:9], c.Cookie)
	copy(out[9:], c.Challenge[:])
	return out
}

func DecodeChallenge(b []byte) (Challenge, error) {
	if len(b) < protocol.ChallengeSize {
		return Challenge{}, errShort
	}
	if binary.LittleEndian.Uint32(b[1:5]) != protocol.HandshakeMagic {
		return Challenge{}, errMagic
	}
	var c Challenge
	c.Cookie = binary.LittleEndian.Uint32(b[5:9])
	copy(c.Challenge[:], b[9:9+protocol.ChallengeBytes])
	return c, nil
}

// Answer is S2C_ANSWER: the per-session UDP port the client must
// switch to, plus the server's key-agreement answer (§4.6 step 5).
type Answer struct {
	SessionPort uint16
	Answer      [protocol.AnswerBytes]byte
}

func EncodeAnswer(a Answer) []byte {
	out := make([]byte, protocol.AnswerSize)
	out[0] = byte(protocol.HandshakeAnswer)
	binary.LittleEndian.PutUint16(out[1:3], a.SessionPort)
	copy(out[3:], a.Answer[:])
	return out
}

func DecodeAnswer(b []byte) (Answer, error) {
	if len(b) < protocol.AnswerSize {
		return Answer{}, errShort
	}
	var a Answer
	a.SessionPort = binary.LittleEndian.Uint16(b[1:3])
	copy(a.Answer[:], b[3:3+protocol.AnswerBytes])
	return a, nil
}

// HandshakeErr is S2C_ERROR: a single error code, surfaced to the
// client as a disconnect with a mapped failure kind (§7).
type HandshakeErr struct {
	Code protocol.HandshakeErrorCode
}

func EncodeError(e HandshakeErr) []byte {
	out := make([]byte, protocol.ErrorSize)
	out[0] = byte(protocol.HandshakeError)
	out[1] = byte(e.Code)
	return out
}

func DecodeError(b []byte) (HandshakeErr, error) {
	if len(b) < protocol.ErrorSize {
		return HandshakeErr{}, errShort
	}
	return HandshakeErr{Code: protocol.HandshakeErrorCode(b[1])}, nil
}

// MessageType peeks at the leading type byte of a handshake datagram.
func MessageType(b []byte) (protocol.HandshakeType, error) {
	if len(b) < 1 {
		return 0, errShort
	}
	return protocol.HandshakeType(b[0]), nil
}
