package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/Clouded-Sabre/sphynx/internal/aead"
	"github.com/Clouded-Sabre/sphynx/protocol"
)

// Sphynx's key agreement primitives are, per spec.md §1, out of scope
// ("the big-integer / elliptic-curve primitives underlying key
// agreement... treated here as opaque"). The wire format reserves
// 64/128-byte fields for them (grounded on original_source's
// PUBLIC_KEY_BYTES=64/ANSWER_BYTES=128), sized for the source's
// bespoke curve. Sphynx substitutes the ecosystem's X25519 (32-byte
// keys, crypto/ecdh) for the actual math, the same substitution
// HadiTighsazan-reflex's handshake/crypto.go makes, and pads the
// result into the reserved wire fields.
const (
	x25519PubLen = 32
)

var errBadKey = errors.New("handshake: invalid key agreement material")

// KeyPair is an ephemeral X25519 keypair, wire-padded to
// protocol.ChallengeBytes so it fits directly into HELLO/CHALLENGE.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Wire    [protocol.ChallengeBytes]byte // public key, zero-padded
}

// GenerateKeyPair creates a fresh ephemeral X25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	kp.Private = priv
	copy(kp.Wire[:], priv.PublicKey().Bytes())
	return kp, nil
}

// LoadKeyPair recovers a static, operator-provisioned identity keypair
// from a hex-encoded 32-byte X25519 scalar (config.ServerConfig's
// private_key field), so a server's public key stays stable across
// restarts instead of a fresh ephemeral one each time.
func LoadKeyPair(hexKey string) (KeyPair, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return KeyPair{}, errBadKey
	}
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return KeyPair{}, errBadKey
	}
	var kp KeyPair
	kp.Private = priv
	copy(kp.Wire[:], priv.PublicKey().Bytes())
	return kp, nil
}

// parsePublic recovers an X25519 public key from its wire-padded form.
func parsePublic(wire [protocol.ChallengeBytes]byte) (*ecdh.PublicKey, error) {
	pk, err := ecdh.X25519().NewPublicKey(wire[:x25519PubLen])
	if err != nil {
		return nil, errBadKey
	}
	return pk, nil
}

// ComputeShared performs the ECDH step and returns the raw shared
// secret.
func ComputeShared(priv *ecdh.PrivateKey, peerWire [protocol.ChallengeBytes]byte) ([32]byte, error) {
	peer, err := parsePublic(peerWire)
	if err != nil {
		return [32]byte{}, err
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// WireAnswer builds the 128-byte ANSWER payload: the server's public
// key (loaded or generated once per server), wire-padded, concatenated with a second
// padding block reserved for parity with ANSWER_BYTES = 2*PUBLIC_KEY_BYTES
// in the original source.
func WireAnswer(serverPub [protocol.ChallengeBytes]byte) [protocol.AnswerBytes]byte {
	var out [protocol.AnswerBytes]byte
	copy(out[:protocol.ChallengeBytes], serverPub[:])
	return out
}

// ParseAnswer extracts the server's public key from an ANSWER payload.
func ParseAnswer(answer [protocol.AnswerBytes]byte) [protocol.ChallengeBytes]byte {
	var out [protocol.ChallengeBytes]byte
	copy(out[:], answer[:protocol.ChallengeBytes])
	return out
}

// DeriveSessionKey turns an ECDH shared secret into the symmetric
// session key used by the AEAD envelope, via HKDF-SHA256 with the
// client's ephemeral public key and the server's public key as salt
// (binding the key to this specific exchange).
func DeriveSessionKey(shared [32]byte, clientPub, serverPub [protocol.ChallengeBytes]byte) ([aead.KeySize]byte, error) {
	salt := sha256.New()
	salt.Write(clientPub[:])
	salt.Write(serverPub[:])

	r := hkdf.New(sha256.New, shared[:], salt.Sum(nil), []byte("sphynx-session"))
	var out [aead.KeySize]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
