package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

func TestHelloRoundTrip(t *testing.T) {
	var pub [protocol.ChallengeBytes]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	b := EncodeHello(Hello{PublicKey: pub})
	assert.Len(t, b, protocol.HelloSize)

	got, err := DecodeHello(b)
	require.NoError(t, err)
	assert.Equal(t, pub, got.PublicKey)
}

func TestDecodeHelloRejectsBadMagic(t *testing.T) {
	b := EncodeHello(Hello{})
	b[1] ^= 0xFF
	_, err := DecodeHello(b)
	assert.ErrorIs(t, err, errMagic)
}

func TestCookieRoundTrip(t *testing.T) {
	b := EncodeCookie(Cookie{Value: 0xDEADBEEF})
	assert.Len(t, b, protocol.CookieSize)

	got, err := DecodeCookie(b)
	require.NoError(t, err)
	assert.EqualValues(t, 0xDEADBEEF, got.Value)
}

func TestChallengeRoundTrip(t *testing.T) {
	var ch [protocol.ChallengeBytes]byte
	ch[0] = 1
	b := EncodeChallenge(Challenge{Cookie: 7, Challenge: ch})
	assert.Len(t, b, protocol.ChallengeSize)

	got, err := DecodeChallenge(b)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Cookie)
	assert.Equal(t, ch, got.Challenge)
}

func TestAnswerRoundTrip(t *testing.T) {
	var ans [protocol.AnswerBytes]byte
	ans[5] = 9
	b := EncodeAnswer(Answer{SessionPort: 4321, Answer: ans})
	assert.Len(t, b, protocol.AnswerSize)

	got, err := DecodeAnswer(b)
	require.NoError(t, err)
	assert.EqualValues(t, 4321, got.SessionPort)
	assert.Equal(t, ans, got.Answer)
}

func TestErrorRoundTrip(t *testing.T) {
	b := EncodeError(HandshakeErr{Code: protocol.ErrServerFull})
	got, err := DecodeError(b)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrServerFull, got.Code)
}

func TestMessageTypePeeksLeadingByte(t *testing.T) {
	b := EncodeCookie(Cookie{Value: 1})
	typ, err := MessageType(b)
	require.NoError(t, err)
	assert.Equal(t, protocol.HandshakeCookie, typ)
}

func TestDecodersRejectShortInput(t *testing.T) {
	_, err := DecodeHello([]byte{0, 1, 2})
	assert.ErrorIs(t, err, errShort)
}
