package aead

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	sender := NewSession(key)
	receiver := NewSession(key)

	plain := []byte("hello sphynx")
	sealed, err := sender.Seal(append([]byte(nil), plain...))
	require.NoError(t, err)

	got, err := receiver.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [KeySize]byte
	sender := NewSession(key)
	receiver := NewSession(key)

	sealed, err := sender.Seal([]byte("data"))
	require.NoError(t, err)
	sealed[0] ^= 0xFF

	_, err = receiver.Open(sealed)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestOpenRejectsReplayedDatagram(t *testing.T) {
	var key [KeySize]byte
	sender := NewSession(key)
	receiver := NewSession(key)

	sealed, err := sender.Seal([]byte("data"))
	require.NoError(t, err)

	_, err = receiver.Open(append([]byte(nil), sealed...))
	require.NoError(t, err)

	_, err = receiver.Open(sealed)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestOpenRejectsShortDatagram(t *testing.T) {
	var key [KeySize]byte
	receiver := NewSession(key)
	_, err := receiver.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShort)
}

func TestMultipleSequentialDatagramsAllVerify(t *testing.T) {
	var key [KeySize]byte
	sender := NewSession(key)
	receiver := NewSession(key)

	for i := 0; i < 20; i++ {
		sealed, err := sender.Seal([]byte("msg"))
		require.NoError(t, err)
		_, err = receiver.Open(sealed)
		require.NoError(t, err)
	}
}
