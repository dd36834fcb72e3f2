package handshake

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieVerifiesUnderCurrentSalt(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)
	defer jar.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	cookie := jar.Generate(addr)
	assert.True(t, jar.Verify(addr, cookie))
}

func TestCookieDiffersPerAddress(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)
	defer jar.Close()

	a := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	b := &net.UDPAddr{IP: net.ParseIP("203.0.113.6"), Port: 4000}
	assert.NotEqual(t, jar.Generate(a), jar.Generate(b))
}

func TestCookieSurvivesOneRotation(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)
	defer jar.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	cookie := jar.Generate(addr)

	require.NoError(t, jar.rotate())
	assert.True(t, jar.Verify(addr, cookie), "cookie from the previous epoch must still verify")
}

func TestCookieRejectedAfterTwoRotations(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)
	defer jar.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	cookie := jar.Generate(addr)

	require.NoError(t, jar.rotate())
	require.NoError(t, jar.rotate())
	assert.False(t, jar.Verify(addr, cookie), "cookie from two epochs ago must be rejected")
}
