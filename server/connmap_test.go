package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/sphynx/handshake"
	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/transport"
)

func TestConnMapInsertAndLookup(t *testing.T) {
	m := NewConnMap()
	c := &transport.Conn{}
	require.True(t, m.Insert("1.2.3.4:1000", c))

	got, ok := m.Lookup("1.2.3.4:1000")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, m.Population())
}

func TestConnMapLookupMissingKey(t *testing.T) {
	m := NewConnMap()
	_, ok := m.Lookup("nowhere:0")
	assert.False(t, ok)
}

func TestConnMapDeleteThenLookupFails(t *testing.T) {
	m := NewConnMap()
	m.Insert("1.2.3.4:1000", &transport.Conn{})
	m.Delete("1.2.3.4:1000")

	_, ok := m.Lookup("1.2.3.4:1000")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Population())
}

func TestConnMapDeleteDoesNotBreakLaterProbeChain(t *testing.T) {
	// Force a collision on purpose: insert two keys whose starting probe
	// index lands on the same slot, delete the first, and confirm the
	// second is still reachable. Collision was set on the first slot
	// while the second key's Insert was walking past it, so Delete of
	// the first (which only clears Used) can never hide the second key.
	m := NewConnMap()
	first := "peer-a:1"
	idx := hashKey(first) % protocol.TableSize
	second := findCollidingKey(t, idx)

	require.True(t, m.Insert(first, &transport.Conn{}))
	c2 := &transport.Conn{}
	require.True(t, m.Insert(second, c2))

	m.Delete(first)

	got, ok := m.Lookup(second)
	require.True(t, ok, "deleting the first slot must not hide the second key")
	assert.Same(t, c2, got)
}

func TestConnMapInsertReplacesSamePeerReconnecting(t *testing.T) {
	m := NewConnMap()
	key := "peer-b:1"
	m.Insert(key, &transport.Conn{})
	c2 := &transport.Conn{}
	require.True(t, m.Insert(key, c2))

	got, ok := m.Lookup(key)
	require.True(t, ok)
	assert.Same(t, c2, got)
	assert.Equal(t, 1, m.Population(), "reconnect in place must not grow population")
}

func TestConnMapRangeHidesEntriesUntilDrained(t *testing.T) {
	// Range is gated on FlagTimed, which only the insertion-list drain
	// (DrainInsertions, or Sweep which calls it) sets. A freshly
	// inserted connection is already Lookup-able but must stay invisible
	// to Range until the tick thread drains it.
	m := NewConnMap()
	m.Insert("peer-c:1", &transport.Conn{})

	seen := map[string]bool{}
	m.Range(func(key string, conn *transport.Conn) { seen[key] = true })
	assert.False(t, seen["peer-c:1"], "undrained insertion must not be visible to Range")

	m.DrainInsertions()
	seen = map[string]bool{}
	m.Range(func(key string, conn *transport.Conn) { seen[key] = true })
	assert.True(t, seen["peer-c:1"], "Range must see the connection once drained")
}

func TestConnMapSweepReclaimsDeletedSlots(t *testing.T) {
	m := NewConnMap()
	m.Insert("peer-d:1", &transport.Conn{})
	m.DrainInsertions()
	m.Delete("peer-d:1")

	var reclaimedKey string
	var reclaimedConn *transport.Conn
	m.Sweep(func(key string, conn *transport.Conn, sessionPort int) {
		reclaimedKey = key
		reclaimedConn = conn
	})
	assert.Equal(t, "peer-d:1", reclaimedKey)
	assert.NotNil(t, reclaimedConn)

	seen := map[string]bool{}
	m.Range(func(key string, conn *transport.Conn) { seen[key] = true })
	assert.False(t, seen["peer-d:1"], "a reclaimed slot must not reappear in Range")
}

func TestConnMapInsertSetsCollisionOnSteppingStones(t *testing.T) {
	m := NewConnMap()
	first := "peer-a:1"
	idx := hashKey(first) % protocol.TableSize
	second := findCollidingKey(t, idx)

	require.True(t, m.Insert(first, &transport.Conn{}))
	require.True(t, m.Insert(second, &transport.Conn{}))

	f := m.slots[idx].flags
	assert.NotZero(t, f&transport.FlagCollision, "the first key's slot must carry Collision once a later key probes past it")
}

func TestConnMapCachedAnswerRoundTrip(t *testing.T) {
	m := NewConnMap()
	key := "peer-e:1"
	m.Insert(key, &transport.Conn{})

	_, ok := m.CachedAnswer(key)
	assert.False(t, ok, "no answer cached yet")

	ans := handshake.Answer{SessionPort: 4242}
	m.SetCachedAnswer(key, ans)

	got, ok := m.CachedAnswer(key)
	require.True(t, ok)
	assert.Equal(t, ans, got)
}

// findCollidingKey brute-forces a key whose starting probe index equals
// idx, for the collision-chain tests above.
func findCollidingKey(t *testing.T, idx uint32) string {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		k := randKeyForIndex(i)
		if hashKey(k)%protocol.TableSize == idx {
			return k
		}
	}
	t.Fatal("could not find a colliding key")
	return ""
}

func randKeyForIndex(i int) string {
	b := make([]byte, 0, 16)
	b = append(b, "peer-x:"...)
	for i > 0 {
		b = append(b, byte('a'+i%26))
		i /= 26
	}
	return string(b)
}
