// Package protocol holds the wire-level constants shared by every other
// Sphynx package: handshake magic numbers, timing budgets, table sizes
// and message-size limits from the transport's external interfaces.
package protocol

import "time"

// PayloadPoolSize is the number of buffers each ring pool backing a
// connection's coalescing/seal/fragment-reassembly buffers keeps in
// circulation, mirroring the teacher's config.PayloadPoolSize
// (lib/server/pcp.go, lib/client/pcp.go).
const PayloadPoolSize = 2048

// Table sizing (server connection map, §4.7). CollisionMult/CollisionAdd
// are the original source's COLLISION_MULTIPLIER/COLLISION_INCREMENTER
// (SphynxTransport.hpp), kept verbatim so the probe sequence visits
// every slot of a TableSize-length table exactly once.
const (
	TableSize     = 32768 // must stay a power of two, see ConnMap's probe sequence
	MaxPopulation = 16384
	CollisionMult = 71*5861*4 + 1 // 1664525
	CollisionAdd  = 1013904223
)

// Tick and timeout budgets (§5, §6).
const (
	TickRate           = 20 * time.Millisecond
	TimeoutDisconnect  = 15 * time.Second
	ConnectTimeout     = 10 * time.Second
	InitialHelloPostInterval = 500 * time.Millisecond
)

// Clock synchronization (§4.8).
const (
	TimeSyncFast      = 5 * time.Second
	TimeSyncFastCount = 8
	TimeSyncInterval  = 20 * time.Second
	MaxTSSamples      = 32
	MinTSSamples      = 3 // Open Question resolution, see DESIGN.md
	MinDriftSamples   = 4 // Open Question resolution, see DESIGN.md
)

// MTU discovery (§4.9).
const (
	MinimumMTU         = 576
	MediumMTU          = 1400
	MaximumMTU         = 1500
	MTUProbeInterval   = 2 * time.Second
	MTUProbeRounds     = 2
)

// Framing (§4.2, §6).
const (
	FragThreshold     = 32
	MaxMessageDatalen = 65535
	NumStreams        = 4
	StreamUnordered   = 0
)

// Handshake wire sizes (§6). All multi-byte integers on the wire are
// little-endian.
const (
	HandshakeMagic = 0xC47D0001

	HelloSize     = 1 + 4 + 64
	CookieSize    = 1 + 4
	ChallengeSize = 1 + 4 + 4 + 64
	AnswerSize    = 1 + 2 + 128
	ErrorSize     = 1 + 1

	ChallengeBytes = 64
	AnswerBytes    = 128
)

// AEAD envelope (§4.1, §6).
const (
	MACSize        = 8
	IVWireSize     = 3 // low 24 bits of the 64-bit direction counter on the wire
	ReplayWindow   = 2048
)

// Cookie jar (§3, §9).
const (
	CookieEpoch   = 60 * time.Second
	CookieSaltLen = 16 // 128 bits
)

// CookieEpochsAccepted is the number of trailing salt epochs the server
// still verifies cookies against (current + previous).
const CookieEpochsAccepted = 2
