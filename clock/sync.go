// Package clock implements spec.md §4.8: a drift-aware linear
// regression over ping/pong round-trip samples, converting between a
// client's local clock and the server's remote clock on a moving
// connection.
//
// There is no teacher analogue for this component (Pseudo-TCP has no
// clock synchronization); its shape — a small struct with a
// mutex-guarded published result, recomputed from a bounded ring of
// samples — follows the sync.Mutex-per-struct convention used
// throughout the teacher's lib package (lib/struct.go, lib/pool.go).
package clock

import (
	"math"
	"sync"
	"time"

	"github.com/Clouded-Sabre/sphynx/protocol"
)

// Sample is one accepted ping/pong round trip.
type Sample struct {
	Delta time.Duration // server clock minus client clock at t0+rtt/2
	RTT   time.Duration
	When  time.Time // client-local time of the pong
}

// published is the (base_time, B0, B1) triple, read and written as one
// unit so no consumer ever observes a mix of two updates (§8 invariant 5).
type published struct {
	base time.Time
	b0   float64
	b1   time.Duration
}

// Syncer accumulates ping/pong samples and publishes a regression
// usable for client<->server time conversion. One Syncer per
// connection; safe for concurrent use by the ping-pong handler and by
// readers converting times on other goroutines.
type Syncer struct {
	mu      sync.Mutex // guards samples and pub (§5 "ts_lock")
	samples []Sample   // ring, oldest first, capped at protocol.MaxTSSamples
	pub     published
}

// NewSyncer returns a Syncer with no samples and an identity
// conversion (B0=0, B1=0) until the first pong arrives.
func NewSyncer() *Syncer {
	return &Syncer{}
}

// AddPong records one ping/pong round trip and republishes the
// regression. t0 is the client-local send time of the ping, t1 is the
// server-remote receive time echoed back, t2 is the client-local time
// the pong was processed. Samples with rtt >= TimeoutDisconnect are
// rejected per §4.8.
func (s *Syncer) AddPong(t0, t1 time.Time, t2 time.Time) bool {
	rtt := t2.Sub(t0)
	if rtt >= protocol.TimeoutDisconnect {
		return false
	}
	delta := t1.Sub(t0) - rtt/2

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, Sample{Delta: delta, RTT: rtt, When: t2})
	if len(s.samples) > protocol.MaxTSSamples {
		// evict oldest, keeping only the latest MaxTSSamples (§8 boundary case)
		s.samples = s.samples[len(s.samples)-protocol.MaxTSSamples:]
	}
	s.regressLocked(t2)
	return true
}

// regressLocked recomputes and publishes (base, B0, B1) from the
// current sample ring. Caller must hold s.mu.
func (s *Syncer) regressLocked(now time.Time) {
	n := len(s.samples)
	if n == 0 {
		return
	}

	base := now.Add(-time.Duration(protocol.MaxTSSamples+1) * protocol.TimeSyncInterval)

	sorted := make([]Sample, n)
	copy(sorted, s.samples)
	// insertion sort by RTT ascending; n is bounded by MaxTSSamples (32)
	for i := 1; i < n; i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j].RTT > v.RTT {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}

	bestCount := n / 4
	if bestCount < protocol.MinTSSamples {
		bestCount = protocol.MinTSSamples
	}
	if bestCount > n {
		bestCount = n
	}
	selected := sorted[:bestCount]

	if bestCount < protocol.MinDriftSamples {
		// Open Question resolution (spec.md §9): publish the average
		// and STOP, rather than falling through to the regression
		// below with too few samples.
		var sum time.Duration
		for _, sm := range selected {
			sum += sm.Delta
		}
		mean := sum / time.Duration(len(selected))
		s.pub = published{base: base, b0: 0, b1: mean}
		return
	}

	var sumT, sumT2, sumD, sumTD float64
	for _, sm := range selected {
		t := sm.When.Sub(base).Seconds()
		d := sm.Delta.Seconds()
		sumT += t
		sumT2 += t * t
		sumD += d
		sumTD += t * d
	}
	fn := float64(len(selected))
	denom := fn*sumT2 - sumT*sumT
	if denom <= 0 {
		latest := selected[0]
		for _, sm := range selected {
			if sm.When.After(latest.When) {
				latest = sm
			}
		}
		s.pub = published{base: base, b0: 0, b1: latest.Delta}
		return
	}

	b0 := (fn*sumTD - sumT*sumD) / denom
	b1 := (sumD - b0*sumT) / fn
	s.pub = published{base: base, b0: b0, b1: durationFromSeconds(b1)}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// snapshot reads the published triple atomically.
func (s *Syncer) snapshot() published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pub
}

// ServerTime converts a local time t to the estimated server-remote
// time, per §4.8: server_time(t) = t + B0*(t-base_time) + B1.
func (s *Syncer) ServerTime(t time.Time) time.Time {
	p := s.snapshot()
	drift := time.Duration(p.b0 * float64(t.Sub(p.base)))
	return t.Add(drift).Add(p.b1)
}

// ClientTime converts a remote server time back to a local time. The
// drift term uses the current request's local time (requestLocal), not
// the original sample's When, per §4.8.
func (s *Syncer) ClientTime(serverTime time.Time, requestLocal time.Time) time.Time {
	p := s.snapshot()
	drift := time.Duration(p.b0 * float64(requestLocal.Sub(p.base)))
	return serverTime.Add(-drift).Add(-p.b1)
}

// Published exposes the current (B0, B1) for diagnostics/logging.
func (s *Syncer) Published() (b0 float64, b1 time.Duration) {
	p := s.snapshot()
	return p.b0, p.b1
}
