package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddPongRejectsSamplesAboveTimeoutDisconnect(t *testing.T) {
	s := NewSyncer()
	t0 := time.Now()
	ok := s.AddPong(t0, t0, t0.Add(16*time.Second))
	assert.False(t, ok)
}

func TestAddPongAcceptsReasonableSample(t *testing.T) {
	s := NewSyncer()
	t0 := time.Now()
	ok := s.AddPong(t0, t0.Add(50*time.Millisecond), t0.Add(100*time.Millisecond))
	assert.True(t, ok)
}

func TestFewSamplesPublishMeanDeltaNotRegression(t *testing.T) {
	s := NewSyncer()
	base := time.Now()

	// Fewer than MinDriftSamples accepted samples: the Open Question
	// resolution publishes the plain mean and must not run the least
	// squares fit (B0 stays exactly 0).
	for i := 0; i < 2; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		s.AddPong(t0, t0.Add(150*time.Millisecond), t0.Add(200*time.Millisecond))
	}

	b0, b1 := s.Published()
	assert.Zero(t, b0)
	assert.Greater(t, b1, time.Duration(0))
}

func TestServerTimeAndClientTimeAreInverses(t *testing.T) {
	s := NewSyncer()
	base := time.Now()
	for i := 0; i < 10; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		s.AddPong(t0, t0.Add(100*time.Millisecond), t0.Add(200*time.Millisecond))
	}

	now := base.Add(10 * time.Second)
	st := s.ServerTime(now)
	back := s.ClientTime(st, now)
	require.WithinDuration(t, now, back, time.Millisecond)
}
