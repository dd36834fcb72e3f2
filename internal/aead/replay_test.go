package aead

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplayFilterAcceptsFirstIV(t *testing.T) {
	f := NewReplayFilter()
	assert.True(t, f.Accept(100))
}

func TestReplayFilterRejectsDuplicate(t *testing.T) {
	f := NewReplayFilter()
	f.Accept(100)
	assert.False(t, f.Accept(100))
}

func TestReplayFilterAcceptsOutOfOrderWithinWindow(t *testing.T) {
	f := NewReplayFilter()
	f.Accept(100)
	assert.True(t, f.Accept(99))
	assert.False(t, f.Accept(99))
}

func TestReplayFilterRejectsTooOld(t *testing.T) {
	f := NewReplayFilter()
	f.Accept(5000)
	assert.False(t, f.Accept(1)) // outside the 2048-bit window
}

func TestReplayFilterSlidesForwardOnNewHighWatermark(t *testing.T) {
	f := NewReplayFilter()
	f.Accept(10)
	f.Accept(11)
	assert.True(t, f.Accept(12))
	assert.False(t, f.Accept(11)) // already seen, still in window
	assert.False(t, f.Accept(12))
}
