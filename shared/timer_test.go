package shared

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogFires(t *testing.T) {
	w := NewWatchdog()
	var fired atomic.Int32
	w.Arm(20*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, w.Armed())
	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, w.Armed())
}

func TestWatchdogDisarm(t *testing.T) {
	w := NewWatchdog()
	var fired atomic.Int32
	w.Arm(20*time.Millisecond, func() { fired.Add(1) })
	w.Disarm()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.False(t, w.Armed())
}

func TestWatchdogRearmSupersedes(t *testing.T) {
	w := NewWatchdog()
	var first, second atomic.Int32
	w.Arm(20*time.Millisecond, func() { first.Add(1) })
	w.Arm(40*time.Millisecond, func() { second.Add(1) })
	assert.Eventually(t, func() bool {
		return second.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load(), "re-arming cancels the previous callback")
}
