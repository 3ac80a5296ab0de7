package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestReconnectSchedulerBackoffSaturates covers spec property 9: backoff
// doubles from min and never exceeds max.
func TestReconnectSchedulerBackoffSaturates(t *testing.T) {
	t.Parallel()

	s := newReconnectScheduler(10*time.Millisecond, 100*time.Millisecond, nil)

	delays := make([]time.Duration, 0, 6)
	for i := 0; i < 6; i++ {
		delays = append(delays, s.nextDelay())
	}

	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	assert.Equal(t, 40*time.Millisecond, delays[2])
	assert.Equal(t, 80*time.Millisecond, delays[3])
	// Doubling 80ms would exceed the 100ms max, so it saturates there.
	assert.Equal(t, 100*time.Millisecond, delays[4])
	assert.Equal(t, 100*time.Millisecond, delays[5])
}

// TestReconnectSchedulerStabilityReset covers spec property 9's second
// half: backoff resets to min only after the connection stayed up past the
// stability window, not merely because some time passed between attempts.
func TestReconnectSchedulerStabilityReset(t *testing.T) {
	t.Parallel()

	s := newReconnectScheduler(10*time.Millisecond, 1*time.Second, nil)
	s.nextDelay() // 10ms, current becomes 20ms
	s.nextDelay() // 20ms, current becomes 40ms
	assert.Equal(t, 40*time.Millisecond, s.current)

	// A connection that just came up hasn't been stable long enough: the
	// next failure should continue escalating, not reset.
	s.noteConnected()
	next := s.nextDelay()
	assert.Equal(t, 40*time.Millisecond, next)

	// Backdating lastConnectedAt past the stability window simulates a
	// connection that really did stay up; the next delay must reset to min.
	s.mu.Lock()
	s.lastConnectedAt = time.Now().Add(-stabilityWindow - time.Millisecond)
	s.mu.Unlock()

	next = s.nextDelay()
	assert.Equal(t, s.min, next)
}

func TestReconnectSchedulerOwner(t *testing.T) {
	t.Parallel()

	c := &Client{}
	s := newReconnectScheduler(time.Millisecond, time.Second, c)
	assert.Same(t, c, s.Owner())

	s.clearOwner()
	assert.Nil(t, s.Owner())
}

func TestReconnectSchedulerResetForcesMin(t *testing.T) {
	t.Parallel()

	s := newReconnectScheduler(5*time.Millisecond, time.Second, nil)
	s.nextDelay()
	s.nextDelay()
	assert.NotEqual(t, s.min, s.current)

	s.reset()
	assert.Equal(t, s.min, s.current)
}
