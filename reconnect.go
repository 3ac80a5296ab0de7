package mqtt

import (
	"sync"
	"sync/atomic"
	"time"
)

// reconnectScheduler computes the delay before the next reconnect attempt,
// grounded on aws_create_reconnect_task/s_attempt_reconnect in
// original_source: exponential backoff between a configured min and max,
// reset back to min once the connection has stayed up long enough to be
// considered stable.
//
// owner is an atomic back-pointer to the Client the scheduler belongs to,
// mirroring the mutual back-pointer aws-c-mqtt keeps between a connection
// and its in-flight reconnect task: the scheduler can be handed to a timer
// goroutine without that goroutine needing to close over the Client
// directly, and the pointer is cleared on Disconnect so a late-firing timer
// observes a nil owner and does nothing.
type reconnectScheduler struct {
	min, max time.Duration

	mu              sync.Mutex
	current         time.Duration
	lastConnectedAt time.Time

	owner atomic.Pointer[Client]
}

// stabilityWindow is how long a connection must stay up before a subsequent
// failure resets backoff to min rather than continuing to escalate.
const stabilityWindow = 10 * time.Second

func newReconnectScheduler(minDelay, maxDelay time.Duration, owner *Client) *reconnectScheduler {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	s := &reconnectScheduler{min: minDelay, max: maxDelay, current: minDelay}
	s.owner.Store(owner)
	return s
}

// noteConnected records that the connection just came up, for the
// stability-window check on the next failure.
func (s *reconnectScheduler) noteConnected() {
	s.mu.Lock()
	s.lastConnectedAt = time.Now()
	s.mu.Unlock()
}

// clearOwner detaches the scheduler from its Client, e.g. on Disconnect, so
// a reconnect timer racing with a user-initiated shutdown becomes a no-op.
func (s *reconnectScheduler) clearOwner() {
	s.owner.Store(nil)
}

func (s *reconnectScheduler) Owner() *Client {
	return s.owner.Load()
}

// reset forces the next delay back to min, e.g. after a manual reconnect.
func (s *reconnectScheduler) reset() {
	s.mu.Lock()
	s.current = s.min
	s.mu.Unlock()
}

// nextDelay returns the delay to wait before the next attempt and advances
// the backoff state for the attempt after that. Doubling is overflow-safe:
// if doubling would wrap around (current is already within a factor of two
// of the maximum representable Duration), it clamps to max instead.
func (s *reconnectScheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastConnectedAt.IsZero() && time.Since(s.lastConnectedAt) >= stabilityWindow {
		s.current = s.min
	}

	delay := s.current

	doubled := s.current * 2
	if doubled < s.current || doubled > s.max {
		doubled = s.max
	}
	s.current = doubled

	return delay
}
