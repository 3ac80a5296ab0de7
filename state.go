package mqtt

import "sync"

// connState is the connection lifecycle state of a Client, guarded by
// stateMachine.mu. Transitions mirror the original client's shutdown state machine
// (s_mqtt_client_shutdown in client.c): a connection only ever moves
// forward through this sequence, except that Connected and Reconnecting
// loop back to Disconnecting/Connecting on loss, and any state can be
// driven directly to Destroyed.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
	stateReconnecting
	stateDestroyed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateReconnecting:
		return "reconnecting"
	case stateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// stateMachine tracks connState transitions under a single mutex, rejecting
// transitions that the protocol can't legally make. It governs the
// connection lifecycle only; Publish, Subscribe and Unsubscribe do not
// consult it.
type stateMachine struct {
	mu    sync.Mutex
	state connState
}

func (m *stateMachine) current() connState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// set forces the state unconditionally; used for the normal progress path
// (Connecting -> Connected -> Disconnecting -> Disconnected) where the
// caller already knows the transition is legal.
func (m *stateMachine) set(s connState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// transition moves from one specific state to another, returning false
// without changing anything if the machine isn't currently in from. This is
// used to make compare-and-swap style decisions, e.g. only one goroutine may
// win the Connecting->Connected transition.
func (m *stateMachine) transition(from, to connState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	return true
}

// transitionUnless moves to to unconditionally unless the machine is
// currently in one of excluded, in which case it returns false and leaves
// the state untouched. Used for transitions legal from "any state but
// these" — Disconnect tears the client down from Connected, Connecting, or
// Reconnecting alike, but declines to repeat teardown from Disconnecting,
// Disconnected, or Destroyed.
func (m *stateMachine) transitionUnless(to connState, excluded ...connState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range excluded {
		if m.state == e {
			return false
		}
	}
	m.state = to
	return true
}

// isConnected reports whether the machine is currently in the Connected state.
func (m *stateMachine) isConnected() bool {
	return m.current() == stateConnected
}

// isDestroyed reports whether the connection has been permanently torn down.
func (m *stateMachine) isDestroyed() bool {
	return m.current() == stateDestroyed
}
