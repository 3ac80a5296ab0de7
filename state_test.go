package mqtt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachineTransition(t *testing.T) {
	t.Parallel()

	m := &stateMachine{}
	assert.Equal(t, stateDisconnected, m.current())

	assert.True(t, m.transition(stateDisconnected, stateConnecting))
	assert.Equal(t, stateConnecting, m.current())

	// Wrong "from" state: transition must fail and leave state untouched.
	assert.False(t, m.transition(stateDisconnected, stateConnected))
	assert.Equal(t, stateConnecting, m.current())

	assert.True(t, m.transition(stateConnecting, stateConnected))
	assert.True(t, m.isConnected())
	assert.False(t, m.isDestroyed())
}

func TestStateMachineSetForcesState(t *testing.T) {
	t.Parallel()

	m := &stateMachine{}
	m.set(stateDestroyed)
	assert.True(t, m.isDestroyed())
	assert.False(t, m.isConnected())
}

func TestStateMachineOnlyOneWinnerOnConcurrentTransition(t *testing.T) {
	t.Parallel()

	m := &stateMachine{}
	m.set(stateDisconnected)

	const attempts = 50
	wins := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- m.transition(stateDisconnected, stateConnecting)
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for win := range wins {
		if win {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
