package duplex

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Disconnected, Connecting, true},
		{Connecting, Connected, true},
		{Connecting, Disconnected, true},
		{Connected, Disconnected, true},
		{Disconnected, Connected, false},
		{Connected, Connecting, false},
		{Disconnected, Disconnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			var m stateMachine
			m.v.Store(int32(tt.from))
			assert.Equal(t, tt.ok, m.transition(tt.from, tt.to))
			if tt.ok {
				assert.Equal(t, tt.to, m.load())
			} else {
				assert.Equal(t, tt.from, m.load())
			}
		})
	}
}

func TestStateMachine_TransitionRequiresCurrentState(t *testing.T) {
	var m stateMachine
	assert.False(t, m.transition(Connecting, Connected))
	assert.Equal(t, Disconnected, m.load())
}

func TestStateMachine_SingleWinnerLeavesDisconnected(t *testing.T) {
	var (
		m       stateMachine
		winners atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.transition(Disconnected, Connecting) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, Connecting, m.load())
}

func TestStateMachine_Reset(t *testing.T) {
	var m stateMachine
	m.transition(Disconnected, Connecting)
	m.transition(Connecting, Connected)

	assert.Equal(t, Connected, m.reset())
	assert.Equal(t, Disconnected, m.load())
	assert.Equal(t, Disconnected, m.reset())
}
