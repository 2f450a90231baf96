package mqtingestor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.canExecute())
	cb.onFailure()
	state, failures := cb.Status()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 1, failures)

	cb.onFailure()
	state, _ = cb.Status()
	assert.Equal(t, StateOpen, state)
	assert.False(t, cb.canExecute())

	now = now.Add(time.Minute + time.Second)
	assert.True(t, cb.canExecute())
	state, _ = cb.Status()
	assert.Equal(t, StateHalfOpen, state)

	// a failed trial opens it again straight away
	cb.onFailure()
	assert.False(t, cb.canExecute())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.canExecute())
	cb.onSuccess()
	state, failures = cb.Status()
	assert.Equal(t, StateClosed, state)
	assert.Zero(t, failures)
	assert.Equal(t, "closed", state.String())
}
