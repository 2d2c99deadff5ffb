package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	b := New("sunat")
	assert.Equal(t, "sunat", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

// TestBreaker_Sequences drives the breaker with a string of outcomes
// ('f' failure, 's' success) and checks the state after each one.
func TestBreaker_Sequences(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		successes int
		steps     string
		states    string // 'c' closed, 'o' open
	}{
		{name: "opens at the failure threshold", failures: 3, successes: 1, steps: "fff", states: "cco"},
		{name: "success resets the failure count", failures: 3, successes: 1, steps: "ffsff", states: "ccccc"},
		{name: "closes after consecutive successes", failures: 1, successes: 2, steps: "fss", states: "occ"},
		{name: "failure while open resets the success streak", failures: 1, successes: 2, steps: "fsfss", states: "ooooc"},
		{name: "stays closed on successes", failures: 2, successes: 2, steps: "sss", states: "ccc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Len(t, tt.states, len(tt.steps))
			b := New("sunat", WithFailureThreshold(tt.failures), WithSuccessThreshold(tt.successes))
			for i, step := range tt.steps {
				if step == 'f' {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
				want := StateClosed
				if tt.states[i] == 'o' {
					want = StateOpen
				}
				assert.Equal(t, want, b.State(), "after step %d (%c)", i+1, step)
			}
		})
	}
}

func TestBreaker_ReportsTransitionsOnce(t *testing.T) {
	b := New("sunat", WithFailureThreshold(1), WithSuccessThreshold(1))

	unavailable, change := b.RecordFailure()
	assert.True(t, unavailable)
	assert.True(t, change.Opened)

	unavailable, change = b.RecordFailure()
	assert.True(t, unavailable)
	assert.False(t, change.Opened, "already open")

	healthy, change := b.RecordSuccess()
	assert.True(t, healthy)
	assert.True(t, change.Closed)

	healthy, change = b.RecordSuccess()
	assert.True(t, healthy)
	assert.False(t, change.Closed, "already closed")
}

func TestBreaker_Reset(t *testing.T) {
	b := New("sunat", WithFailureThreshold(1))
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.True(t, b.Allow())
}

func TestBreaker_CooldownGatesProbes(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b := New("sunat", WithFailureThreshold(2), WithCooldown(10*time.Second), WithClock(func() time.Time { return now }))

	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.IsOpen())
	assert.False(t, b.Allow())

	now = now.Add(9 * time.Second)
	assert.False(t, b.Allow())

	now = now.Add(time.Second)
	assert.True(t, b.Allow(), "probe allowed once the cooldown elapsed")

	b.RecordFailure()
	assert.False(t, b.Allow(), "a failed probe restarts the cooldown")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
}
