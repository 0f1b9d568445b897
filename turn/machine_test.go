package turn

import (
	"sync"
	"testing"
	"time"

	"github.com/appu-labs/companion/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestMachine(t *testing.T, timeout time.Duration) (*Machine, *recorder) {
	t.Helper()
	m := NewMachine(shared.NewNopLogger(), timeout)
	r := new(recorder)
	m.Subscribe(r.record)
	return m, r
}

func TestSessionStartup(t *testing.T) {
	// SessionCreated then SessionConfirmed lands in IDLE.
	m, r := newTestMachine(t, time.Hour)
	m.Apply(TriggerSessionCreated)
	m.Apply(TriggerSessionConfirmed)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, []State{StateIdle}, r.snapshot())
}

func TestAgentSpeakingCycle(t *testing.T) {
	m, r := newTestMachine(t, time.Hour)
	m.Apply(TriggerSessionCreated)
	m.Apply(TriggerSessionConfirmed)
	before := len(r.snapshot())

	m.Apply(TriggerAgentAudioStart)
	assert.Equal(t, StateAppuSpeaking, m.State())
	m.Apply(TriggerAgentAudioStop)
	assert.Equal(t, StateAppuSpeakingStopped, m.State())
	assert.Len(t, r.snapshot(), before+2)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		trigger  Trigger
		expected State
		changed  bool
	}{
		{"session confirmed only from loading", StateIdle, TriggerSessionConfirmed, StateIdle, false},
		{"agent audio start", StateIdle, TriggerAgentAudioStart, StateAppuSpeaking, true},
		{"user speech start", StateAppuSpeaking, TriggerUserSpeechStart, StateChildSpeaking, true},
		{"user speech stop", StateChildSpeaking, TriggerUserSpeechStop, StateChildSpeakingStopped, true},
		{"agent thinking", StateChildSpeakingStopped, TriggerAgentThinking, StateAppuThinking, true},
		{"turn complete goes idle", StateAppuThinking, TriggerAgentTurnComplete, StateIdle, true},
		{"turn complete ignored while speaking", StateAppuSpeaking, TriggerAgentTurnComplete, StateAppuSpeaking, false},
		{"manual reset from error", StateError, TriggerManualReset, StateIdle, true},
		{"fault from anywhere", StateChildSpeaking, TriggerFault, StateError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := transition(tt.from, tt.trigger)
			assert.Equal(t, tt.expected, next)
			assert.Equal(t, tt.changed, ok)
		})
	}
}

func TestIdempotentTriggers(t *testing.T) {
	// Applying the same trigger twice notifies once; only Fault re-fires.
	triggers := []Trigger{
		TriggerAgentAudioStart,
		TriggerAgentAudioStop,
		TriggerUserSpeechStart,
		TriggerUserSpeechStop,
		TriggerAgentThinking,
	}
	for _, trigger := range triggers {
		t.Run(trigger.String(), func(t *testing.T) {
			m, r := newTestMachine(t, time.Hour)
			m.Apply(trigger)
			first := m.State()
			count := len(r.snapshot())
			m.Apply(trigger)
			assert.Equal(t, first, m.State())
			assert.Len(t, r.snapshot(), count)
		})
	}
}

func TestFaultAlwaysRefires(t *testing.T) {
	m, r := newTestMachine(t, time.Hour)
	m.Apply(TriggerFault)
	m.Apply(TriggerFault)
	m.Apply(TriggerFault)
	require.Equal(t, StateError, m.State())
	assert.Equal(t, []State{StateError, StateError, StateError}, r.snapshot())
}

func TestErrorIsTerminalUntilReset(t *testing.T) {
	m, _ := newTestMachine(t, time.Hour)
	m.Apply(TriggerFault)
	m.Apply(TriggerAgentAudioStart)
	assert.Equal(t, StateAppuSpeaking, m.State(), "provider events still apply after fault")

	m.Apply(TriggerFault)
	m.Reset()
	assert.Equal(t, StateIdle, m.State())
}

func TestAutoIdle(t *testing.T) {
	m, r := newTestMachine(t, 40*time.Millisecond)
	m.Apply(TriggerAgentThinking)
	require.Equal(t, StateAppuThinking, m.State())

	assert.Eventually(t, func() bool {
		return m.State() == StateIdle
	}, time.Second, 5*time.Millisecond)

	// Exactly one auto-idle notification after the thinking one.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []State{StateAppuThinking, StateIdle}, r.snapshot())
}

func TestAutoIdleRestartsOnActivity(t *testing.T) {
	m, _ := newTestMachine(t, 60*time.Millisecond)
	m.Apply(TriggerAgentThinking)
	time.Sleep(40 * time.Millisecond)
	m.Apply(TriggerAgentAudioStart)
	time.Sleep(40 * time.Millisecond)
	// The second trigger restarted the watchdog, so 80ms in we are still
	// speaking.
	assert.Equal(t, StateAppuSpeaking, m.State())
}

func TestAutoIdleCancelledInIdle(t *testing.T) {
	m, r := newTestMachine(t, 30*time.Millisecond)
	m.Apply(TriggerAgentThinking)
	m.Apply(TriggerAgentTurnComplete)
	require.Equal(t, StateIdle, m.State())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []State{StateAppuThinking, StateIdle}, r.snapshot())
}

func TestDisabledMachine(t *testing.T) {
	m, _ := newTestMachine(t, time.Hour)
	m.Apply(TriggerAgentAudioStart)
	m.SetEnabled(false)
	assert.Equal(t, StateIdle, m.State(), "disabling forces IDLE")

	m.Apply(TriggerAgentAudioStart)
	m.Apply(TriggerFault)
	assert.Equal(t, StateIdle, m.State(), "disabled machine drops triggers")

	m.SetEnabled(true)
	m.Apply(TriggerAgentAudioStart)
	assert.Equal(t, StateAppuSpeaking, m.State())
}

func TestNarrationFlag(t *testing.T) {
	m, _ := newTestMachine(t, time.Hour)
	assert.False(t, m.Narrating())
	m.SetNarration(true)
	assert.True(t, m.Narrating())
	m.SetNarration(false)
	assert.False(t, m.Narrating())
}
