// Package turn holds the authoritative conversational state for one live
// session. Provider lifecycle events arrive as triggers; subscribers are
// notified of every accepted transition.
package turn

import (
	"sync"
	"time"

	"github.com/appu-labs/companion/shared"
	"go.uber.org/zap"
)

type State int

const (
	StateLoading State = iota
	StateAppuSpeaking
	StateAppuThinking
	StateChildSpeaking
	StateAppuSpeakingStopped
	StateChildSpeakingStopped
	StateIdle
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateAppuSpeaking:
		return "APPU_SPEAKING"
	case StateAppuThinking:
		return "APPU_THINKING"
	case StateChildSpeaking:
		return "CHILD_SPEAKING"
	case StateAppuSpeakingStopped:
		return "APPU_SPEAKING_STOPPED"
	case StateChildSpeakingStopped:
		return "CHILD_SPEAKING_STOPPED"
	case StateIdle:
		return "IDLE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal states carry no auto-idle watchdog.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateError
}

type Trigger int

const (
	TriggerSessionCreated Trigger = iota
	TriggerSessionConfirmed
	TriggerAgentAudioStart
	TriggerAgentAudioStop
	TriggerUserSpeechStart
	TriggerUserSpeechStop
	TriggerAgentThinking
	TriggerAgentTurnComplete
	TriggerFault
	TriggerManualReset
	triggerAutoIdle
)

func (t Trigger) String() string {
	switch t {
	case TriggerSessionCreated:
		return "session_created"
	case TriggerSessionConfirmed:
		return "session_confirmed"
	case TriggerAgentAudioStart:
		return "agent_audio_start"
	case TriggerAgentAudioStop:
		return "agent_audio_stop"
	case TriggerUserSpeechStart:
		return "user_speech_start"
	case TriggerUserSpeechStop:
		return "user_speech_stop"
	case TriggerAgentThinking:
		return "agent_thinking"
	case TriggerAgentTurnComplete:
		return "agent_turn_complete"
	case TriggerFault:
		return "fault"
	case TriggerManualReset:
		return "manual_reset"
	case triggerAutoIdle:
		return "auto_idle"
	default:
		return "unknown"
	}
}

const DefaultIdleTimeout = 3000 * time.Millisecond

type Subscriber func(State)

type Machine struct {
	logger shared.LoggerAdapter

	mu          sync.Mutex
	state       State
	enabled     bool
	narrating   bool
	subs        []Subscriber
	watchdog    *shared.Watchdog
	idleTimeout time.Duration
}

func NewMachine(logger shared.LoggerAdapter, idleTimeout time.Duration) *Machine {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Machine{
		logger:      logger,
		state:       StateLoading,
		enabled:     true,
		watchdog:    shared.NewWatchdog(),
		idleTimeout: idleTimeout,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a callback invoked synchronously, in registration
// order, on every accepted transition. Callbacks run outside the machine's
// lock so they may call back into it.
func (m *Machine) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SetEnabled toggles the machine. Disabling forces IDLE; while disabled every
// trigger except ManualReset is dropped.
func (m *Machine) SetEnabled(enabled bool) {
	m.mu.Lock()
	wasEnabled := m.enabled
	m.enabled = enabled
	var notify []Subscriber
	if !enabled && wasEnabled && m.state != StateIdle {
		m.state = StateIdle
		m.watchdog.Disarm()
		notify = append([]Subscriber(nil), m.subs...)
	}
	st := m.state
	m.mu.Unlock()
	for _, fn := range notify {
		fn(st)
	}
}

// SetNarration marks narration audio as the current owner of the speaker.
// It records ownership only; it never mutates the turn state, since book
// audio is allowed to play exclusively while the state is IDLE.
func (m *Machine) SetNarration(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.narrating = active
}

func (m *Machine) Narrating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.narrating
}

// Reset is the manual recovery control: it always forces IDLE, including out
// of ERROR.
func (m *Machine) Reset() {
	m.Apply(TriggerManualReset)
}

// Apply runs one trigger through the transition function. Same-state results
// are dropped except Fault, which always re-notifies so repeated faults stay
// individually observable. Apply never fails; unknown triggers are logged
// and ignored.
func (m *Machine) Apply(trigger Trigger) {
	m.mu.Lock()
	if !m.enabled && trigger != TriggerManualReset {
		m.logger.Trace(
			"machine disabled, trigger dropped",
			zap.String("trigger", trigger.String()),
		)
		m.mu.Unlock()
		return
	}
	next, ok := transition(m.state, trigger)
	if !ok {
		m.logger.Trace(
			"trigger dropped",
			zap.String("state", m.state.String()),
			zap.String("trigger", trigger.String()),
		)
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	if next.Terminal() {
		m.watchdog.Disarm()
	} else {
		m.watchdog.Arm(m.idleTimeout, func() {
			m.Apply(triggerAutoIdle)
		})
	}
	if trigger == TriggerFault {
		m.logger.Warn(
			"fault applied",
			zap.String("prev", prev.String()),
		)
	} else {
		m.logger.Debug(
			"turn state changed",
			zap.String("prev", prev.String()),
			zap.String("new", next.String()),
			zap.String("trigger", trigger.String()),
		)
	}
	notify := append([]Subscriber(nil), m.subs...)
	m.mu.Unlock()
	for _, fn := range notify {
		fn(next)
	}
}

// Fault is a convenience for surfacing a provider or channel error.
func (m *Machine) Fault(reason string) {
	m.logger.Warn("turn fault", zap.String("reason", reason))
	m.Apply(TriggerFault)
}

func transition(cur State, t Trigger) (State, bool) {
	var next State
	switch t {
	case TriggerSessionCreated:
		next = StateLoading
	case TriggerSessionConfirmed:
		if cur != StateLoading {
			return cur, false
		}
		next = StateIdle
	case TriggerAgentAudioStart:
		next = StateAppuSpeaking
	case TriggerAgentAudioStop:
		next = StateAppuSpeakingStopped
	case TriggerUserSpeechStart:
		next = StateChildSpeaking
	case TriggerUserSpeechStop:
		next = StateChildSpeakingStopped
	case TriggerAgentThinking:
		next = StateAppuThinking
	case TriggerAgentTurnComplete:
		// A response.done arriving while audio still streams must not cut
		// the agent off; the audio-stop event ends the speaking state.
		if cur == StateAppuSpeaking {
			return cur, false
		}
		next = StateIdle
	case TriggerFault:
		return StateError, true
	case TriggerManualReset:
		next = StateIdle
	case triggerAutoIdle:
		if cur.Terminal() {
			return cur, false
		}
		next = StateIdle
	default:
		return cur, false
	}
	if next == cur {
		return cur, false
	}
	return next, true
}
