package companion

import "github.com/appu-labs/companion/turn"

// TranslateEvent maps a provider server event onto a turn-taking trigger.
// The second return is false for events that carry no turn-taking meaning
// (function calls, transcripts, rate limits, unknown types).
//
// Stateless by design: ordering and idempotence are the machine's problem.
func TranslateEvent(event *ServerEvent) (turn.Trigger, bool) {
	switch event.Type {
	case ServerEventTypeSessionCreated:
		return turn.TriggerSessionCreated, true
	case ServerEventTypeSessionUpdated:
		return turn.TriggerSessionConfirmed, true
	case ServerEventTypeOutputAudioBufferStarted:
		return turn.TriggerAgentAudioStart, true
	case ServerEventTypeOutputAudioBufferStopped:
		return turn.TriggerAgentAudioStop, true
	case ServerEventTypeInputAudioBufferSpeechStarted:
		return turn.TriggerUserSpeechStart, true
	case ServerEventTypeInputAudioBufferSpeechStopped:
		return turn.TriggerUserSpeechStop, true
	case ServerEventTypeResponseCreated:
		return turn.TriggerAgentThinking, true
	case ServerEventTypeResponseDone:
		return turn.TriggerAgentTurnComplete, true
	case ServerEventTypeError:
		return turn.TriggerFault, true
	}
	return 0, false
}
