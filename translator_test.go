package companion

import (
	"testing"

	"github.com/appu-labs/companion/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateEvent(t *testing.T) {
	tests := []struct {
		eventType ServerEventType
		trigger   turn.Trigger
		mapped    bool
	}{
		{ServerEventTypeSessionCreated, turn.TriggerSessionCreated, true},
		{ServerEventTypeSessionUpdated, turn.TriggerSessionConfirmed, true},
		{ServerEventTypeOutputAudioBufferStarted, turn.TriggerAgentAudioStart, true},
		{ServerEventTypeOutputAudioBufferStopped, turn.TriggerAgentAudioStop, true},
		{ServerEventTypeInputAudioBufferSpeechStarted, turn.TriggerUserSpeechStart, true},
		{ServerEventTypeInputAudioBufferSpeechStopped, turn.TriggerUserSpeechStop, true},
		{ServerEventTypeResponseCreated, turn.TriggerAgentThinking, true},
		{ServerEventTypeResponseDone, turn.TriggerAgentTurnComplete, true},
		{ServerEventTypeError, turn.TriggerFault, true},
		{ServerEventTypeResponseFunctionCallArgumentsDone, 0, false},
		{ServerEventTypeResponseOutputAudioTranscriptDone, 0, false},
		{ServerEventTypeRateLimitsUpdated, 0, false},
		{ServerEventType("conversation.item.created"), 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			trigger, ok := TranslateEvent(&ServerEvent{Type: tt.eventType})
			assert.Equal(t, tt.mapped, ok)
			if tt.mapped {
				assert.Equal(t, tt.trigger, trigger)
			}
		})
	}
}

func TestServerEventUnmarshal(t *testing.T) {
	t.Run("speech started", func(t *testing.T) {
		raw := `{"type":"input_audio_buffer.speech_started","event_id":"evt_1","audio_start_ms":420,"item_id":"item_1"}`
		event := new(ServerEvent)
		require.NoError(t, event.UnmarshalJSON([]byte(raw)))
		assert.Equal(t, ServerEventTypeInputAudioBufferSpeechStarted, event.Type)
		assert.Equal(t, "evt_1", event.EventId)
		param, ok := event.Param.(*ServerEventParamSpeechStarted)
		require.True(t, ok)
		assert.Equal(t, 420, param.AudioStartMs)
		assert.Equal(t, "item_1", param.ItemId)
		assert.False(t, event.Ignored())
	})

	t.Run("function call arguments done", func(t *testing.T) {
		raw := `{"type":"response.function_call_arguments.done","call_id":"call_1","name":"search_books","arguments":"{\"query\":\"dinosaurs\"}"}`
		event := new(ServerEvent)
		require.NoError(t, event.UnmarshalJSON([]byte(raw)))
		param, ok := event.Param.(*ServerEventParamFunctionCallArgumentsDone)
		require.True(t, ok)
		assert.Equal(t, "call_1", param.CallId)
		assert.Equal(t, "search_books", param.Name)
		assert.Equal(t, `{"query":"dinosaurs"}`, param.Arguments)
	})

	t.Run("function call without identifiers still parses", func(t *testing.T) {
		raw := `{"type":"response.function_call_arguments.done","arguments":"{}"}`
		event := new(ServerEvent)
		require.NoError(t, event.UnmarshalJSON([]byte(raw)))
		param, ok := event.Param.(*ServerEventParamFunctionCallArgumentsDone)
		require.True(t, ok)
		assert.Empty(t, param.CallId)
		assert.Empty(t, param.Name)
	})

	t.Run("error event", func(t *testing.T) {
		raw := `{"type":"error","error":{"type":"invalid_request_error","code":"bad","message":"nope"}}`
		event := new(ServerEvent)
		require.NoError(t, event.UnmarshalJSON([]byte(raw)))
		param, ok := event.Param.(*ServerEventParamError)
		require.True(t, ok)
		assert.Equal(t, "nope", param.Message)
	})

	t.Run("unknown type is ignored, not an error", func(t *testing.T) {
		raw := `{"type":"conversation.item.added","item":{"id":"item_1"}}`
		event := new(ServerEvent)
		require.NoError(t, event.UnmarshalJSON([]byte(raw)))
		assert.True(t, event.Ignored())
	})

	t.Run("missing type is an error", func(t *testing.T) {
		event := new(ServerEvent)
		assert.Error(t, event.UnmarshalJSON([]byte(`{"event_id":"evt_1"}`)))
	})

	t.Run("malformed payload is an error", func(t *testing.T) {
		event := new(ServerEvent)
		assert.Error(t, event.UnmarshalJSON([]byte(`{"type":`)))
	})
}

func TestResponseDoneStatus(t *testing.T) {
	raw := `{"type":"response.done","response":{"id":"resp_1","status":"cancelled"}}`
	event := new(ServerEvent)
	require.NoError(t, event.UnmarshalJSON([]byte(raw)))
	param, ok := event.Param.(*ServerEventParamResponse)
	require.True(t, ok)
	assert.Equal(t, "cancelled", param.Status())
}
