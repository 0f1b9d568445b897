package companion

import (
	"encoding/json"
	"errors"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types routed by the orchestrator. Lifecycle/audio/speech
// types feed the turn translator, the function-call type feeds the tool
// dispatcher, informational types are logged, and everything else falls into
// the unknown variant and is ignored.
const (
	ServerEventTypeError                             ServerEventType = "error"
	ServerEventTypeSessionCreated                    ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                    ServerEventType = "session.updated"
	ServerEventTypeInputAudioBufferSpeechStarted     ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped     ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeOutputAudioBufferStarted          ServerEventType = "output_audio_buffer.started"
	ServerEventTypeOutputAudioBufferStopped          ServerEventType = "output_audio_buffer.stopped"
	ServerEventTypeResponseCreated                   ServerEventType = "response.created"
	ServerEventTypeResponseDone                      ServerEventType = "response.done"
	ServerEventTypeResponseFunctionCallArgumentsDone ServerEventType = "response.function_call_arguments.done"
	ServerEventTypeResponseOutputAudioTranscriptDone ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeRateLimitsUpdated                 ServerEventType = "rate_limits.updated"
)

// Client event types the orchestrator sends proactively.
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
	ClientEventTypeOutputAudioBufferClear ClientEventType = "output_audio_buffer.clear"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

// Ignored reports whether the event carries no routing significance for the
// session core.
func (e *ServerEvent) Ignored() bool {
	_, ok := e.Param.(*ServerEventParamUnknown)
	return ok
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeInputAudioBufferSpeechStarted:
		e.Param = new(ServerEventParamSpeechStarted)
	case ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamSpeechStopped)
	case ServerEventTypeOutputAudioBufferStarted:
		e.Param = new(ServerEventParamOutputAudioBuffer)
	case ServerEventTypeOutputAudioBufferStopped:
		e.Param = new(ServerEventParamOutputAudioBuffer)
	case ServerEventTypeResponseCreated:
		e.Param = new(ServerEventParamResponse)
	case ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponse)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		e.Param = new(ServerEventParamFunctionCallArgumentsDone)
	case ServerEventTypeResponseOutputAudioTranscriptDone:
		e.Param = new(ServerEventParamTranscriptDone)
	case ServerEventTypeRateLimitsUpdated:
		e.Param = new(ServerEventParamRateLimits)
	default:
		// Unrecognized tags are kept as raw fields and never dispatched.
		e.Param = new(ServerEventParamUnknown)
	}
	return e.Param.New(raw)
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// error
type ServerEventParamError struct {
	Type    string
	EventId string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		// Some relays flatten the error fields into the envelope.
		errObj = m
	}
	if v, ok := errObj["type"].(string); ok {
		p.Type = v
	} else {
		return errors.New("missing error.type")
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	if v, ok := errObj["code"].(string); ok {
		p.Code = v
	}
	if v, ok := errObj["event_id"].(string); ok {
		p.EventId = v
	}
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"event_id": p.EventId,
			"code":     p.Code,
			"message":  p.Message,
			"param":    p.Param,
		},
	}
}

// session.created / session.updated
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSession) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// input_audio_buffer.speech_started
type ServerEventParamSpeechStarted struct {
	AudioStartMs int
	ItemId       string
}

func (p *ServerEventParamSpeechStarted) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = v
	} else {
		return errors.New("missing audio_start_ms")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

func (p *ServerEventParamSpeechStarted) Json() map[string]any {
	return map[string]any{
		"audio_start_ms": p.AudioStartMs,
		"item_id":        p.ItemId,
	}
}

// input_audio_buffer.speech_stopped
type ServerEventParamSpeechStopped struct {
	AudioEndMs int
	ItemId     string
}

func (p *ServerEventParamSpeechStopped) New(m map[string]any) error {
	if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioEndMs = v
	} else {
		return errors.New("missing audio_end_ms")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

func (p *ServerEventParamSpeechStopped) Json() map[string]any {
	return map[string]any{
		"audio_end_ms": p.AudioEndMs,
		"item_id":      p.ItemId,
	}
}

// output_audio_buffer.started / output_audio_buffer.stopped
type ServerEventParamOutputAudioBuffer struct {
	ResponseId string
}

func (p *ServerEventParamOutputAudioBuffer) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	return nil
}

func (p *ServerEventParamOutputAudioBuffer) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
	}
}

// response.created / response.done
type ServerEventParamResponse struct {
	Response map[string]any
}

func (p *ServerEventParamResponse) New(m map[string]any) error {
	if response, ok := m["response"].(map[string]any); ok {
		p.Response = response
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponse) Json() map[string]any {
	return map[string]any{
		"response": p.Response,
	}
}

// Status of a done response ("completed", "cancelled", "failed", ...).
func (p *ServerEventParamResponse) Status() string {
	if v, ok := p.Response["status"].(string); ok {
		return v
	}
	return ""
}

// response.function_call_arguments.done
type ServerEventParamFunctionCallArgumentsDone struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Name        string
	Arguments   string
}

func (p *ServerEventParamFunctionCallArgumentsDone) New(m map[string]any) error {
	if v, ok := m["arguments"].(string); ok {
		p.Arguments = v
	} else {
		return errors.New("missing arguments")
	}
	// call_id and name are validated again at dispatch; absent values stay
	// empty here so the orchestrator can log exactly what was missing.
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	}
	if v, ok := m["name"].(string); ok {
		p.Name = v
	}
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	return nil
}

func (p *ServerEventParamFunctionCallArgumentsDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"name":         p.Name,
		"arguments":    p.Arguments,
	}
}

// response.output_audio_transcript.done (informational only)
type ServerEventParamTranscriptDone struct {
	ResponseId string
	ItemId     string
	Transcript string
}

func (p *ServerEventParamTranscriptDone) New(m map[string]any) error {
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

func (p *ServerEventParamTranscriptDone) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"transcript":  p.Transcript,
	}
}

// rate_limits.updated (informational only)
type ServerEventParamRateLimits struct {
	RateLimits []any
}

func (p *ServerEventParamRateLimits) New(m map[string]any) error {
	if v, ok := m["rate_limits"].([]any); ok {
		p.RateLimits = v
	} else {
		return errors.New("missing rate_limits")
	}
	return nil
}

func (p *ServerEventParamRateLimits) Json() map[string]any {
	return map[string]any{
		"rate_limits": p.RateLimits,
	}
}

// Catch-all for unrecognized server event types.
type ServerEventParamUnknown struct {
	Fields map[string]any
}

func (p *ServerEventParamUnknown) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *ServerEventParamUnknown) Json() map[string]any {
	return p.Fields
}

type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{}
	if e.Param != nil {
		for k, v := range e.Param.Json() {
			resp[k] = v
		}
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{}
	if e.Param != nil {
		for k, v := range e.Param.Json() {
			resp[k] = v
		}
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ClientEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ClientEventTypeSessionUpdate:
		e.Param = new(ClientEventParamSessionUpdate)
	case ClientEventTypeConversationItemCreate:
		e.Param = new(ClientEventParamConversationItemCreate)
	case ClientEventTypeResponseCreate:
		e.Param = new(ClientEventParamResponseCreate)
	case ClientEventTypeResponseCancel, ClientEventTypeOutputAudioBufferClear:
		e.Param = new(ServerEventParamUnknown)
	default:
		return errors.New("unknown client event type: " + string(e.Type))
	}
	return e.Param.New(raw)
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session map[string]any
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// conversation.item.create, used to return function call output.
type ClientEventParamConversationItemCreate struct {
	Item map[string]any
}

func (p *ClientEventParamConversationItemCreate) New(m map[string]any) error {
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = item
	} else {
		return errors.New("missing item")
	}
	return nil
}

func (p *ClientEventParamConversationItemCreate) Json() map[string]any {
	return map[string]any{
		"item": p.Item,
	}
}

// response.create, the turn-continuation request.
type ClientEventParamResponseCreate struct {
	Response map[string]any
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	if response, ok := m["response"].(map[string]any); ok {
		p.Response = response
	}
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	if p.Response == nil {
		return map[string]any{}
	}
	return map[string]any{
		"response": p.Response,
	}
}
