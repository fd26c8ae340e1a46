package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeTranscriptionSessionCreated                      ServerEventType = "transcription_session.created"
	ServerEventTypeTranscriptionSessionUpdated                      ServerEventType = "transcription_session.updated"
	ServerEventTypeConversationItemCreated                          ServerEventType = "conversation.item.created"
	ServerEventTypeConversationItemAdded                            ServerEventType = "conversation.item.added"
	ServerEventTypeConversationItemDone                             ServerEventType = "conversation.item.done"
	ServerEventTypeConversationItemRetrieved                        ServerEventType = "conversation.item.retrieved"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeConversationItemInputAudioTranscriptionDelta     ServerEventType = "conversation.item.input_audio_transcription.delta"
	ServerEventTypeConversationItemInputAudioTranscriptionFailed    ServerEventType = "conversation.item.input_audio_transcription.failed"
	ServerEventTypeInputAudioBufferCommitted                        ServerEventType = "input_audio_buffer.committed"
	ServerEventTypeInputAudioBufferCleared                          ServerEventType = "input_audio_buffer.cleared"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated                                  ServerEventType = "response.created"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseOutputTextDelta                          ServerEventType = "response.output_text.delta"
	ServerEventTypeResponseOutputTextDone                           ServerEventType = "response.output_text.done"
	ServerEventTypeResponseTextDelta                                ServerEventType = "response.text.delta"
	ServerEventTypeResponseTextDone                                 ServerEventType = "response.text.done"
	ServerEventTypeResponseOutputAudioTranscriptDelta               ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDone                ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseAudioTranscriptDelta                     ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone                      ServerEventType = "response.audio_transcript.done"
	ServerEventTypeResponseFunctionCallArgumentsDelta               ServerEventType = "response.function_call_arguments.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone                ServerEventType = "response.function_call_arguments.done"
	ServerEventTypeRatelimitsUpdated                                ServerEventType = "rate_limits.updated"
)

// Client event types
const (
	ClientEventTypeSessionUpdate               ClientEventType = "session.update"
	ClientEventTypeTranscriptionSessionUpdate  ClientEventType = "transcription_session.update"
	ClientEventTypeInputAudioBufferCommit      ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear       ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate      ClientEventType = "conversation.item.create"
	ClientEventTypeConversationItemRetrieve    ClientEventType = "conversation.item.retrieve"
	ClientEventTypeConversationItemDelete      ClientEventType = "conversation.item.delete"
	ClientEventTypeResponseCreate              ClientEventType = "response.create"
	ClientEventTypeResponseCancel              ClientEventType = "response.cancel"
	ClientEventTypeOutputAudioBufferClear      ClientEventType = "output_audio_buffer.clear"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// serverEventParams is the closed set of server events decoded into typed
// params. Anything else decodes into *RawEventParam.
var serverEventParams = map[ServerEventType]func() EventParam{
	ServerEventTypeError:                                            func() EventParam { return new(ServerEventParamError) },
	ServerEventTypeSessionCreated:                                   func() EventParam { return new(ServerEventParamSession) },
	ServerEventTypeSessionUpdated:                                   func() EventParam { return new(ServerEventParamSession) },
	ServerEventTypeTranscriptionSessionCreated:                      func() EventParam { return new(ServerEventParamSession) },
	ServerEventTypeTranscriptionSessionUpdated:                      func() EventParam { return new(ServerEventParamSession) },
	ServerEventTypeConversationItemCreated:                          func() EventParam { return new(ServerEventParamConversationItem) },
	ServerEventTypeConversationItemAdded:                            func() EventParam { return new(ServerEventParamConversationItem) },
	ServerEventTypeConversationItemDone:                             func() EventParam { return new(ServerEventParamConversationItem) },
	ServerEventTypeConversationItemRetrieved:                        func() EventParam { return new(ServerEventParamConversationItem) },
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted: func() EventParam { return new(ServerEventParamInputAudioTranscription) },
	ServerEventTypeConversationItemInputAudioTranscriptionDelta:     func() EventParam { return new(ServerEventParamInputAudioTranscription) },
	ServerEventTypeConversationItemInputAudioTranscriptionFailed:    func() EventParam { return new(ServerEventParamInputAudioTranscription) },
	ServerEventTypeInputAudioBufferCommitted:                        func() EventParam { return new(ServerEventParamInputAudioBuffer) },
	ServerEventTypeInputAudioBufferCleared:                          func() EventParam { return new(ServerEventParamInputAudioBuffer) },
	ServerEventTypeInputAudioBufferSpeechStarted:                    func() EventParam { return new(ServerEventParamInputAudioBuffer) },
	ServerEventTypeInputAudioBufferSpeechStopped:                    func() EventParam { return new(ServerEventParamInputAudioBuffer) },
	ServerEventTypeResponseCreated:                                  func() EventParam { return new(ServerEventParamResponse) },
	ServerEventTypeResponseDone:                                     func() EventParam { return new(ServerEventParamResponse) },
	ServerEventTypeResponseOutputTextDelta:                          func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseOutputTextDone:                           func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseTextDelta:                                func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseTextDone:                                 func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseOutputAudioTranscriptDelta:               func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseOutputAudioTranscriptDone:                func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseAudioTranscriptDelta:                     func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseAudioTranscriptDone:                      func() EventParam { return new(ServerEventParamContent) },
	ServerEventTypeResponseFunctionCallArgumentsDelta:               func() EventParam { return new(ServerEventParamFunctionCall) },
	ServerEventTypeResponseFunctionCallArgumentsDone:                func() EventParam { return new(ServerEventParamFunctionCall) },
	ServerEventTypeRatelimitsUpdated:                                func() EventParam { return new(ServerEventParamRatelimitsUpdated) },
}

// ServerEvent is one inbound control message.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

// ParseServerEvent decodes one data channel frame.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	e := new(ServerEvent)
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

// Known reports whether the event decoded into a typed param.
func (e *ServerEvent) Known() bool {
	_, ok := serverEventParams[e.Type]
	return ok
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(m)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(m, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.decode(raw)
}

func (e *ServerEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.decode(raw)
}

func (e *ServerEvent) fields() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	m := maps.Clone(e.Param.Json())
	if m == nil {
		m = map[string]any{}
	}
	if e.EventId != "" {
		m["event_id"] = e.EventId
	}
	m["type"] = e.Type
	return m, nil
}

func (e *ServerEvent) decode(raw map[string]any) error {
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return errors.New("missing type")
	}
	e.Type = ServerEventType(t)
	delete(raw, "type")
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
	}
	delete(raw, "event_id")

	newParam, ok := serverEventParams[e.Type]
	if !ok {
		e.Param = new(RawEventParam)
	} else {
		e.Param = newParam()
	}
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	return nil
}

// ClientEvent is one outbound control message.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   map[string]any
}

var _ Event = (*ClientEvent)(nil)

func newClientEvent(t ClientEventType, param map[string]any) *ClientEvent {
	return &ClientEvent{
		EventId: "evt_" + uuid.NewString(),
		Type:    t,
		Param:   param,
	}
}

// NewResponseCreate asks the model to respond. response may be nil.
func NewResponseCreate(response map[string]any) *ClientEvent {
	var param map[string]any
	if response != nil {
		param = map[string]any{"response": response}
	}
	return newClientEvent(ClientEventTypeResponseCreate, param)
}

func NewResponseCancel() *ClientEvent {
	return newClientEvent(ClientEventTypeResponseCancel, nil)
}

// NewSessionUpdate reconfigures a running conversational session.
func NewSessionUpdate(cfg SessionConfig) *ClientEvent {
	return newClientEvent(ClientEventTypeSessionUpdate, map[string]any{"session": json.RawMessage(cfg)})
}

// NewTranscriptionSessionUpdate reconfigures a running transcription session.
func NewTranscriptionSessionUpdate(cfg SessionConfig) *ClientEvent {
	return newClientEvent(ClientEventTypeTranscriptionSessionUpdate, map[string]any{"session": json.RawMessage(cfg)})
}

// NewConversationItemCreateText adds a text message from role ("user",
// "system") to the conversation.
func NewConversationItemCreateText(role, text string) *ClientEvent {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "output_text"
	}
	return newClientEvent(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": role,
			"content": []any{
				map[string]any{"type": contentType, "text": text},
			},
		},
	})
}

// NewFunctionCallOutput returns the result of a tool call to the model.
func NewFunctionCallOutput(callId, output string) *ClientEvent {
	return newClientEvent(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callId,
			"output":  output,
		},
	})
}

func NewConversationItemRetrieve(itemId string) *ClientEvent {
	return newClientEvent(ClientEventTypeConversationItemRetrieve, map[string]any{"item_id": itemId})
}

func NewConversationItemDelete(itemId string) *ClientEvent {
	return newClientEvent(ClientEventTypeConversationItemDelete, map[string]any{"item_id": itemId})
}

func NewInputAudioBufferCommit() *ClientEvent {
	return newClientEvent(ClientEventTypeInputAudioBufferCommit, nil)
}

func NewInputAudioBufferClear() *ClientEvent {
	return newClientEvent(ClientEventTypeInputAudioBufferClear, nil)
}

func NewOutputAudioBufferClear() *ClientEvent {
	return newClientEvent(ClientEventTypeOutputAudioBufferClear, nil)
}

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) fields() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	m := make(map[string]any, len(e.Param)+2)
	maps.Copy(m, e.Param)
	if e.EventId != "" {
		m["event_id"] = e.EventId
	}
	m["type"] = e.Type
	return m, nil
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(m)
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(m, yaml.UseJSONMarshaler())
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
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

func requireString(m map[string]any, key string) (string, error) {
	if v, ok := m[key].(string); ok {
		return v, nil
	}
	return "", fmt.Errorf("missing %s", key)
}

func optionalString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func optionalInt(m map[string]any, key string) int {
	v, _ := asInt(m[key])
	return v
}

// RawEventParam carries an event the codec has no typed param for.
type RawEventParam struct {
	Fields map[string]any
}

func (p *RawEventParam) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *RawEventParam) Json() map[string]any {
	return p.Fields
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
		return errors.New("missing error")
	}
	msg, err := requireString(errObj, "message")
	if err != nil {
		return fmt.Errorf("error.%w", err)
	}
	p.Message = msg
	p.Type = optionalString(errObj, "type")
	p.Code = optionalString(errObj, "code")
	p.EventId = optionalString(errObj, "event_id")
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

// session.created, session.updated, transcription_session.*
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	v, ok := m["session"].(map[string]any)
	if !ok {
		return errors.New("missing session")
	}
	p.Session = v
	return nil
}

func (p *ServerEventParamSession) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// conversation.item.created, .added, .done, .retrieved
type ServerEventParamConversationItem struct {
	PreviousItemId string
	Item           map[string]any
}

func (p *ServerEventParamConversationItem) New(m map[string]any) error {
	v, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	p.Item = v
	p.PreviousItemId = optionalString(m, "previous_item_id")
	return nil
}

func (p *ServerEventParamConversationItem) Json() map[string]any {
	out := map[string]any{"item": p.Item}
	if p.PreviousItemId != "" {
		out["previous_item_id"] = p.PreviousItemId
	}
	return out
}

// conversation.item.input_audio_transcription.completed, .delta, .failed
type ServerEventParamInputAudioTranscription struct {
	ItemId       string
	ContentIndex int
	Transcript   string
	Delta        string
	Error        map[string]any
}

func (p *ServerEventParamInputAudioTranscription) New(m map[string]any) error {
	id, err := requireString(m, "item_id")
	if err != nil {
		return err
	}
	p.ItemId = id
	p.ContentIndex = optionalInt(m, "content_index")
	p.Transcript = optionalString(m, "transcript")
	p.Delta = optionalString(m, "delta")
	p.Error, _ = m["error"].(map[string]any)
	return nil
}

func (p *ServerEventParamInputAudioTranscription) Json() map[string]any {
	out := map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
	}
	if p.Transcript != "" {
		out["transcript"] = p.Transcript
	}
	if p.Delta != "" {
		out["delta"] = p.Delta
	}
	if p.Error != nil {
		out["error"] = p.Error
	}
	return out
}

// input_audio_buffer.committed, .cleared, .speech_started, .speech_stopped
type ServerEventParamInputAudioBuffer struct {
	ItemId         string
	PreviousItemId string
	AudioStartMs   int
	AudioEndMs     int
}

func (p *ServerEventParamInputAudioBuffer) New(m map[string]any) error {
	p.ItemId = optionalString(m, "item_id")
	p.PreviousItemId = optionalString(m, "previous_item_id")
	p.AudioStartMs = optionalInt(m, "audio_start_ms")
	p.AudioEndMs = optionalInt(m, "audio_end_ms")
	return nil
}

func (p *ServerEventParamInputAudioBuffer) Json() map[string]any {
	out := map[string]any{}
	if p.ItemId != "" {
		out["item_id"] = p.ItemId
	}
	if p.PreviousItemId != "" {
		out["previous_item_id"] = p.PreviousItemId
	}
	if p.AudioStartMs != 0 {
		out["audio_start_ms"] = p.AudioStartMs
	}
	if p.AudioEndMs != 0 {
		out["audio_end_ms"] = p.AudioEndMs
	}
	return out
}

// response.created, response.done
type ServerEventParamResponse struct {
	Response map[string]any
}

func (p *ServerEventParamResponse) New(m map[string]any) error {
	v, ok := m["response"].(map[string]any)
	if !ok {
		return errors.New("missing response")
	}
	p.Response = v
	return nil
}

func (p *ServerEventParamResponse) Json() map[string]any {
	return map[string]any{"response": p.Response}
}

// Usage returns the response's token usage, if the server reported it.
func (p *ServerEventParamResponse) Usage() map[string]any {
	u, _ := p.Response["usage"].(map[string]any)
	return u
}

// response.output_text.*, response.output_audio_transcript.* and their
// older response.text.* / response.audio_transcript.* names
type ServerEventParamContent struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
	Text         string
}

func (p *ServerEventParamContent) New(m map[string]any) error {
	id, err := requireString(m, "item_id")
	if err != nil {
		return err
	}
	p.ItemId = id
	p.ResponseId = optionalString(m, "response_id")
	p.OutputIndex = optionalInt(m, "output_index")
	p.ContentIndex = optionalInt(m, "content_index")
	p.Delta = optionalString(m, "delta")
	p.Text = optionalString(m, "text")
	if p.Text == "" {
		p.Text = optionalString(m, "transcript")
	}
	return nil
}

func (p *ServerEventParamContent) Json() map[string]any {
	out := map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
	}
	if p.Delta != "" {
		out["delta"] = p.Delta
	}
	if p.Text != "" {
		out["text"] = p.Text
	}
	return out
}

// response.function_call_arguments.delta, .done
type ServerEventParamFunctionCall struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Name        string
	Delta       string
	Arguments   string
}

func (p *ServerEventParamFunctionCall) New(m map[string]any) error {
	callId, err := requireString(m, "call_id")
	if err != nil {
		return err
	}
	p.CallId = callId
	p.ResponseId = optionalString(m, "response_id")
	p.ItemId = optionalString(m, "item_id")
	p.OutputIndex = optionalInt(m, "output_index")
	p.Name = optionalString(m, "name")
	p.Delta = optionalString(m, "delta")
	p.Arguments = optionalString(m, "arguments")
	return nil
}

func (p *ServerEventParamFunctionCall) Json() map[string]any {
	out := map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
	}
	if p.Name != "" {
		out["name"] = p.Name
	}
	if p.Delta != "" {
		out["delta"] = p.Delta
	}
	if p.Arguments != "" {
		out["arguments"] = p.Arguments
	}
	return out
}

// DecodeArguments unmarshals the call's JSON arguments into v.
func (p *ServerEventParamFunctionCall) DecodeArguments(v any) error {
	return sonic.UnmarshalString(p.Arguments, v)
}

// rate_limits.updated
type ServerEventParamRatelimitsUpdated struct {
	RateLimits []map[string]any
}

func (p *ServerEventParamRatelimitsUpdated) New(m map[string]any) error {
	rr, ok := m["rate_limits"].([]any)
	if !ok {
		return errors.New("missing rate_limits")
	}
	res := make([]map[string]any, 0, len(rr))
	for _, r := range rr {
		rm, ok := r.(map[string]any)
		if !ok {
			return errors.New("invalid element in rate_limits")
		}
		res = append(res, rm)
	}
	p.RateLimits = res
	return nil
}

func (p *ServerEventParamRatelimitsUpdated) Json() map[string]any {
	return map[string]any{"rate_limits": p.RateLimits}
}
