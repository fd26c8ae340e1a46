package realtime

import (
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerEventKnownTypes(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, e *ServerEvent)
	}{
		{
			name: "error",
			data: `{"type":"error","event_id":"e1","error":{"type":"invalid_request_error","code":"bad","message":"nope","event_id":"c1"}}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamError)
				assert.Equal(t, "nope", p.Message)
				assert.Equal(t, "bad", p.Code)
				assert.Equal(t, "c1", p.EventId)
			},
		},
		{
			name: "transcription session created",
			data: `{"type":"transcription_session.created","event_id":"e2","session":{"id":"sess_1"}}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamSession)
				assert.Equal(t, "sess_1", p.Session["id"])
			},
		},
		{
			name: "input transcription completed",
			data: `{"type":"conversation.item.input_audio_transcription.completed","event_id":"e3","item_id":"i1","content_index":0,"transcript":"hello"}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamInputAudioTranscription)
				assert.Equal(t, "i1", p.ItemId)
				assert.Equal(t, "hello", p.Transcript)
			},
		},
		{
			name: "speech started",
			data: `{"type":"input_audio_buffer.speech_started","event_id":"e4","item_id":"i2","audio_start_ms":1200}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamInputAudioBuffer)
				assert.Equal(t, 1200, p.AudioStartMs)
			},
		},
		{
			name: "legacy transcript done",
			data: `{"type":"response.audio_transcript.done","event_id":"e5","response_id":"r1","item_id":"i3","output_index":0,"content_index":0,"transcript":"hi there"}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamContent)
				assert.Equal(t, "hi there", p.Text)
			},
		},
		{
			name: "function call arguments done",
			data: `{"type":"response.function_call_arguments.done","event_id":"e6","response_id":"r1","item_id":"i4","output_index":1,"call_id":"call_1","name":"get_weather","arguments":"{\"city\":\"Paris\"}"}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamFunctionCall)
				assert.Equal(t, "get_weather", p.Name)
				var args struct {
					City string `json:"city"`
				}
				require.NoError(t, p.DecodeArguments(&args))
				assert.Equal(t, "Paris", args.City)
			},
		},
		{
			name: "response done",
			data: `{"type":"response.done","event_id":"e7","response":{"id":"r1","usage":{"total_tokens":42}}}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamResponse)
				assert.EqualValues(t, 42, p.Usage()["total_tokens"])
			},
		},
		{
			name: "rate limits",
			data: `{"type":"rate_limits.updated","event_id":"e8","rate_limits":[{"name":"tokens","limit":1000,"remaining":900}]}`,
			check: func(t *testing.T, e *ServerEvent) {
				p := e.Param.(*ServerEventParamRatelimitsUpdated)
				require.Len(t, p.RateLimits, 1)
				assert.Equal(t, "tokens", p.RateLimits[0]["name"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseServerEvent([]byte(tt.data))
			require.NoError(t, err)
			assert.True(t, e.Known())
			assert.True(t, e.IsServerEvent())
			assert.NotEmpty(t, e.EventId)
			tt.check(t, e)
		})
	}
}

func TestParseServerEventPassthrough(t *testing.T) {
	e, err := ParseServerEvent([]byte(`{"type":"output_audio_buffer.started","event_id":"e9","response_id":"r1"}`))
	require.NoError(t, err)
	assert.False(t, e.Known())
	raw, ok := e.Param.(*RawEventParam)
	require.True(t, ok)
	assert.Equal(t, "r1", raw.Fields["response_id"])

	out, err := e.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"output_audio_buffer.started","event_id":"e9","response_id":"r1"}`, string(out))
}

func TestParseServerEventRejectsMalformed(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`{"event_id":"e1"}`,
		`{"type":"error","event_id":"e1"}`,
		`{"type":"response.function_call_arguments.done","event_id":"e1"}`,
	} {
		_, err := ParseServerEvent([]byte(data))
		assert.Error(t, err, data)
	}
}

func TestServerEventYAML(t *testing.T) {
	e, err := ParseServerEvent([]byte(`{"type":"session.updated","event_id":"e1","session":{"voice":"v1"}}`))
	require.NoError(t, err)

	out, err := e.MarshalYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "type: session.updated")
	assert.Contains(t, string(out), "voice: v1")

	back := new(ServerEvent)
	require.NoError(t, back.UnmarshalYAML(out))
	assert.Equal(t, e.Type, back.Type)
	assert.Equal(t, "v1", back.Param.(*ServerEventParamSession).Session["voice"])
}

func TestClientEventConstructors(t *testing.T) {
	tests := []struct {
		name  string
		event *ClientEvent
		want  string
	}{
		{
			name:  "response.create without options",
			event: NewResponseCreate(nil),
			want:  `{"type":"response.create"}`,
		},
		{
			name:  "response.create with instructions",
			event: NewResponseCreate(map[string]any{"instructions": "greet"}),
			want:  `{"type":"response.create","response":{"instructions":"greet"}}`,
		},
		{
			name:  "session.update",
			event: NewSessionUpdate(SessionConfig(`{"voice":"v2"}`)),
			want:  `{"type":"session.update","session":{"voice":"v2"}}`,
		},
		{
			name:  "transcription_session.update",
			event: NewTranscriptionSessionUpdate(SessionConfig(`{"input_audio_format":"pcm16"}`)),
			want:  `{"type":"transcription_session.update","session":{"input_audio_format":"pcm16"}}`,
		},
		{
			name:  "conversation.item.create text",
			event: NewConversationItemCreateText("user", "hi"),
			want:  `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`,
		},
		{
			name:  "conversation.item.retrieve",
			event: NewConversationItemRetrieve("item_1"),
			want:  `{"type":"conversation.item.retrieve","item_id":"item_1"}`,
		},
		{
			name:  "input_audio_buffer.clear",
			event: NewInputAudioBufferClear(),
			want:  `{"type":"input_audio_buffer.clear"}`,
		},
		{
			name:  "output_audio_buffer.clear",
			event: NewOutputAudioBufferClear(),
			want:  `{"type":"output_audio_buffer.clear"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.event.IsClientEvent())
			assert.True(t, strings.HasPrefix(tt.event.EventId, "evt_"))

			out, err := sonic.Marshal(tt.event)
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, sonic.Unmarshal(out, &got))
			assert.Equal(t, tt.event.EventId, got["event_id"])
			delete(got, "event_id")
			trimmed, err := sonic.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(trimmed))
		})
	}
}

func TestClientEventIdsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewResponseCancel().EventId, NewResponseCancel().EventId)
}
