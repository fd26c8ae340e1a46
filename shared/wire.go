package shared

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Provider selects the hosted realtime endpoint a session is negotiated with.
type Provider string

const (
	ProviderOpenAI  Provider = "openai"
	ProviderGemini  Provider = "gemini"
	ProviderBedrock Provider = "bedrock"
)

// ParseProvider returns the provider for s. An empty string selects the
// primary provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case "":
		return ProviderOpenAI, nil
	case ProviderOpenAI, ProviderGemini, ProviderBedrock:
		return p, nil
	default:
		return "", &BadRequestError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", s)}
	}
}

// SessionKind selects the conversational or the transcription-only
// negotiation variant.
type SessionKind string

const (
	SessionKindConversation  SessionKind = "conversation"
	SessionKindTranscription SessionKind = "transcription"
)

func ParseSessionKind(s string) (SessionKind, error) {
	switch k := SessionKind(s); k {
	case "":
		return SessionKindConversation, nil
	case SessionKindConversation, SessionKindTranscription:
		return k, nil
	default:
		return "", &BadRequestError{Field: "kind", Message: fmt.Sprintf("unknown session kind %q", s)}
	}
}

// Action is the broker operation selector carried in every /session body.
type Action string

const (
	ActionCreate Action = "create"
	ActionSDP    Action = "sdp"
)

// BrokerRequest is the body of POST /session.
type BrokerRequest struct {
	Action        Action          `json:"action"`
	Provider      string          `json:"provider,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	SessionConfig json.RawMessage `json:"sessionConfig,omitempty"`
	SDP           string          `json:"sdp,omitempty"`
}

// CreateResponse answers ActionCreate.
type CreateResponse struct {
	ClientSecret string `json:"clientSecret"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// SDPResponse answers ActionSDP.
type SDPResponse struct {
	Answer string `json:"answer"`
}

// ErrorResponse is the body of every non-success broker response.
type ErrorResponse struct {
	Error string `json:"error"`
}

const redacted = "[REDACTED]"

// Secret holds a long-lived credential. Every textual rendering of it is
// redacted; only Reveal returns the value.
type Secret string

func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(s.String())
}

func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Secret) UnmarshalYAML(unmarshal func(any) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}
