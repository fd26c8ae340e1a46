package realtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/tidwall/gjson"
)

// SessionConfig is the caller's session document (model, voice, modalities,
// instructions, turn detection, tools, ...) kept as raw JSON and forwarded
// verbatim during negotiation.
type SessionConfig []byte

// NewSessionConfig serializes v, which may be a map, a struct or one of the
// openai-go realtime session params.
func NewSessionConfig(v any) (SessionConfig, error) {
	if v == nil {
		return nil, errors.New("session config is nil")
	}
	if raw, ok := v.(SessionConfig); ok {
		return raw.validate()
	}
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling session config: %w", err)
	}
	return SessionConfig(b).validate()
}

func (c SessionConfig) validate() (SessionConfig, error) {
	if !gjson.ValidBytes(c) || !gjson.ParseBytes(c).IsObject() {
		return nil, errors.New("session config must be a JSON object")
	}
	return c, nil
}

func (c SessionConfig) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return c, nil
}

// Model returns the "model" field, or "" when absent.
func (c SessionConfig) Model() string {
	return gjson.GetBytes(c, "model").String()
}

// YAML renders the document for terminal display.
func (c SessionConfig) YAML() (string, error) {
	var doc map[string]any
	if err := sonic.Unmarshal(c, &doc); err != nil {
		return "", fmt.Errorf("unmarshaling session config: %w", err)
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling session config to yaml: %w", err)
	}
	return string(b), nil
}
