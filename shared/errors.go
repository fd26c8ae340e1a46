package shared

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoSignaler            = errors.New("no signaler provided")
	ErrNoMediaStream         = errors.New("no media stream provided")
	ErrNoAudioTrack          = errors.New("media stream has no audio track")
	ErrNoBrokerURL           = errors.New("no broker URL provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotStarted     = errors.New("session not started")
	ErrSessionStopped        = errors.New("session stopped")
	ErrChannelNotOpen        = errors.New("control channel is not open")
	ErrEmptyAnswer           = errors.New("remote endpoint returned an empty answer")
	ErrNegotiationTimeout    = errors.New("negotiation timed out")
)

// ConfigurationError reports a secret or setting that is required for the
// selected provider but is not provisioned server-side.
type ConfigurationError struct {
	Provider Provider
	Setting  string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s not configured", e.Setting)
	}
	return fmt.Sprintf("%s not configured for provider %s", e.Setting, e.Provider)
}

// BadRequestError reports a missing or malformed input field.
type BadRequestError struct {
	Field   string
	Message string
}

func (e *BadRequestError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UpstreamError carries a non-success answer from the remote endpoint (or
// from the broker, seen from the client side).
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// NewUpstreamError extracts a message from an error body that may be JSON
// ({"error":{"message"}}, {"error":"..."}, {"message":"..."}) or plain text.
func NewUpstreamError(statusCode int, body []byte) *UpstreamError {
	return &UpstreamError{StatusCode: statusCode, Message: UpstreamMessage(statusCode, body)}
}

func UpstreamMessage(statusCode int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return "unknown error"
}

// TransportError wraps a local media, peer connection or data channel
// failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnsupportedProviderError is returned for an alternate provider that has no
// signaling path.
type UnsupportedProviderError struct {
	Provider Provider
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("provider %s has no realtime signaling support", e.Provider)
}

// HTTPStatus maps an error from the taxonomy to the status the broker
// answers with.
func HTTPStatus(err error) int {
	var (
		cfgErr         *ConfigurationError
		badReqErr      *BadRequestError
		upstreamErr    *UpstreamError
		unsupportedErr *UnsupportedProviderError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &badReqErr):
		return http.StatusBadRequest
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	case errors.As(err, &unsupportedErr):
		return http.StatusNotImplemented
	case errors.As(err, &upstreamErr):
		if upstreamErr.StatusCode >= 400 && upstreamErr.StatusCode <= 599 {
			return upstreamErr.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
