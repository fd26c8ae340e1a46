package realtime

import (
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultDataChannelLabel   = "oai-events"
)

type Option func(*Session)

func WithProvider(p shared.Provider) Option {
	return func(s *Session) {
		s.provider = p
	}
}

// WithAPI replaces the pion API the peer connection is built from, e.g. to
// run over a virtual network.
func WithAPI(api *webrtc.API) Option {
	return func(s *Session) {
		s.api = api
	}
}

func WithICEServers(servers ...webrtc.ICEServer) Option {
	return func(s *Session) {
		s.iceServers = servers
	}
}

// WithNegotiationTimeout bounds ICE gathering plus the signaling round trips.
// Zero or negative values keep the default.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithDataChannelLabel(label string) Option {
	return func(s *Session) {
		if label != "" {
			s.label = label
		}
	}
}

// NewAPI builds a pion API with the default codecs and interceptors whose
// internal logs go to logger.
func NewAPI(logger shared.LoggerAdapter) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: shared.NewPionLoggerFactory(logger),
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
