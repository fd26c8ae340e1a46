package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Session is one negotiated realtime connection: a peer connection carrying
// the local microphone track and the remote model's audio, plus an ordered
// control data channel for JSON events.
//
// A Session is started once. Stop releases everything it owns and may be
// called at any time, any number of times.
type Session struct {
	logger     shared.LoggerAdapter
	signaler   Signaler
	provider   shared.Provider
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	timeout    time.Duration
	label      string

	listeners listeners

	mu        sync.Mutex
	started   bool
	stopped   bool
	kind      shared.SessionKind
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	stream    MediaStream
	gates     []*gatedTrack
	muted     bool
	state     webrtc.PeerConnectionState
	localSDP  string
	remoteSDP string

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewSession(logger shared.LoggerAdapter, signaler Signaler, opts ...Option) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if signaler == nil {
		return nil, shared.ErrNoSignaler
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		logger:   logger,
		signaler: signaler,
		provider: shared.ProviderOpenAI,
		timeout:  DefaultNegotiationTimeout,
		label:    DefaultDataChannelLabel,
		state:    webrtc.PeerConnectionStateNew,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.api == nil {
		s.api = NewAPI(logger)
	}
	s.logger = s.logger.With(zap.String("provider", string(s.provider)))
	return s, nil
}

// Subscribe registers l and returns a function that removes it. Listeners
// are called in subscription order.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	return s.listeners.add(l)
}

// Start negotiates a conversational session carrying the first audio track
// of stream. It blocks until the answer is applied or negotiation fails.
//
// Errors building the local peer connection are returned. Errors from the
// signaling exchange, including the negotiation timeout, are delivered once
// to OnError and Start returns nil; the caller decides whether to Stop and
// retry with a new Session.
func (s *Session) Start(ctx context.Context, stream MediaStream, cfg SessionConfig) error {
	return s.start(ctx, shared.SessionKindConversation, stream, cfg)
}

// StartTranscription is Start for the speech-to-text only variant.
func (s *Session) StartTranscription(ctx context.Context, stream MediaStream, cfg SessionConfig) error {
	return s.start(ctx, shared.SessionKindTranscription, stream, cfg)
}

func (s *Session) start(ctx context.Context, kind shared.SessionKind, stream MediaStream, cfg SessionConfig) error {
	if stream == nil {
		return shared.ErrNoMediaStream
	}
	if len(cfg) == 0 {
		return shared.ErrNoConfig
	}
	audio := stream.AudioTracks()
	if len(audio) == 0 {
		return shared.ErrNoAudioTrack
	}

	pc, gathered, err := s.prepare(kind, stream, audio[0])
	if err != nil {
		return err
	}

	if err := s.negotiate(ctx, pc, gathered, kind, cfg); err != nil {
		if s.isStopped() {
			s.logger.Debug("negotiation abandoned by stop", zap.Error(err))
			return nil
		}
		s.logger.Error("negotiation failed", err, zap.String("kind", string(kind)))
		s.listeners.error(err)
	}
	return nil
}

// prepare builds the peer connection, attaches the track and data channel
// and applies the local offer.
func (s *Session) prepare(kind shared.SessionKind, stream MediaStream, track Track) (*webrtc.PeerConnection, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil, shared.ErrSessionStopped
	}
	if s.started {
		return nil, nil, shared.ErrSessionAlreadyRunning
	}
	s.started = true
	s.kind = kind
	s.stream = stream

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return nil, nil, fmt.Errorf("creating peer connection: %w", err)
	}
	pc.OnConnectionStateChange(s.onConnectionStateChange)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Debug(
			"remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		s.listeners.track(track, receiver)
	})

	gate := newGatedTrack(track, !s.muted)
	rtpSender, err := pc.AddTrack(gate)
	if err != nil {
		s.closeQuietly(pc)
		return nil, nil, fmt.Errorf("adding audio track: %w", err)
	}
	go drainRTCP(rtpSender)

	dc, err := pc.CreateDataChannel(s.label, nil)
	if err != nil {
		s.closeQuietly(pc)
		return nil, nil, fmt.Errorf("creating data channel: %w", err)
	}
	s.bindDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.closeQuietly(pc)
		return nil, nil, fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		s.closeQuietly(pc)
		return nil, nil, fmt.Errorf("setting local description: %w", err)
	}

	s.pc = pc
	s.dc = dc
	s.gates = []*gatedTrack{gate}
	return pc, gathered, nil
}

func (s *Session) negotiate(ctx context.Context, pc *webrtc.PeerConnection, gathered <-chan struct{}, kind shared.SessionKind, cfg SessionConfig) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unbind := context.AfterFunc(s.ctx, func() {
		cancel(context.Cause(s.ctx))
	})
	defer unbind()
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, s.timeout, shared.ErrNegotiationTimeout)
	defer cancelTimeout()

	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("gathering candidates: %w", context.Cause(ctx))
	}

	local := pc.LocalDescription()
	if local == nil {
		return &shared.TransportError{Op: "reading local description", Err: shared.ErrSessionStopped}
	}
	s.mu.Lock()
	s.localSDP = local.SDP
	s.mu.Unlock()

	s.logger.Debug("sending offer", zap.String("kind", string(kind)), zap.Int("sdp_bytes", len(local.SDP)))
	answer, err := s.signaler.Signal(ctx, SignalRequest{
		Provider: s.provider,
		Kind:     kind,
		Offer:    local.SDP,
		Config:   cfg,
	})
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		return fmt.Errorf("exchanging offer: %w", err)
	}
	if answer == "" {
		return shared.ErrEmptyAnswer
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return &shared.TransportError{Op: "setting remote description", Err: err}
	}
	s.mu.Lock()
	s.remoteSDP = answer
	s.mu.Unlock()
	s.logger.Info("answer applied", zap.String("kind", string(kind)))
	return nil
}

func (s *Session) bindDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.logger.Info("control channel open", zap.String("label", dc.Label()))
		s.listeners.open()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			s.logger.Warn("received non-string message on control channel", zap.Int("bytes", len(msg.Data)))
			return
		}
		event, err := ParseServerEvent(msg.Data)
		if err != nil {
			s.logger.Error("can not decode event", err, zap.ByteString("data", msg.Data))
			return
		}
		s.logger.Trace(
			"received event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.EventId),
		)
		s.listeners.event(event)
	})
	dc.OnError(func(err error) {
		if s.isStopped() {
			return
		}
		s.logger.Error("control channel error", err)
		s.listeners.error(&shared.TransportError{Op: "control channel", Err: err})
	})
}

func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	stopped := s.stopped
	s.mu.Unlock()

	s.logger.Trace(
		"peer connection state changed",
		zap.String("prev", prev.String()),
		zap.String("new", state.String()),
	)
	if prev > state {
		s.logger.Warn(
			"peer connection state changed to unexpected state",
			zap.String("prev", prev.String()),
			zap.String("new", state.String()),
		)
	}
	s.listeners.connectionStateChange(state)

	switch state {
	case webrtc.PeerConnectionStateFailed:
		if !stopped {
			err := &shared.TransportError{Op: "peer connection", Err: errors.New("connection failed")}
			s.logger.Error("peer connection failed", err)
			s.listeners.error(err)
		}
		s.cancel(errors.New("peer connection state is failed"))
	case webrtc.PeerConnectionStateClosed:
		s.cancel(errors.New("peer connection state is closed"))
	}
}

// Stop closes the control channel and the peer connection and stops every
// track of the media stream handed to Start. An in-flight negotiation is
// abandoned without reporting an error.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pc, dc, stream := s.pc, s.dc, s.stream
	s.pc, s.dc, s.stream, s.gates = nil, nil, nil, nil
	s.mu.Unlock()

	s.cancel(shared.ErrSessionStopped)

	var errs []error
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing data channel: %w", err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing peer connection: %w", err))
		}
	}
	if stream != nil {
		for _, t := range stream.Tracks() {
			if err := t.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stopping track %s: %w", t.ID(), err))
			}
		}
	}
	s.logger.Info("session stopped")
	return errors.Join(errs...)
}

// Mute disables (true) or re-enables (false) every outbound track without
// renegotiating. It may be called before Start. Inbound audio is
// unaffected.
func (s *Session) Mute(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	for _, g := range s.gates {
		g.SetEnabled(!muted)
	}
	s.logger.Debug("mute toggled", zap.Bool("muted", muted))
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SendMessage writes v as a JSON text frame on the control channel. It
// returns shared.ErrChannelNotOpen, and sends nothing, unless the channel is
// open.
func (s *Session) SendMessage(v any) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return shared.ErrChannelNotOpen
	}
	b, err := sonic.MarshalString(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if err := dc.SendText(b); err != nil {
		return &shared.TransportError{Op: "sending message", Err: err}
	}
	return nil
}

func (s *Session) Send(e *ClientEvent) error {
	if e == nil {
		return errors.New("event is nil")
	}
	return s.SendMessage(e)
}

func (s *Session) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteDescription is the SDP answer applied by Start, or "".
func (s *Session) RemoteDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSDP
}

// LocalDescription is the gathered SDP offer sent during Start, or "".
func (s *Session) LocalDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSDP
}

func (s *Session) Provider() shared.Provider {
	return s.provider
}

func (s *Session) Kind() shared.SessionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Done is closed once the session is stopped or its peer connection fails
// or closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) closeQuietly(pc *webrtc.PeerConnection) {
	if err := pc.Close(); err != nil {
		s.logger.Warn("closing peer connection failed", zap.Error(err))
	}
}

// drainRTCP reads until the sender is closed so interceptors keep running.
func drainRTCP(rtpSender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := rtpSender.Read(buf); err != nil {
			return
		}
	}
}
