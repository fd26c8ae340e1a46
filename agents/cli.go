package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pkg "github.com/bt-bridge/realtime-session"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/tools"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CLIOptions configures a CLIAgent beyond its required arguments.
type CLIOptions struct {
	// Greeting, if set, is sent as the first response's instructions once
	// the control channel opens.
	Greeting string
	// Transcription starts the speech-to-text only variant.
	Transcription bool
	// RecordPath, if set, receives the remote audio as an Ogg/Opus file.
	RecordPath         string
	Provider           shared.Provider
	NegotiationTimeout time.Duration
}

type CLIAgent struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	session  *pkg.Session
	opts     CLIOptions
	micTrack mediadevices.Track

	mu        sync.Mutex
	recording io.WriteCloser
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Spawn opens the microphone and negotiates a session through the broker
// at brokerURL. It returns once negotiation has finished; failures after
// that are printed and end the agent (see Done).
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	brokerURL string,
	cfg any,
	printer *shared.Printer,
	opts CLIOptions,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.opts = opts
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	// Session config
	sessionCfg, err := pkg.NewSessionConfig(cfg)
	if err != nil {
		a.logger.Error("building session config", err)
		return err
	}
	a.println("📋 Session Config\n", 0)
	doc, err := sessionCfg.YAML()
	if err != nil {
		a.logger.Error("rendering session config", err)
		return err
	}
	a.print(doc, 1)

	// Session over the broker
	signaler, err := pkg.NewBrokerSignaler(a.logger, brokerURL)
	if err != nil {
		a.logger.Error("creating broker signaler", err)
		return err
	}
	sessionOpts := []pkg.Option{}
	if opts.Provider != "" {
		sessionOpts = append(sessionOpts, pkg.WithProvider(opts.Provider))
	}
	if opts.NegotiationTimeout > 0 {
		sessionOpts = append(sessionOpts, pkg.WithNegotiationTimeout(opts.NegotiationTimeout))
	}
	a.session, err = pkg.NewSession(a.logger, signaler, sessionOpts...)
	if err != nil {
		a.logger.Error("creating session", err)
		return err
	}

	// Microphone
	a.println("\n\n🎤 Accessing microphone...", 0)
	opusParams, err := opus.NewParams()
	if err != nil {
		a.logger.Error("creating opus params", err)
		return err
	}
	micStream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		a.logger.Error("getting microphone stream", err)
		a.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0)
		return err
	}
	audioTracks := micStream.GetAudioTracks()
	if len(audioTracks) == 0 {
		a.logger.Error("no audio track found in microphone stream", shared.ErrNoAudioTrack)
		a.println("❌ No audio track found in microphone stream.\n", 0)
		return shared.ErrNoAudioTrack
	}
	a.logger.Info("microphone stream obtained successfully")
	a.println("✅ Microphone access granted.\n", 0)

	sample, stream, err := a.localStream(audioTracks[0], opts.RecordPath)
	if err != nil {
		return err
	}

	a.session.Subscribe(pkg.Listener{
		OnConnectionStateChange: a.onConnectionStateChange,
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go a.onTrack(ctx, track)
		},
		OnOpen:  a.onOpen,
		OnEvent: a.onEvent,
		OnError: a.onError,
	})
	go func() {
		select {
		case <-a.session.Done():
		case <-a.done:
		}
		_ = a.Close()
	}()

	// Negotiation
	a.println("🔗 Negotiating session...", 0)
	start := a.session.Start
	if opts.Transcription {
		start = a.session.StartTranscription
	}
	if err := start(ctx, stream, sessionCfg); err != nil {
		a.logger.Error("starting session", err)
		return errors.Join(err, a.Close())
	}

	go func() {
		err := tools.StreamLocalAudio(ctx, a.logger, sample, a.micTrack, time.Duration(opusParams.Latency))
		if err != nil {
			a.logger.Error("streaming microphone audio", err)
		}
	}()
	return nil
}

// localStream wraps mic in the stream handed to the session and opens the
// recording file. mic is closed if either step fails.
func (a *CLIAgent) localStream(mic mediadevices.Track, recordPath string) (*webrtc.TrackLocalStaticSample, *pkg.LocalStream, error) {
	sample, err := pkg.NewOpusTrack("audio", "cli")
	if err != nil {
		a.logger.Error("creating local track", err)
		return nil, nil, errors.Join(err, mic.Close())
	}
	if recordPath != "" {
		f, err := os.Create(recordPath)
		if err != nil {
			a.logger.Error("creating recording file", err)
			return nil, nil, errors.Join(err, mic.Close())
		}
		a.mu.Lock()
		a.recording = f
		a.mu.Unlock()
	}
	a.micTrack = mic
	return sample, pkg.NewLocalStream(pkg.NewLocalTrack(sample, mic.Close)), nil
}

func (a *CLIAgent) onConnectionStateChange(state webrtc.PeerConnectionState) {
	a.logger.Info("connection state changed", zap.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateConnected:
		a.println("✅ Connected.\n", 0)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		a.println(fmt.Sprintf("🔌 Connection %s.\n", state), 0)
	}
}

func (a *CLIAgent) onTrack(ctx context.Context, track *webrtc.TrackRemote) {
	a.logger.Info(
		"received remote track",
		zap.String("kind", track.Kind().String()),
		zap.String("codec", track.Codec().MimeType),
	)
	// the recorder closes w when the track ends
	a.mu.Lock()
	w := a.recording
	a.recording = nil
	a.mu.Unlock()
	if w == nil {
		w = nopWriteCloser{io.Discard}
	}
	if err := tools.RecordRemoteAudio(ctx, a.logger, track, w); err != nil {
		a.logger.Error("recording remote audio", err)
	}
}

func (a *CLIAgent) onOpen() {
	a.println("💬 Control channel open.\n", 0)
	if a.opts.Transcription {
		return
	}
	var response map[string]any
	if a.opts.Greeting != "" {
		response = map[string]any{"instructions": a.opts.Greeting}
	}
	if err := a.session.Send(pkg.NewResponseCreate(response)); err != nil {
		a.logger.Error("sending response.create", err)
	}
}

func (a *CLIAgent) onEvent(e *pkg.ServerEvent) {
	switch p := e.Param.(type) {
	case *pkg.ServerEventParamError:
		a.println("❌ "+p.Message, 1)
	case *pkg.ServerEventParamInputAudioTranscription:
		if e.Type == pkg.ServerEventTypeConversationItemInputAudioTranscriptionCompleted {
			a.println("🧑 "+p.Transcript, 1)
		}
	case *pkg.ServerEventParamContent:
		switch e.Type {
		case pkg.ServerEventTypeResponseOutputAudioTranscriptDone,
			pkg.ServerEventTypeResponseAudioTranscriptDone,
			pkg.ServerEventTypeResponseOutputTextDone,
			pkg.ServerEventTypeResponseTextDone:
			a.println("🤖 "+p.Text, 1)
		}
	case *pkg.ServerEventParamFunctionCall:
		if e.Type == pkg.ServerEventTypeResponseFunctionCallArgumentsDone {
			a.onFunctionCall(p)
		}
	case *pkg.ServerEventParamInputAudioBuffer:
		if e.Type == pkg.ServerEventTypeInputAudioBufferSpeechStarted {
			a.println("🎙️ ...", 1)
		}
	default:
		b, err := e.MarshalYAML()
		if err != nil {
			a.logger.Warn("rendering server event", zap.Error(err))
			return
		}
		a.logger.Debug("server event", zap.String("type", string(e.Type)), zap.ByteString("event", b))
	}
}

// The CLI exposes no tools; any call is answered with an error so the model
// can carry on.
func (a *CLIAgent) onFunctionCall(p *pkg.ServerEventParamFunctionCall) {
	a.println(fmt.Sprintf("🛠️ %s(%s)", p.Name, p.Arguments), 1)
	output := fmt.Sprintf(`{"error":"function %s is not available"}`, p.Name)
	if err := a.session.Send(pkg.NewFunctionCallOutput(p.CallId, output)); err != nil {
		a.logger.Error("sending function call output", err)
		return
	}
	if err := a.session.Send(pkg.NewResponseCreate(nil)); err != nil {
		a.logger.Error("sending response.create", err)
	}
}

func (a *CLIAgent) onError(err error) {
	a.logger.Error("session error", err)
	a.println("❌ "+err.Error()+"\n", 0)
	go func() {
		_ = a.Close()
	}()
}

// Mute toggles the microphone without renegotiating.
func (a *CLIAgent) Mute(muted bool) {
	if a.session != nil {
		a.session.Mute(muted)
	}
}

// Done is closed once the agent has shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.session != nil {
			errs = append(errs, a.session.Stop())
		} else if a.micTrack != nil {
			errs = append(errs, a.micTrack.Close())
		}
		a.mu.Lock()
		if a.recording != nil {
			errs = append(errs, a.recording.Close())
			a.recording = nil
		}
		a.mu.Unlock()
		a.closeErr = errors.Join(errs...)
		close(a.done)
	})
	return a.closeErr
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) print(s string, ind int) {
	if err := a.printer.Write(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
