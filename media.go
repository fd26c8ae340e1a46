package realtime

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is a local media track a Session can send. Stop releases the
// underlying source (microphone, file, generator).
type Track interface {
	webrtc.TrackLocal
	Stop() error
}

// MediaStream is the set of local tracks handed to Start. The Session takes
// ownership: Stop stops every track in it.
type MediaStream interface {
	AudioTracks() []Track
	Tracks() []Track
}

// LocalTrack adapts any webrtc.TrackLocal into a Track.
type LocalTrack struct {
	webrtc.TrackLocal

	once    sync.Once
	stop    func() error
	mu      sync.Mutex
	stopped bool
	err     error
}

var _ Track = (*LocalTrack)(nil)

// NewLocalTrack wraps track; stop, if non-nil, runs once on the first Stop.
func NewLocalTrack(track webrtc.TrackLocal, stop func() error) *LocalTrack {
	return &LocalTrack{TrackLocal: track, stop: stop}
}

func (t *LocalTrack) Stop() error {
	t.once.Do(func() {
		var err error
		if t.stop != nil {
			err = t.stop()
		}
		t.mu.Lock()
		t.stopped = true
		t.err = err
		t.mu.Unlock()
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// LocalStream is an in-memory MediaStream.
type LocalStream struct {
	tracks []Track
}

var _ MediaStream = (*LocalStream)(nil)

func NewLocalStream(tracks ...Track) *LocalStream {
	return &LocalStream{tracks: tracks}
}

func (s *LocalStream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

func (s *LocalStream) AudioTracks() []Track {
	var audio []Track
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			audio = append(audio, t)
		}
	}
	return audio
}

// NewOpusTrack creates the sample track the Session sends microphone audio
// on: Opus, 48kHz, stereo signalling as the realtime endpoint expects.
func NewOpusTrack(id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		id,
		streamID,
	)
}
