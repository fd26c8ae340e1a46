package realtime

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTrackStopsOnce(t *testing.T) {
	sample, err := NewOpusTrack("audio", "mic")
	require.NoError(t, err)

	calls := 0
	track := NewLocalTrack(sample, func() error {
		calls++
		return errors.New("device busy")
	})
	assert.False(t, track.Stopped())
	assert.EqualError(t, track.Stop(), "device busy")
	assert.EqualError(t, track.Stop(), "device busy")
	assert.Equal(t, 1, calls)
	assert.True(t, track.Stopped())
}

func TestLocalStreamAudioTracks(t *testing.T) {
	audio, err := NewOpusTrack("audio", "mic")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam")
	require.NoError(t, err)

	stream := NewLocalStream(NewLocalTrack(video, nil), NewLocalTrack(audio, nil))
	assert.Len(t, stream.Tracks(), 2)
	require.Len(t, stream.AudioTracks(), 1)
	assert.Equal(t, "audio", stream.AudioTracks()[0].ID())
	assert.Equal(t, webrtc.MimeTypeOpus, audio.Codec().MimeType)
	assert.EqualValues(t, 48000, audio.Codec().ClockRate)
}
