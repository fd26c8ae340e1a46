package realtime

import (
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWriter struct {
	packets int
}

func (w *countingWriter) WriteRTP(*rtp.Header, []byte) (int, error) {
	w.packets++
	return 0, nil
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.packets++
	return len(b), nil
}

type fakeTrackContext struct {
	writer *countingWriter
}

func (c *fakeTrackContext) CodecParameters() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}}
}

func (c *fakeTrackContext) HeaderExtensions() []webrtc.RTPHeaderExtensionParameter { return nil }
func (c *fakeTrackContext) SSRC() webrtc.SSRC                                      { return 1 }
func (c *fakeTrackContext) SSRCRetransmission() webrtc.SSRC                        { return 0 }
func (c *fakeTrackContext) SSRCForwardErrorCorrection() webrtc.SSRC                { return 0 }
func (c *fakeTrackContext) WriteStream() webrtc.TrackLocalWriter                   { return c.writer }
func (c *fakeTrackContext) ID() string                                             { return "ctx-1" }
func (c *fakeTrackContext) RTCPReader() interceptor.RTCPReader                     { return nil }

func TestGatedTrackDropsWhileDisabled(t *testing.T) {
	sample, err := NewOpusTrack("audio", "mic")
	require.NoError(t, err)
	gate := newGatedTrack(sample, true)
	assert.Equal(t, sample.Kind(), gate.Kind())
	assert.Equal(t, "audio", gate.ID())

	writer := &countingWriter{}
	ctx := &fakeTrackContext{writer: writer}
	_, err = gate.Bind(ctx)
	require.NoError(t, err)

	payload := []byte{0xf8, 0xff, 0xfe}
	require.NoError(t, sample.WriteSample(media.Sample{Data: payload, Duration: 20 * time.Millisecond}))
	assert.Equal(t, 1, writer.packets)

	gate.SetEnabled(false)
	require.NoError(t, sample.WriteSample(media.Sample{Data: payload, Duration: 20 * time.Millisecond}))
	assert.Equal(t, 1, writer.packets)

	gate.SetEnabled(true)
	require.NoError(t, sample.WriteSample(media.Sample{Data: payload, Duration: 20 * time.Millisecond}))
	assert.Equal(t, 2, writer.packets)

	require.NoError(t, gate.Unbind(ctx))
}
