package tools

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameReader struct {
	frames   []mediadevices.EncodedBuffer
	released int
	closed   bool
}

func (r *frameReader) Read() (mediadevices.EncodedBuffer, func(), error) {
	if len(r.frames) == 0 {
		return mediadevices.EncodedBuffer{}, nil, io.EOF
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, func() { r.released++ }, nil
}

func (r *frameReader) Controller() codec.EncoderController {
	return nil
}

func (r *frameReader) Close() error {
	r.closed = true
	return nil
}

type frameSource struct {
	reader *frameReader
	codec  string
}

func (s *frameSource) NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error) {
	s.codec = codecName
	return s.reader, nil
}

type sampleSink struct {
	samples []media.Sample
}

func (s *sampleSink) WriteSample(sample media.Sample) error {
	s.samples = append(s.samples, sample)
	return nil
}

func (s *sampleSink) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func TestStreamLocalAudio(t *testing.T) {
	reader := &frameReader{frames: []mediadevices.EncodedBuffer{
		{Data: []byte{1, 2, 3}, Samples: 960},
		{Data: nil, Samples: 960},
		{Data: []byte{4, 5}, Samples: 0},
		{Data: []byte{6}, Samples: 480},
	}}
	src := &frameSource{reader: reader}
	sink := &sampleSink{}

	err := StreamLocalAudio(context.Background(), shared.NewNopLogger(), sink, src, 20*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, webrtc.MimeTypeOpus, src.codec)
	require.Len(t, sink.samples, 3)
	assert.Equal(t, 20*time.Millisecond, sink.samples[0].Duration)
	assert.Equal(t, 20*time.Millisecond, sink.samples[1].Duration)
	assert.Equal(t, []byte{4, 5}, sink.samples[1].Data)
	assert.Equal(t, 10*time.Millisecond, sink.samples[2].Duration)
	assert.Equal(t, 4, reader.released)
	assert.True(t, reader.closed)
}

func TestStreamLocalAudioStopsOnCancel(t *testing.T) {
	reader := &frameReader{frames: []mediadevices.EncodedBuffer{{Data: []byte{1}, Samples: 960}}}
	sink := &sampleSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := StreamLocalAudio(ctx, shared.NewNopLogger(), sink, &frameSource{reader: reader}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, sink.samples)
	assert.True(t, reader.closed)
}

type packetTrack struct {
	packets []*rtp.Packet
}

func (p *packetTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(p.packets) == 0 {
		return nil, nil, io.EOF
	}
	pkt := p.packets[0]
	p.packets = p.packets[1:]
	return pkt, nil, nil
}

func (p *packetTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}
}

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closingBuffer) Close() error {
	b.closed = true
	return nil
}

func TestRecordRemoteAudio(t *testing.T) {
	track := &packetTrack{}
	for i := 0; i < 3; i++ {
		track.packets = append(track.packets, &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), Timestamp: uint32(i * 960), SSRC: 1},
			Payload: []byte{0xf8, 0xff, 0xfe},
		})
	}
	track.packets = append(track.packets, &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 3}})

	out := &closingBuffer{}
	require.NoError(t, RecordRemoteAudio(context.Background(), shared.NewNopLogger(), track, out))

	assert.True(t, bytes.HasPrefix(out.Bytes(), []byte("OggS")))
	assert.True(t, bytes.Contains(out.Bytes(), []byte("OpusHead")))
	assert.Equal(t, 5, bytes.Count(out.Bytes(), []byte("OggS")))
	assert.True(t, out.closed)
}
