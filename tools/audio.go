package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// EncodedSource yields encoded frames; mediadevices.Track satisfies it.
type EncodedSource interface {
	NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error)
}

// SampleWriter is the sending side of a local track;
// *webrtc.TrackLocalStaticSample satisfies it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
	Codec() webrtc.RTPCodecCapability
}

// StreamLocalAudio pumps encoded frames from src into track until ctx is
// done or src is exhausted. Sample durations come from the encoder's sample
// count; fallback is used when it reports none.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track SampleWriter, src EncodedSource, fallback time.Duration) error {
	codec := track.Codec()
	reader, err := src.NewEncodedReader(codec.MimeType)
	if err != nil {
		return fmt.Errorf("creating media track reader: %w", err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("closing media track reader failed", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			logger.Error("reading from media track", err)
			continue
		}
		if len(buf.Data) == 0 {
			release()
			continue
		}
		duration := FrameDuration(int(buf.Samples), int(codec.ClockRate))
		if duration == 0 {
			duration = fallback
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: duration,
		})
		release()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			logger.Error("failed to write sample to track", err)
		}
	}
}

// RTPReader is the receiving side of a remote track; *webrtc.TrackRemote
// satisfies it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Codec() webrtc.RTPCodecParameters
}

// RecordRemoteAudio writes the remote Opus track into w as an Ogg stream
// until the track ends or ctx is done. w is closed on return if it is an
// io.Closer.
func RecordRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track RTPReader, w io.Writer) error {
	var (
		codec      = track.Codec()
		sampleRate = codec.ClockRate
		channels   = codec.Channels
	)
	if sampleRate == 0 {
		sampleRate = 48000
	}
	if channels == 0 {
		channels = 2
	}
	logger.Info("recording remote audio",
		zap.String("codec", codec.MimeType),
		zap.Uint32("sampleRate", sampleRate),
		zap.Uint16("channels", channels),
	)
	ogg, err := oggwriter.NewWith(w, sampleRate, channels)
	if err != nil {
		return fmt.Errorf("creating ogg writer: %w", err)
	}
	defer func() {
		if err := ogg.Close(); err != nil {
			logger.Warn("closing ogg writer failed", zap.Error(err))
		}
	}()

	packets := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("remote track ended", zap.Int("packets", packets))
				return nil
			}
			return fmt.Errorf("reading RTP packet: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if err := ogg.WriteRTP(pkt); err != nil {
			return fmt.Errorf("writing RTP packet: %w", err)
		}
		packets++
	}
}
