package realtime

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedTrack wraps the track handed to the peer connection. While disabled,
// packets the source writes are dropped before they reach the transport; the
// binding and the negotiated sender are left untouched.
type gatedTrack struct {
	webrtc.TrackLocal
	enabled atomic.Bool
}

func newGatedTrack(track webrtc.TrackLocal, enabled bool) *gatedTrack {
	g := &gatedTrack{TrackLocal: track}
	g.enabled.Store(enabled)
	return g
}

func (g *gatedTrack) Enabled() bool {
	return g.enabled.Load()
}

func (g *gatedTrack) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return g.TrackLocal.Bind(&gatedContext{TrackLocalContext: ctx, gate: g})
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	return g.TrackLocal.Unbind(&gatedContext{TrackLocalContext: ctx, gate: g})
}

type gatedContext struct {
	webrtc.TrackLocalContext
	gate *gatedTrack
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{TrackLocalWriter: c.TrackLocalContext.WriteStream(), gate: c.gate}
}

type gatedWriter struct {
	webrtc.TrackLocalWriter
	gate *gatedTrack
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.gate.Enabled() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.TrackLocalWriter.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.gate.Enabled() {
		return len(b), nil
	}
	return w.TrackLocalWriter.Write(b)
}
