package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
)

func TestPathFromURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "file:///tmp/kurento/a.webm", want: "/tmp/kurento/a.webm"},
		{uri: "s3://bucket/a.webm", wantErr: true},
		{uri: "file://", wantErr: true},
		{uri: "::", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := pathFromURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// vp8 builds a one-packet VP8 frame. Keyframes carry a 640x480 header.
func vp8(seq uint16, ts uint32, key bool) *rtp.Packet {
	frame := []byte{0x01, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x80, 0x02, 0xe0, 0x01, 0xaa, 0xbb}
	if key {
		frame[0] = 0x00
	}
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true, SequenceNumber: seq, Timestamp: ts, PayloadType: 96},
		Payload: append([]byte{0x10}, frame...),
	}
}

func TestRecorderWritesAfterKeyframe(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/rec", 0o755))
	r := newRecorder(fs, "/rec/a.webm")

	st, err := r.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.RecorderStopped, st)

	// packets before Record are dropped
	r.push(domain.MediaVideo, vp8(1, 0, true))

	require.NoError(t, r.Record(ctx))
	st, _ = r.State(ctx)
	assert.Equal(t, core.RecorderStarting, st)

	r.push(domain.MediaVideo, vp8(10, 3000, false))
	r.push(domain.MediaVideo, vp8(11, 6000, false))
	st, _ = r.State(ctx)
	assert.Equal(t, core.RecorderStarting, st, "no keyframe yet")
	exists, _ := afero.Exists(fs, "/rec/a.webm")
	assert.False(t, exists)

	r.push(domain.MediaVideo, vp8(12, 9000, true))
	r.push(domain.MediaVideo, vp8(13, 12000, false))
	r.push(domain.MediaVideo, vp8(14, 15000, false))
	st, err = r.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.RecorderRunning, st)

	require.NoError(t, r.Stop(ctx))
	st, _ = r.State(ctx)
	assert.Equal(t, core.RecorderStopped, st)

	info, err := fs.Stat("/rec/a.webm")
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// stopping twice is harmless
	require.NoError(t, r.Stop(ctx))
}

func TestPipelineNegotiatesWithBrowserOffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fs := afero.NewMemMapFs()
	engine, err := NewEngine(EngineConfig{ICEServers: []string{}, Fs: fs})
	require.NoError(t, err)
	defer engine.Close()

	p, err := engine.CreatePipeline(ctx)
	require.NoError(t, err)
	rec, err := p.CreateRecorder(ctx, "file:///rec/a.webm")
	require.NoError(t, err)
	_, err = p.CreateRecorder(ctx, "http://example.com/a.webm")
	assert.Error(t, err)
	ep, err := p.CreateWebRtcEndpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, ep.Connect(ctx, rec))
	assert.Error(t, ep.Connect(ctx, p))

	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer browser.Close()
	_, err = browser.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	require.NoError(t, err)
	_, err = browser.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	require.NoError(t, err)
	offer, err := browser.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, browser.SetLocalDescription(offer))

	answer, err := ep.ProcessOffer(ctx, offer.SDP)
	require.NoError(t, err)
	assert.Contains(t, answer, "m=audio")
	assert.Contains(t, answer, "m=video")
	assert.Contains(t, answer, "a=recvonly")
	require.NoError(t, browser.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}))
	require.NoError(t, ep.GatherCandidates(ctx))

	_, err = ep.ProcessOffer(ctx, "not sdp")
	assert.Error(t, err)

	require.NoError(t, p.Release(ctx))
	require.NoError(t, p.Release(ctx))
	for range ep.Events() {
	}
	_, err = p.CreateWebRtcEndpoint(ctx)
	assert.Error(t, err)
}

func TestEndpointReportsFirstPacketPerKind(t *testing.T) {
	engine, err := NewEngine(EngineConfig{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	defer engine.Close()
	p, err := engine.CreatePipeline(context.Background())
	require.NoError(t, err)
	el, err := p.CreateWebRtcEndpoint(context.Background())
	require.NoError(t, err)
	ep := el.(*endpoint)

	ep.onPacket(domain.MediaVideo)
	ep.onPacket(domain.MediaVideo)
	ep.onPacket(domain.MediaAudio)

	var kinds []domain.MediaKind
	for len(kinds) < 2 {
		select {
		case ev := <-ep.Events():
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("no flowing event")
		}
	}
	assert.Equal(t, []domain.MediaKind{domain.MediaVideo, domain.MediaAudio}, kinds)
	select {
	case ev := <-ep.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
