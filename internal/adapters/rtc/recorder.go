package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
)

const maxLate = 64

func pathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("recorder uri: %w", err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("recorder uri %q: only file:// is supported", uri)
	}
	return u.Path, nil
}

// recorder muxes Opus and VP8 into a webm file. The file is created on the
// first video keyframe, which is when the state turns START.
type recorder struct {
	id   string
	fs   afero.Fs
	path string

	mu             sync.Mutex
	state          core.RecorderState
	audioBuilder   *samplebuilder.SampleBuilder
	videoBuilder   *samplebuilder.SampleBuilder
	audioWriter    webm.BlockWriteCloser
	videoWriter    webm.BlockWriteCloser
	audioTimestamp time.Duration
	videoTimestamp time.Duration
	writeErr       error
}

func newRecorder(fs afero.Fs, path string) *recorder {
	return &recorder{
		id:    uuid.NewString(),
		fs:    fs,
		path:  path,
		state: core.RecorderStopped,
	}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Record(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.RecorderStopped {
		return nil
	}
	r.audioBuilder = samplebuilder.New(maxLate, &codecs.OpusPacket{}, 48000)
	r.videoBuilder = samplebuilder.New(maxLate, &codecs.VP8Packet{}, 90000)
	r.state = core.RecorderStarting
	return nil
}

func (r *recorder) State(ctx context.Context) (core.RecorderState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.writeErr
}

func (r *recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = core.RecorderStopped
	r.audioBuilder, r.videoBuilder = nil, nil

	var errs []error
	if r.audioWriter != nil {
		errs = append(errs, r.audioWriter.Close())
	}
	if r.videoWriter != nil {
		errs = append(errs, r.videoWriter.Close())
	}
	r.audioWriter, r.videoWriter = nil, nil
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Debug().Str("module", "rtc").Str("recorder", r.id).Str("path", r.path).Msg("recorder stopped")
	return nil
}

func (r *recorder) push(kind domain.MediaKind, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == core.RecorderStopped || r.writeErr != nil {
		return
	}
	if kind == domain.MediaAudio {
		r.pushOpus(pkt)
	} else {
		r.pushVP8(pkt)
	}
	if r.writeErr != nil {
		log.Error().Err(r.writeErr).Str("module", "rtc").Str("recorder", r.id).Msg("write webm")
	}
}

func (r *recorder) pushOpus(pkt *rtp.Packet) {
	r.audioBuilder.Push(pkt)
	for {
		sample := r.audioBuilder.Pop()
		if sample == nil {
			return
		}
		if r.audioWriter == nil {
			continue
		}
		r.audioTimestamp += sample.Duration
		if _, err := r.audioWriter.Write(true, int64(r.audioTimestamp/time.Millisecond), sample.Data); err != nil {
			r.writeErr = err
			return
		}
	}
}

func (r *recorder) pushVP8(pkt *rtp.Packet) {
	r.videoBuilder.Push(pkt)
	for {
		sample := r.videoBuilder.Pop()
		if sample == nil {
			return
		}
		keyframe := len(sample.Data) > 0 && sample.Data[0]&0x1 == 0
		if keyframe && r.videoWriter == nil && len(sample.Data) >= 10 {
			// VP8 keyframe header carries the frame size.
			raw := uint(sample.Data[6]) | uint(sample.Data[7])<<8 | uint(sample.Data[8])<<16 | uint(sample.Data[9])<<24
			if err := r.open(int(raw&0x3FFF), int((raw>>16)&0x3FFF)); err != nil {
				r.writeErr = err
				return
			}
		}
		if r.videoWriter == nil {
			continue
		}
		r.videoTimestamp += sample.Duration
		if _, err := r.videoWriter.Write(keyframe, int64(r.videoTimestamp/time.Millisecond), sample.Data); err != nil {
			r.writeErr = err
			return
		}
	}
}

func (r *recorder) open(width, height int) error {
	f, err := r.fs.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	ws, err := webm.NewSimpleBlockWriter(f, []webm.TrackEntry{
		{
			Name:            "Audio",
			TrackNumber:     1,
			TrackUID:        12345,
			CodecID:         "A_OPUS",
			TrackType:       2,
			DefaultDuration: 20000000,
			Audio: &webm.Audio{
				SamplingFrequency: 48000.0,
				Channels:          2,
			},
		}, {
			Name:            "Video",
			TrackNumber:     2,
			TrackUID:        67890,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: 33333333,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
	})
	if err != nil {
		_ = f.Close()
		return err
	}
	r.audioWriter, r.videoWriter = ws[0], ws[1]
	r.state = core.RecorderRunning
	log.Info().Str("module", "rtc").Str("recorder", r.id).Int("width", width).Int("height", height).Msg("recording to " + r.path)
	return nil
}
