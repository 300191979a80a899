// Package pipeline sequences media engine calls for one recording: pipeline
// creation, offer processing, recorder start and the final upload.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
	"github.com/dkeye/Recorder/internal/metrics"
)

type Config struct {
	// RecordingsPath is where this process reads finished recordings.
	RecordingsPath string
	// URIBase is the same directory as seen by the media engine.
	URIBase          string
	MinArtifactBytes int64
	PollInterval     time.Duration
	PollTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecordingsPath:   "/tmp/kurento",
		URIBase:          "file:///tmp/kurento",
		MinArtifactBytes: 1024,
		PollInterval:     200 * time.Millisecond,
		PollTimeout:      10 * time.Second,
	}
}

// Artifact is a stored recording.
type Artifact struct {
	core.StoredObject
}

type Orchestrator struct {
	engine core.MediaEngine
	store  core.BlobStore
	fs     afero.Fs
	cfg    Config
}

func New(engine core.MediaEngine, store core.BlobStore, fs afero.Fs, cfg Config) *Orchestrator {
	return &Orchestrator{engine: engine, store: store, fs: fs, cfg: cfg}
}

func (o *Orchestrator) RecorderURI(key string) string {
	return strings.TrimSuffix(o.cfg.URIBase, "/") + "/" + key
}

func (o *Orchestrator) recordingPath(key string) string {
	return filepath.Join(o.cfg.RecordingsPath, filepath.FromSlash(key))
}

// Initiate builds the pipeline for s and turns the remote offer into the
// local answer. Candidate gathering has begun when it returns. On failure
// the pipeline is released before returning.
func (o *Orchestrator) Initiate(ctx context.Context, s *app.Session, offer string) (answer string, err error) {
	logger := log.With().Str("module", "pipeline").Str("sid", string(s.ID)).Logger()

	if err := o.fs.MkdirAll(filepath.Dir(o.recordingPath(s.Key)), 0o755); err != nil {
		logger.Warn().Err(err).Msg("create recordings dir")
	}

	p, err := o.engine.CreatePipeline(ctx)
	if err != nil {
		return "", domain.Negotiation(errors.Wrap(err, "create pipeline"))
	}
	s.RecordEvent("pipelineCreated")
	attached := false
	defer func() {
		if err != nil {
			if attached {
				s.DetachMedia()
			}
			if rerr := p.Release(context.WithoutCancel(ctx)); rerr != nil {
				logger.Error().Err(rerr).Msg("release pipeline after failed initiate")
			}
		}
	}()

	rec, err := p.CreateRecorder(ctx, o.RecorderURI(s.Key))
	if err != nil {
		return "", domain.Negotiation(errors.Wrap(err, "create recorder"))
	}
	ep, err := p.CreateWebRtcEndpoint(ctx)
	if err != nil {
		return "", domain.Negotiation(errors.Wrap(err, "create webrtc endpoint"))
	}
	if err := s.AttachMedia(&app.MediaHandles{Pipeline: p, Endpoint: ep, Recorder: rec}); err != nil {
		return "", domain.Protocol(domain.ErrAlreadyStarted)
	}
	attached = true

	answer, err = ep.ProcessOffer(ctx, offer)
	if err != nil {
		return "", domain.Negotiation(errors.Wrap(err, "process offer"))
	}
	s.RecordEvent("offerProcessed")
	if err := ep.GatherCandidates(ctx); err != nil {
		return "", domain.Negotiation(errors.Wrap(err, "gather candidates"))
	}
	logger.Info().Str("pipeline", p.ID()).Msg("pipeline initiated")
	return answer, nil
}

// ApplyCandidate returns the applier bound to the session endpoint.
func (o *Orchestrator) ApplyCandidate(ctx context.Context, s *app.Session) func(webrtc.ICECandidateInit) error {
	return func(c webrtc.ICECandidateInit) error {
		h := s.Media()
		if h == nil {
			return domain.ErrSessionClosed
		}
		return h.Endpoint.AddICECandidate(ctx, c)
	}
}

// ConfirmMediaFlowing marks kind as flowing and reports whether the
// recorder may start.
func (o *Orchestrator) ConfirmMediaFlowing(s *app.Session, kind domain.MediaKind) bool {
	s.RecordEvent("mediaFlowing" + string(kind))
	return s.MarkFlowing(kind)
}

// StartRecording connects the endpoint to the recorder, starts it and polls
// its state at a fixed interval until it runs or PollTimeout elapses.
func (o *Orchestrator) StartRecording(ctx context.Context, s *app.Session) error {
	h := s.Media()
	if h == nil {
		return domain.ErrSessionClosed
	}
	if err := h.Endpoint.Connect(ctx, h.Recorder); err != nil {
		return domain.Negotiation(errors.Wrap(err, "connect recorder"))
	}
	if err := h.Recorder.Record(ctx); err != nil {
		return domain.Negotiation(errors.Wrap(err, "record"))
	}
	s.RecordEvent("recordRequested")

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	polls := 0
	for {
		state, err := h.Recorder.State(ctx)
		polls++
		if err == nil && state == core.RecorderRunning {
			s.RecordEvent(fmt.Sprintf("recorderRunning(polls=%d)", polls))
			metrics.RecordingStartSeconds.Observe(time.Since(s.CreatedAt).Seconds())
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "pipeline").Str("sid", string(s.ID)).Msg("poll recorder state")
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return domain.MediaTimeout(fmt.Errorf("recorder not running after %s", o.cfg.PollTimeout))
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release stops the recorder and frees the pipeline. It is safe to call
// any number of times; only the first call touches the engine.
func (o *Orchestrator) Release(ctx context.Context, s *app.Session) error {
	s.Candidates.Reset()
	h := s.DetachMedia()
	if h == nil {
		return nil
	}
	logger := log.With().Str("module", "pipeline").Str("sid", string(s.ID)).Logger()
	if err := h.Recorder.Stop(ctx); err != nil {
		logger.Debug().Err(err).Msg("stop recorder")
	}
	if err := h.Pipeline.Release(ctx); err != nil {
		return errors.Wrap(err, "release pipeline")
	}
	s.RecordEvent("pipelineReleased")
	logger.Info().Msg("pipeline released")
	return nil
}

// Finalize stops and releases the pipeline, then uploads the recorded file.
// The local file is removed only after a successful upload.
func (o *Orchestrator) Finalize(ctx context.Context, s *app.Session) (Artifact, error) {
	if err := o.Release(ctx, s); err != nil {
		log.Error().Err(err).Str("module", "pipeline").Str("sid", string(s.ID)).Msg("release before finalize")
	}

	p := o.recordingPath(s.Key)
	data, err := afero.ReadFile(o.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, domain.EmptyArtifact(fmt.Errorf("no recording at %s", p))
		}
		return Artifact{}, domain.Storage(errors.Wrap(err, "read recording"))
	}
	s.RecordEvent("recordingRead")

	obj, err := o.store.Store(ctx, data, s.Key, s.Meta())
	if err != nil {
		return Artifact{}, domain.Storage(errors.Wrap(err, "upload recording"))
	}
	s.RecordEvent("recordingUploaded")
	if obj.Size < o.cfg.MinArtifactBytes {
		return Artifact{}, domain.EmptyArtifact(fmt.Errorf("recording is %d bytes, no frames captured", obj.Size))
	}
	metrics.ArtifactBytes.Observe(float64(obj.Size))

	if err := o.fs.Remove(p); err != nil {
		log.Warn().Err(err).Str("module", "pipeline").Str("sid", string(s.ID)).Msg("remove local recording")
	}
	return Artifact{StoredObject: obj}, nil
}

// UploadDump stores a diagnostic dump next to the artifact namespace.
func (o *Orchestrator) UploadDump(ctx context.Context, key string, dump []byte) (core.StoredObject, error) {
	obj, err := o.store.Store(ctx, dump, DebugKey(key), map[string]string{"kind": "debug"})
	if err != nil {
		return core.StoredObject{}, domain.Storage(errors.Wrap(err, "upload dump"))
	}
	return obj, nil
}
