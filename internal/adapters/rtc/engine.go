// Package rtc is the in-process media engine: pion terminates the browser's
// PeerConnection and a webm recorder writes the received tracks to disk.
package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/Recorder/internal/core"
)

var errEngineClosed = errors.New("media engine closed")

type EngineConfig struct {
	ICEServers []string
	// Fs is where recorders write; it must be the filesystem the recording
	// pipeline reads finished files from.
	Fs afero.Fs
}

func DefaultWebRTCConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// Engine creates pion pipelines. Only Opus and VP8 are negotiated, the
// codecs the webm recorder can mux.
type Engine struct {
	api    *webrtc.API
	rtcCfg webrtc.Configuration
	fs     afero.Fs

	mu        sync.Mutex
	pipelines map[string]*pipeline
	closed    bool
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Engine{
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
		rtcCfg:    DefaultWebRTCConfig(cfg.ICEServers),
		fs:        fs,
		pipelines: make(map[string]*pipeline),
	}, nil
}

func (e *Engine) CreatePipeline(ctx context.Context) (core.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	p := &pipeline{id: uuid.NewString(), engine: e}
	e.pipelines[p.id] = p
	log.Debug().Str("module", "rtc").Str("pipeline", p.id).Msg("pipeline created")
	return p, nil
}

// Close releases every pipeline still alive.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	pipes := make([]*pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		pipes = append(pipes, p)
	}
	e.mu.Unlock()

	var errs []error
	for _, p := range pipes {
		errs = append(errs, p.Release(context.Background()))
	}
	return errors.Join(errs...)
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.pipelines, id)
	e.mu.Unlock()
}

type pipeline struct {
	id     string
	engine *Engine

	mu        sync.Mutex
	endpoints []*endpoint
	recorders []*recorder
	released  bool
}

func (p *pipeline) ID() string { return p.id }

func (p *pipeline) CreateRecorder(ctx context.Context, uri string) (core.Recorder, error) {
	path, err := pathFromURI(uri)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, errEngineClosed
	}
	r := newRecorder(p.engine.fs, path)
	p.recorders = append(p.recorders, r)
	return r, nil
}

func (p *pipeline) CreateWebRtcEndpoint(ctx context.Context) (core.WebRtcEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, errEngineClosed
	}
	pc, err := p.engine.api.NewPeerConnection(p.engine.rtcCfg)
	if err != nil {
		return nil, err
	}
	ep, err := newEndpoint(pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

func (p *pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	eps, recs := p.endpoints, p.recorders
	p.endpoints, p.recorders = nil, nil
	p.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		errs = append(errs, ep.Close())
	}
	for _, r := range recs {
		errs = append(errs, r.Stop(ctx))
	}
	p.engine.forget(p.id)
	log.Debug().Str("module", "rtc").Str("pipeline", p.id).Msg("pipeline released")
	return errors.Join(errs...)
}
