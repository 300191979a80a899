// Package coretest has in-memory fakes of the core interfaces for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/afero"

	"github.com/dkeye/Recorder/internal/core"
)

// Signal records every frame sent to it.
type Signal struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	// Fail makes TrySend return it.
	Fail error
}

func (s *Signal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if s.closed {
		return errors.New("closed")
	}
	s.frames = append(s.frames, append(core.Frame(nil), f...))
	return nil
}

func (s *Signal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Signal) Frames() []core.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Frame(nil), s.frames...)
}

// Messages decodes the frames with the given id.
func (s *Signal) Messages(id string) []map[string]any {
	var out []map[string]any
	for _, f := range s.Frames() {
		var m map[string]any
		if json.Unmarshal(f, &m) != nil {
			continue
		}
		if m["id"] == id {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor polls until a message with id has been sent or timeout elapses.
func (s *Signal) WaitFor(id string, timeout time.Duration) (map[string]any, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msgs := s.Messages(id); len(msgs) > 0 {
			return msgs[0], true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Engine is a scripted media engine. Recorders write RecordBytes bytes to
// their file on Fs when stopped after recording.
type Engine struct {
	Fs          afero.Fs
	Answer      string
	RecordBytes int
	// PollsToRun is how many State calls report STARTING before START.
	PollsToRun int

	FailCreate  error
	FailOffer   error
	FailConnect error

	mu        sync.Mutex
	pipelines []*Pipeline
}

func NewEngine(fs afero.Fs) *Engine {
	return &Engine{Fs: fs, Answer: "A1", RecordBytes: 4096}
}

func (e *Engine) CreatePipeline(ctx context.Context) (core.Pipeline, error) {
	if e.FailCreate != nil {
		return nil, e.FailCreate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &Pipeline{id: fmt.Sprintf("pipeline-%d", len(e.pipelines)+1), engine: e}
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

func (e *Engine) Close() error { return nil }

func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Pipeline(nil), e.pipelines...)
}

// LastEndpoint returns the most recently created endpoint, or nil.
func (e *Engine) LastEndpoint() *Endpoint {
	pipes := e.Pipelines()
	for i := len(pipes) - 1; i >= 0; i-- {
		if ep := pipes[i].Endpoint(); ep != nil {
			return ep
		}
	}
	return nil
}

type Pipeline struct {
	id     string
	engine *Engine

	mu       sync.Mutex
	endpoint *Endpoint
	recorder *Recorder
	released int
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) CreateRecorder(ctx context.Context, uri string) (core.Recorder, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	r := &Recorder{id: p.id + "/recorder", engine: p.engine, path: u.Path, state: core.RecorderStopped}
	p.mu.Lock()
	p.recorder = r
	p.mu.Unlock()
	return r, nil
}

func (p *Pipeline) CreateWebRtcEndpoint(ctx context.Context) (core.WebRtcEndpoint, error) {
	ep := &Endpoint{id: p.id + "/endpoint", engine: p.engine, events: core.NewEventBuffer()}
	p.mu.Lock()
	p.endpoint = ep
	p.mu.Unlock()
	return ep, nil
}

func (p *Pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	p.released++
	ep := p.endpoint
	p.mu.Unlock()
	if ep != nil {
		ep.events.Close()
	}
	return nil
}

func (p *Pipeline) Released() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *Pipeline) Endpoint() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

func (p *Pipeline) Recorder() *Recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recorder
}

type Endpoint struct {
	id     string
	engine *Engine
	events *core.EventBuffer

	mu        sync.Mutex
	offer     string
	gathering bool
	applied   []webrtc.ICECandidateInit
	sink      string
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	if e.engine.FailOffer != nil {
		return "", e.engine.FailOffer
	}
	e.mu.Lock()
	e.offer = offer
	e.mu.Unlock()
	return e.engine.Answer, nil
}

func (e *Endpoint) GatherCandidates(ctx context.Context) error {
	e.mu.Lock()
	e.gathering = true
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, c)
	return nil
}

func (e *Endpoint) Connect(ctx context.Context, sink core.MediaElement) error {
	if e.engine.FailConnect != nil {
		return e.engine.FailConnect
	}
	e.mu.Lock()
	e.sink = sink.ID()
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) Events() <-chan core.MediaEvent { return e.events.C() }

// Emit delivers ev as if the engine raised it.
func (e *Endpoint) Emit(ev core.MediaEvent) { e.events.Push(ev) }

func (e *Endpoint) Offer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offer
}

func (e *Endpoint) Applied() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.applied...)
}

func (e *Endpoint) Sink() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

type Recorder struct {
	id     string
	engine *Engine
	path   string

	mu    sync.Mutex
	state core.RecorderState
	polls int
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Record(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = core.RecorderStarting
	return nil
}

func (r *Recorder) State(ctx context.Context) (core.RecorderState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if r.state == core.RecorderStarting && r.polls > r.engine.PollsToRun {
		r.state = core.RecorderRunning
	}
	return r.state, nil
}

func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == core.RecorderStopped {
		return nil
	}
	r.state = core.RecorderStopped
	return afero.WriteFile(r.engine.Fs, r.path, make([]byte, r.engine.RecordBytes), 0o644)
}

func (r *Recorder) Polls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

// Store keeps blobs in memory.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	// Fail makes Store return it for keys it matches, all keys when
	// FailKey is empty.
	Fail    error
	FailKey string
}

func NewStore() *Store {
	return &Store{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (s *Store) Store(ctx context.Context, data []byte, key string, meta map[string]string) (core.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil && (s.FailKey == "" || s.FailKey == key) {
		return core.StoredObject{}, s.Fail
	}
	s.objects[key] = append([]byte(nil), data...)
	s.meta[key] = meta
	return core.StoredObject{
		Key:       key,
		Size:      int64(len(data)),
		URL:       "mem://" + key,
		SignedURL: "mem://" + key + "?signed",
	}, nil
}

func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

func (s *Store) Meta(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[key]
}

func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// Reporter collects reported errors.
type Reporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *Reporter) Report(err error, tags map[string]string) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *Reporter) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
