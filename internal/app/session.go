package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/Recorder/internal/app/ice"
	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
	"github.com/dkeye/Recorder/internal/protocol"
)

// MediaHandles are the engine objects owned by one session. They are
// attached together, so a session never holds an endpoint without its
// pipeline.
type MediaHandles struct {
	Pipeline core.Pipeline
	Endpoint core.WebRtcEndpoint
	Recorder core.Recorder
}

// Session is the server-side state of one connected client.
type Session struct {
	ID         domain.SessionID
	Seq        uint64
	CreatedAt  time.Time
	Key        string
	Signal     core.SignalConnection
	Candidates *ice.Queue

	now func() time.Time

	mu       sync.RWMutex
	state    domain.State
	name     string
	timeline []domain.TimelineEntry
	media    *MediaHandles
	flowing  map[domain.MediaKind]bool
	status   []byte
	meta     map[string]string
	debugURL string

	cleanupOnce sync.Once
}

func newSession(id domain.SessionID, seq uint64, key string, sig core.SignalConnection, now func() time.Time) *Session {
	return &Session{
		ID:         id,
		Seq:        seq,
		CreatedAt:  now(),
		Key:        key,
		Signal:     sig,
		Candidates: ice.NewQueue(),
		now:        now,
		state:      domain.StateNew,
		flowing:    make(map[domain.MediaKind]bool, 2),
	}
}

func (s *Session) State() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to the next state and records it on the
// timeline. RECORDING is refused while no media handles are attached.
func (s *Session) Transition(to domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.CanTransition(s.state, to) {
		return fmt.Errorf("invalid transition %s -> %s", s.state, to)
	}
	if to == domain.StateRecording && s.media == nil {
		return fmt.Errorf("invalid transition %s -> %s: no pipeline", s.state, to)
	}
	s.state = to
	s.timeline = append(s.timeline, domain.NewTimelineEntry(to.String(), s.CreatedAt, s.now()))
	return nil
}

func (s *Session) RecordEvent(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, domain.NewTimelineEntry(event, s.CreatedAt, s.now()))
}

func (s *Session) Timeline() []domain.TimelineEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TimelineEntry, len(s.timeline))
	copy(out, s.timeline)
	return out
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// AttachMedia stores the engine handles; only one set per session.
func (s *Session) AttachMedia(h *MediaHandles) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media != nil {
		return fmt.Errorf("session %s already has a pipeline", s.ID)
	}
	s.media = h
	return nil
}

func (s *Session) Media() *MediaHandles {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// DetachMedia hands the handles to the caller exactly once.
func (s *Session) DetachMedia() *MediaHandles {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.media
	s.media = nil
	return h
}

// MarkFlowing records inbound flow for kind and reports whether both
// audio and video are now flowing.
func (s *Session) MarkFlowing(kind domain.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowing[kind] = true
	return s.flowing[domain.MediaAudio] && s.flowing[domain.MediaVideo]
}

func (s *Session) SetStatus(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status[:0], raw...)
}

func (s *Session) SetMeta(meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
}

func (s *Session) Meta() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

func (s *Session) DebugURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.debugURL
}

// CleanupOnce runs fn the first time it is called and stores the returned
// diagnostic URL. Later calls return the stored URL.
func (s *Session) CleanupOnce(fn func() string) string {
	s.cleanupOnce.Do(func() {
		url := fn()
		s.mu.Lock()
		s.debugURL = url
		s.mu.Unlock()
	})
	return s.DebugURL()
}

// SessionSnapshot is a read-only view for dumps and the admin API.
type SessionSnapshot struct {
	ID                domain.SessionID       `json:"id"`
	Seq               uint64                 `json:"seq"`
	Name              string                 `json:"name,omitempty"`
	State             domain.State           `json:"state"`
	CreatedAt         time.Time              `json:"createdAt"`
	Key               string                 `json:"key"`
	HasPipeline       bool                   `json:"hasPipeline"`
	AudioFlowing      bool                   `json:"audioFlowing"`
	VideoFlowing      bool                   `json:"videoFlowing"`
	PendingCandidates int                    `json:"pendingCandidates"`
	CandidatesFlushed bool                   `json:"candidatesFlushed"`
	Meta              map[string]string      `json:"meta,omitempty"`
	Timeline          []domain.TimelineEntry `json:"timeline"`
	Status            json.RawMessage        `json:"status,omitempty"`
}

func (s *Session) Snapshot() SessionSnapshot {
	pending, flushed := s.Candidates.Len(), s.Candidates.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := SessionSnapshot{
		ID:                s.ID,
		Seq:               s.Seq,
		Name:              s.name,
		State:             s.state,
		CreatedAt:         s.CreatedAt,
		Key:               s.Key,
		HasPipeline:       s.media != nil,
		AudioFlowing:      s.flowing[domain.MediaAudio],
		VideoFlowing:      s.flowing[domain.MediaVideo],
		PendingCandidates: pending,
		CandidatesFlushed: flushed,
		Meta:              s.meta,
		Timeline:          make([]domain.TimelineEntry, len(s.timeline)),
	}
	copy(snap.Timeline, s.timeline)
	if len(s.status) > 0 {
		snap.Status = append(json.RawMessage(nil), s.status...)
	}
	return snap
}

// Send encodes v and queues it on the session's own outbound channel.
func (s *Session) Send(v any) error {
	if s.Signal == nil {
		return domain.ErrSessionClosed
	}
	f, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return s.Signal.TrySend(f)
}
