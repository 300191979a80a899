package core

import (
	"context"

	"github.com/dkeye/Recorder/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaEngine creates pipelines on the media server. Implementations talk to
// a remote Kurento server or run the media path in-process.
type MediaEngine interface {
	CreatePipeline(ctx context.Context) (Pipeline, error)
	Close() error
}

// MediaElement is anything that can be the sink of Connect.
type MediaElement interface {
	ID() string
}

// Pipeline owns the elements created in it; Release frees all of them.
type Pipeline interface {
	MediaElement
	CreateRecorder(ctx context.Context, uri string) (Recorder, error)
	CreateWebRtcEndpoint(ctx context.Context) (WebRtcEndpoint, error)
	Release(ctx context.Context) error
}

type WebRtcEndpoint interface {
	MediaElement
	// ProcessOffer applies the remote offer and returns the local answer SDP.
	ProcessOffer(ctx context.Context, offer string) (string, error)
	GatherCandidates(ctx context.Context) error
	AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error
	Connect(ctx context.Context, sink MediaElement) error
	// Events delivers engine-originated events in order. It is closed when
	// the endpoint is released.
	Events() <-chan MediaEvent
}

type RecorderState string

const (
	RecorderStopped  RecorderState = "STOP"
	RecorderStarting RecorderState = "STARTING"
	RecorderRunning  RecorderState = "START"
	RecorderPaused   RecorderState = "PAUSE"
)

type Recorder interface {
	MediaElement
	Record(ctx context.Context) error
	Stop(ctx context.Context) error
	State(ctx context.Context) (RecorderState, error)
}

type MediaEventType int

const (
	EventCandidate MediaEventType = iota
	EventMediaFlowing
	EventError
)

// MediaEvent is an asynchronous notification from the engine.
type MediaEvent struct {
	Type      MediaEventType
	Candidate webrtc.ICECandidateInit
	Kind      domain.MediaKind
	Err       error
}
