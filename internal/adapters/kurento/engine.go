package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
)

// Engine implements core.MediaEngine on a media server connection.
type Engine struct {
	client *Client
}

func NewEngine(client *Client) *Engine {
	return &Engine{client: client}
}

func (e *Engine) CreatePipeline(ctx context.Context) (core.Pipeline, error) {
	id, err := e.client.Create(ctx, "MediaPipeline", nil)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", "kurento").Str("pipeline", id).Msg("pipeline created")
	return &pipeline{id: id, client: e.client}, nil
}

func (e *Engine) Close() error { return e.client.Close() }

type pipeline struct {
	id        string
	client    *Client
	endpoints []*endpoint
}

func (p *pipeline) ID() string { return p.id }

func (p *pipeline) CreateRecorder(ctx context.Context, uri string) (core.Recorder, error) {
	id, err := p.client.Create(ctx, "RecorderEndpoint", map[string]any{
		"mediaPipeline": p.id,
		"uri":           uri,
	})
	if err != nil {
		return nil, err
	}
	return &recorder{id: id, client: p.client}, nil
}

func (p *pipeline) CreateWebRtcEndpoint(ctx context.Context) (core.WebRtcEndpoint, error) {
	id, err := p.client.Create(ctx, "WebRtcEndpoint", map[string]any{"mediaPipeline": p.id})
	if err != nil {
		return nil, err
	}
	ep := &endpoint{id: id, client: p.client, events: core.NewEventBuffer()}
	p.client.listen(id, ep.onEvent)
	for _, typ := range []string{"IceCandidateFound", "MediaFlowInStateChange", "Error"} {
		if err := p.client.Subscribe(ctx, id, typ); err != nil {
			ep.close()
			return nil, err
		}
	}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

// Release frees the pipeline and with it every element created in it.
func (p *pipeline) Release(ctx context.Context) error {
	for _, ep := range p.endpoints {
		ep.close()
	}
	p.endpoints = nil
	return p.client.Release(ctx, p.id)
}

type endpoint struct {
	id     string
	client *Client
	events *core.EventBuffer
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	var answer string
	if err := e.client.Invoke(ctx, e.id, "processOffer", map[string]any{"offer": offer}, &answer); err != nil {
		return "", err
	}
	return answer, nil
}

func (e *endpoint) GatherCandidates(ctx context.Context) error {
	return e.client.Invoke(ctx, e.id, "gatherCandidates", nil, nil)
}

type iceCandidate struct {
	Module        string  `json:"__module__,omitempty"`
	Type          string  `json:"__type__,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (e *endpoint) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	return e.client.Invoke(ctx, e.id, "addIceCandidate", map[string]any{
		"candidate": iceCandidate{
			Module:        "kurento",
			Type:          "IceCandidate",
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		},
	}, nil)
}

func (e *endpoint) Connect(ctx context.Context, sink core.MediaElement) error {
	return e.client.Invoke(ctx, e.id, "connect", map[string]any{"sink": sink.ID()}, nil)
}

func (e *endpoint) Events() <-chan core.MediaEvent { return e.events.C() }

func (e *endpoint) close() {
	e.client.unlisten(e.id)
	e.events.Close()
}

func (e *endpoint) onEvent(ev Event) {
	switch ev.Type {
	case "IceCandidateFound":
		var d struct {
			Candidate iceCandidate `json:"candidate"`
		}
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			log.Warn().Err(err).Str("module", "kurento").Msg("bad IceCandidateFound")
			return
		}
		e.events.Push(core.MediaEvent{Type: core.EventCandidate, Candidate: webrtc.ICECandidateInit{
			Candidate:     d.Candidate.Candidate,
			SDPMid:        d.Candidate.SDPMid,
			SDPMLineIndex: d.Candidate.SDPMLineIndex,
		}})
	case "MediaFlowInStateChange":
		var d struct {
			State     string `json:"state"`
			MediaType string `json:"mediaType"`
		}
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			log.Warn().Err(err).Str("module", "kurento").Msg("bad MediaFlowInStateChange")
			return
		}
		if d.State != "FLOWING" {
			return
		}
		kind := domain.MediaKind(d.MediaType)
		if kind != domain.MediaAudio && kind != domain.MediaVideo {
			return
		}
		e.events.Push(core.MediaEvent{Type: core.EventMediaFlowing, Kind: kind})
	case "Error":
		var d struct {
			Description string `json:"description"`
			ErrorCode   int    `json:"errorCode"`
		}
		_ = json.Unmarshal(ev.Data, &d)
		e.events.Push(core.MediaEvent{Type: core.EventError, Err: fmt.Errorf("media server error %d: %s", d.ErrorCode, d.Description)})
	}
}

type recorder struct {
	id     string
	client *Client
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Record(ctx context.Context) error {
	return r.client.Invoke(ctx, r.id, "record", nil, nil)
}

func (r *recorder) Stop(ctx context.Context) error {
	return r.client.Invoke(ctx, r.id, "stop", nil, nil)
}

func (r *recorder) State(ctx context.Context) (core.RecorderState, error) {
	var st string
	if err := r.client.Invoke(ctx, r.id, "getState", nil, &st); err != nil {
		return "", err
	}
	if st == "" {
		return "", errors.New("empty recorder state")
	}
	return core.RecorderState(st), nil
}
