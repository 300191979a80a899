package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
)

// endpoint wraps the PeerConnection facing one browser. Local candidates
// are held back until GatherCandidates, as with a Kurento endpoint.
type endpoint struct {
	id     string
	pc     *webrtc.PeerConnection
	events *core.EventBuffer
	logger zerolog.Logger

	mu        sync.Mutex
	gathering bool
	held      []webrtc.ICECandidateInit
	sink      *recorder
	flowing   map[domain.MediaKind]bool
	closed    bool
}

func newEndpoint(pc *webrtc.PeerConnection) (*endpoint, error) {
	e := &endpoint{
		id:      uuid.NewString(),
		pc:      pc,
		events:  core.NewEventBuffer(),
		flowing: make(map[domain.MediaKind]bool, 2),
	}
	e.logger = log.With().Str("module", "rtc").Str("endpoint", e.id).Logger()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			e.events.Close()
			return nil, err
		}
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			e.events.Push(core.MediaEvent{Type: core.EventError, Err: errors.New("peer connection failed")})
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.gathering {
			e.held = append(e.held, cand.ToJSON())
			return
		}
		e.events.Push(core.MediaEvent{Type: core.EventCandidate, Candidate: cand.ToJSON()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		go e.readTrack(track)
	})
	return e, nil
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return e.pc.LocalDescription().SDP, nil
}

// GatherCandidates releases the candidates found so far and forwards later
// ones as they come.
func (e *endpoint) GatherCandidates(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gathering {
		return nil
	}
	e.gathering = true
	for _, c := range e.held {
		e.events.Push(core.MediaEvent{Type: core.EventCandidate, Candidate: c})
	}
	e.held = nil
	return nil
}

func (e *endpoint) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(c)
}

// Connect routes received media into sink, which must be a recorder of the
// same engine.
func (e *endpoint) Connect(ctx context.Context, sink core.MediaElement) error {
	r, ok := sink.(*recorder)
	if !ok {
		return fmt.Errorf("cannot connect %T to a webrtc endpoint", sink)
	}
	e.mu.Lock()
	e.sink = r
	e.mu.Unlock()
	return nil
}

func (e *endpoint) Events() <-chan core.MediaEvent { return e.events.C() }

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.sink = nil
	e.mu.Unlock()

	err := e.pc.Close()
	e.events.Close()
	if err != nil {
		e.logger.Error().Err(err).Msg("close error")
		return err
	}
	e.logger.Info().Msg("closed")
	return nil
}

func (e *endpoint) readTrack(track *webrtc.TrackRemote) {
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			e.logger.Debug().Err(err).Str("kind", string(kind)).Msg("track ended")
			return
		}
		if sink := e.onPacket(kind); sink != nil {
			sink.push(kind, pkt)
		}
	}
}

// onPacket reports the first packet of each kind as flowing media and
// returns the current sink.
func (e *endpoint) onPacket(kind domain.MediaKind) *recorder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if !e.flowing[kind] {
		e.flowing[kind] = true
		e.events.Push(core.MediaEvent{Type: core.EventMediaFlowing, Kind: kind})
	}
	return e.sink
}
