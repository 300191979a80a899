// Package domain contains entities without transport, just meta-data and rules.
package domain

import (
	"fmt"
	"time"
)

type SessionID string

// State is the negotiation state of one recording session.
type State int

const (
	StateNew State = iota
	StateOfferReceived
	StateAnswerSent
	StateMediaPending
	StateRecording
	StateStopping
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateNew:           "NEW",
	StateOfferReceived: "OFFER_RECEIVED",
	StateAnswerSent:    "ANSWER_SENT",
	StateMediaPending:  "MEDIA_PENDING",
	StateRecording:     "RECORDING",
	StateStopping:      "STOPPING",
	StateDone:          "DONE",
	StateFailed:        "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Stoppable reports whether a stop request is accepted in this state.
func (s State) Stoppable() bool {
	switch s {
	case StateOfferReceived, StateAnswerSent, StateMediaPending, StateRecording:
		return true
	}
	return false
}

// transitions lists the forward edges; FAILED is reachable from every
// non-terminal state and is handled in CanTransition.
var transitions = map[State][]State{
	StateNew:           {StateOfferReceived},
	StateOfferReceived: {StateAnswerSent, StateStopping},
	StateAnswerSent:    {StateMediaPending, StateStopping},
	StateMediaPending:  {StateRecording, StateStopping},
	StateRecording:     {StateStopping},
	StateStopping:      {StateDone},
}

func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MediaKind is an inbound media type whose flow gates the recorder.
type MediaKind string

const (
	MediaAudio MediaKind = "AUDIO"
	MediaVideo MediaKind = "VIDEO"
)

// TimelineEntry is one diagnostic event with the time elapsed since the
// session was created.
type TimelineEntry struct {
	Event     string `json:"event"`
	ElapsedMS int64  `json:"elapsedMs"`
}

func NewTimelineEntry(event string, start, now time.Time) TimelineEntry {
	return TimelineEntry{Event: event, ElapsedMS: now.Sub(start).Milliseconds()}
}
