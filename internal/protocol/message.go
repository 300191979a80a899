// Package protocol defines the JSON messages exchanged with browser clients.
// Every message is an object tagged by its "id" field.
package protocol

import (
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
)

type Kind string

// Client to server.
const (
	KindStart          Kind = "start"
	KindOnIceCandidate Kind = "onIceCandidate"
	KindStatus         Kind = "status"
	KindStop           Kind = "stop"
	KindRegister       Kind = "register"
	KindCall           Kind = "call"
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindHangup         Kind = "hangup"
	KindPing           Kind = "ping"
)

// Server to client.
const (
	KindStartResponse    Kind = "startResponse"
	KindIceCandidate     Kind = "iceCandidate"
	KindRecordingStarted Kind = "recordingStarted"
	KindUploadSuccess    Kind = "uploadSuccess"
	KindError            Kind = "error"
	KindRegisterSuccess  Kind = "registerSuccess"
	KindCallConnected    Kind = "callConnected"
	KindPong             Kind = "pong"
)

// Inbound is the closed set of client messages.
type Inbound interface {
	Kind() Kind
}

// Relay carries the direction flags of call-path messages.
type Relay struct {
	RelayToCaller bool `json:"relayToCaller,omitempty"`
	RelayToCallee bool `json:"relayToCallee,omitempty"`
}

func (r Relay) Relayed() bool { return r.RelayToCaller || r.RelayToCallee }

type Start struct {
	SDPOffer string `json:"sdpOffer" validate:"required"`
}

type OnIceCandidate struct {
	Relay
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type Status struct {
	Dump json.RawMessage `json:"dump"`
}

type Stop struct {
	Meta    map[string]string `json:"meta" validate:"omitempty,dive,keys,max=128,endkeys,max=1024"`
	PostURL string            `json:"postUrl" validate:"omitempty,url"`
}

type Register struct {
	Name string `json:"name" validate:"required,max=36"`
}

type Call struct {
	Name string `json:"name" validate:"required,max=36"`
}

type Offer struct {
	Relay
	Desc json.RawMessage `json:"desc" validate:"required"`
}

type Answer struct {
	Relay
	Desc json.RawMessage `json:"desc" validate:"required"`
}

type Hangup struct{}

type Ping struct{}

func (Start) Kind() Kind          { return KindStart }
func (OnIceCandidate) Kind() Kind { return KindOnIceCandidate }
func (Status) Kind() Kind         { return KindStatus }
func (Stop) Kind() Kind           { return KindStop }
func (Register) Kind() Kind       { return KindRegister }
func (Call) Kind() Kind           { return KindCall }
func (Offer) Kind() Kind          { return KindOffer }
func (Answer) Kind() Kind         { return KindAnswer }
func (Hangup) Kind() Kind         { return KindHangup }
func (Ping) Kind() Kind           { return KindPing }
