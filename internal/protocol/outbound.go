package protocol

import (
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Recorder/internal/core"
)

type StartResponse struct {
	ID        Kind   `json:"id"`
	SDPAnswer string `json:"sdpAnswer"`
}

type IceCandidate struct {
	ID        Kind                    `json:"id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type RecordingStarted struct {
	ID Kind `json:"id"`
}

type UploadPayload struct {
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	SignedURL string `json:"signedUrl"`
	DebugURL  string `json:"debugUrl,omitempty"`
}

type UploadSuccess struct {
	ID      Kind          `json:"id"`
	Payload UploadPayload `json:"payload"`
}

type Error struct {
	ID       Kind            `json:"id"`
	Message  json.RawMessage `json:"message"`
	Error    string          `json:"error"`
	Kind     string          `json:"kind,omitempty"`
	DebugURL string          `json:"debugUrl,omitempty"`
}

type RegisterSuccess struct {
	ID   Kind   `json:"id"`
	Name string `json:"name"`
}

type CallConnected struct {
	ID     Kind   `json:"id"`
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

type Control struct {
	ID Kind `json:"id"`
}

func NewStartResponse(answer string) StartResponse {
	return StartResponse{ID: KindStartResponse, SDPAnswer: answer}
}

func NewIceCandidate(c webrtc.ICECandidateInit) IceCandidate {
	return IceCandidate{ID: KindIceCandidate, Candidate: c}
}

func NewRecordingStarted() RecordingStarted {
	return RecordingStarted{ID: KindRecordingStarted}
}

func NewUploadSuccess(p UploadPayload) UploadSuccess {
	return UploadSuccess{ID: KindUploadSuccess, Payload: p}
}

func NewRegisterSuccess(name string) RegisterSuccess {
	return RegisterSuccess{ID: KindRegisterSuccess, Name: name}
}

func NewCallConnected(caller, callee string) CallConnected {
	return CallConnected{ID: KindCallConnected, Caller: caller, Callee: callee}
}

func NewHangup() Control { return Control{ID: KindHangup} }

func NewPong() Control { return Control{ID: KindPong} }

// Encode marshals an outbound message into a frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
