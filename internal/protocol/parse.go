package protocol

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/dkeye/Recorder/internal/domain"
)

// Envelope is a parsed and validated client message. Raw keeps the exact
// bytes for verbatim relay and for echoing in error replies.
type Envelope struct {
	ID  Kind
	Raw json.RawMessage
	Msg Inbound
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse decodes the envelope, then the payload for its kind, and validates
// it. Every failure is a protocol error.
func Parse(data []byte) (Envelope, error) {
	var head struct {
		ID Kind `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, domain.Protocol(fmt.Errorf("bad json: %w", err))
	}
	env := Envelope{ID: head.ID, Raw: append(json.RawMessage(nil), data...)}

	var msg Inbound
	switch head.ID {
	case KindStart:
		msg = &Start{}
	case KindOnIceCandidate:
		msg = &OnIceCandidate{}
	case KindStatus:
		msg = &Status{}
	case KindStop:
		msg = &Stop{}
	case KindRegister:
		msg = &Register{}
	case KindCall:
		msg = &Call{}
	case KindOffer:
		msg = &Offer{}
	case KindAnswer:
		msg = &Answer{}
	case KindHangup:
		msg = &Hangup{}
	case KindPing:
		msg = &Ping{}
	default:
		return env, domain.Protocol(fmt.Errorf("%w %q", domain.ErrUnknownMessage, head.ID))
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return env, domain.Protocol(fmt.Errorf("bad %s payload: %w", head.ID, err))
	}
	if err := validate.Struct(msg); err != nil {
		return env, domain.Protocol(fmt.Errorf("invalid %s: %w", head.ID, err))
	}
	if err := checkRelay(msg); err != nil {
		return env, domain.Protocol(fmt.Errorf("invalid %s: %w", head.ID, err))
	}
	env.Msg = deref(msg)
	return env, nil
}

func checkRelay(msg Inbound) error {
	var r Relay
	required := false
	switch m := msg.(type) {
	case *OnIceCandidate:
		r = m.Relay
	case *Offer:
		r, required = m.Relay, true
	case *Answer:
		r, required = m.Relay, true
	default:
		return nil
	}
	if r.RelayToCaller && r.RelayToCallee {
		return fmt.Errorf("relayToCaller and relayToCallee are exclusive")
	}
	if required && !r.Relayed() {
		return fmt.Errorf("missing relay flag")
	}
	return nil
}

func deref(msg Inbound) Inbound {
	switch m := msg.(type) {
	case *Start:
		return *m
	case *OnIceCandidate:
		return *m
	case *Status:
		return *m
	case *Stop:
		return *m
	case *Register:
		return *m
	case *Call:
		return *m
	case *Offer:
		return *m
	case *Answer:
		return *m
	case *Hangup:
		return *m
	case *Ping:
		return *m
	}
	return msg
}
