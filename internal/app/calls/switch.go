// Package calls matches two named sessions into a call and relays their
// signaling messages verbatim.
package calls

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
	"github.com/dkeye/Recorder/internal/metrics"
	"github.com/dkeye/Recorder/internal/protocol"
)

// Switch never touches another session's negotiation state; it only
// queues frames on the peer's outbound channel.
type Switch struct {
	reg     app.Registry
	limiter *RateLimiter
}

// NewSwitch returns a switch over reg. A nil limiter allows every attempt.
func NewSwitch(reg app.Registry, limiter *RateLimiter) *Switch {
	return &Switch{reg: reg, limiter: limiter}
}

// Register binds name to s, acknowledges it and re-evaluates pending calls.
func (sw *Switch) Register(s *app.Session, name string) error {
	if !sw.limiter.Allow(s.ID) {
		return domain.Protocol(fmt.Errorf("register %q: %w", name, domain.ErrRateLimited))
	}
	if err := sw.reg.BindName(s.ID, name); err != nil {
		return domain.Protocol(fmt.Errorf("register %q: %w", name, err))
	}
	s.RecordEvent("registered")
	if err := s.Send(protocol.NewRegisterSuccess(name)); err != nil {
		log.Warn().Err(err).Str("module", "calls").Str("sid", string(s.ID)).Msg("send registerSuccess")
	}
	sw.ConnectIfReady()
	return nil
}

// PlaceCall creates a call from the caller's registered name to callee.
// The callee does not have to be online yet.
func (sw *Switch) PlaceCall(caller *app.Session, callee string) error {
	name := caller.Name()
	if name == "" {
		return domain.Protocol(domain.ErrNotRegistered)
	}
	if !sw.limiter.Allow(caller.ID) {
		return domain.Protocol(fmt.Errorf("call %q: %w", callee, domain.ErrRateLimited))
	}
	if err := domain.ValidateName(callee); err != nil {
		return domain.Protocol(fmt.Errorf("call %q: %w", callee, err))
	}
	if callee == name {
		return domain.Protocol(errors.New("cannot call yourself"))
	}
	if _, err := sw.reg.PlaceCall(name, callee); err != nil {
		return domain.Protocol(fmt.Errorf("call %q: %w", callee, err))
	}
	caller.RecordEvent("callPlaced")
	sw.ConnectIfReady()
	return nil
}

// ConnectIfReady notifies both parties of every call that just became
// connected. A call is announced once.
func (sw *Switch) ConnectIfReady() int {
	ready := sw.reg.ConnectReady()
	for _, c := range ready {
		msg := protocol.NewCallConnected(c.Caller, c.Callee)
		for _, name := range []string{c.Caller, c.Callee} {
			sw.deliver(name, msg)
		}
		metrics.CallsConnected.Inc()
	}
	return len(ready)
}

// Relay forwards payload untouched to the other party of from's call. The
// relay flag must match from's role in the call.
func (sw *Switch) Relay(from *app.Session, kind protocol.Kind, flag protocol.Relay, payload []byte) error {
	name := from.Name()
	if name == "" {
		return domain.Protocol(domain.ErrNotRegistered)
	}
	c, ok := sw.reg.CallOf(name)
	if !ok || !c.Connected {
		return domain.Protocol(fmt.Errorf("relay %s from %q: %w", kind, name, domain.ErrNoCall))
	}
	if (flag.RelayToCallee && name != c.Caller) || (flag.RelayToCaller && name != c.Callee) {
		return domain.Protocol(fmt.Errorf("relay %s from %q: %w", kind, name, domain.ErrRelayDirection))
	}
	peer, ok := sw.reg.Lookup(c.Peer(name))
	if !ok {
		return domain.Protocol(fmt.Errorf("relay %s from %q: peer gone: %w", kind, name, domain.ErrNoCall))
	}
	if err := peer.Signal.TrySend(core.Frame(payload)); err != nil {
		return fmt.Errorf("relay %s to %q: %w", kind, c.Peer(name), err)
	}
	metrics.RelayedMessages.WithLabelValues(string(kind)).Inc()
	return nil
}

// Hangup ends the call of s, if any, and tells the peer.
func (sw *Switch) Hangup(s *app.Session) {
	name := s.Name()
	if name == "" {
		return
	}
	c, ok := sw.reg.EndCall(name)
	if !ok {
		return
	}
	s.RecordEvent("hangup")
	sw.deliver(c.Peer(name), protocol.NewHangup())
}

// Disconnect tears down the call of a leaving session and frees its name.
func (sw *Switch) Disconnect(s *app.Session) {
	sw.Hangup(s)
	sw.reg.UnbindName(s.ID)
	sw.limiter.Forget(s.ID)
}

func (sw *Switch) deliver(name string, v any) {
	peer, ok := sw.reg.Lookup(name)
	if !ok {
		return
	}
	if err := peer.Send(v); err != nil {
		log.Warn().Err(err).Str("module", "calls").Str("name", name).Msg("deliver")
	}
}
