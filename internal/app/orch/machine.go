package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
	"github.com/dkeye/Recorder/internal/metrics"
	"github.com/dkeye/Recorder/internal/protocol"
)

type inbound struct {
	env protocol.Envelope
	err error
}

type opKind int

const (
	opInitiate opKind = iota
	opStartRecording
)

type opResult struct {
	kind   opKind
	answer string
	err    error
}

// machine drives one session. Every inbound message, engine event and
// async result is handled on the run goroutine, one at a time.
type machine struct {
	s       *app.Session
	o       *Orchestrator
	logger  zerolog.Logger
	cancel  context.CancelFunc
	inbox   chan inbound
	results chan opResult
	done    chan struct{}

	ops       sync.WaitGroup
	opCtx     context.Context
	opCancel  context.CancelFunc
	events    <-chan core.MediaEvent
	mediaWait *time.Timer
	requested bool
}

func newMachine(o *Orchestrator, s *app.Session, cancel context.CancelFunc) *machine {
	return &machine{
		s:       s,
		o:       o,
		logger:  log.With().Str("module", "orch").Str("sid", string(s.ID)).Logger(),
		cancel:  cancel,
		inbox:   make(chan inbound, o.cfg.InboxSize),
		results: make(chan opResult, 4),
		done:    make(chan struct{}),
	}
}

func (m *machine) push(in inbound) {
	select {
	case m.inbox <- in:
	case <-m.done:
	}
}

func (m *machine) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.onDisconnect(ctx)
			return
		case in := <-m.inbox:
			m.dispatch(ctx, in)
		case ev, ok := <-m.events:
			if !ok {
				m.events = nil
				continue
			}
			m.guard(ctx, nil, func() error { return m.onMediaEvent(ctx, ev) })
		case r := <-m.results:
			m.guard(ctx, nil, func() error { return m.onResult(ctx, r) })
		case <-m.mediaTimeout():
			m.mediaWait = nil
			m.fail(ctx, nil, domain.MediaTimeout(fmt.Errorf("media not flowing after %s", m.o.cfg.MediaTimeout)))
		}
	}
}

func (m *machine) dispatch(ctx context.Context, in inbound) {
	if in.err != nil {
		m.fail(ctx, in.env.Raw, in.err)
		return
	}
	m.guard(ctx, in.env.Raw, func() error { return m.handle(ctx, in.env) })
}

// guard is the per-message error boundary: nothing escapes to other
// sessions, every error reaches the client.
func (m *machine) guard(ctx context.Context, raw json.RawMessage, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, raw, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		m.fail(ctx, raw, err)
	}
}

func (m *machine) handle(ctx context.Context, env protocol.Envelope) error {
	switch msg := env.Msg.(type) {
	case protocol.Start:
		return m.handleStart(ctx, msg)
	case protocol.OnIceCandidate:
		if msg.Relayed() {
			return m.o.Calls.Relay(m.s, env.ID, msg.Relay, env.Raw)
		}
		return m.handleCandidate(msg)
	case protocol.Status:
		m.s.SetStatus(msg.Dump)
		return nil
	case protocol.Stop:
		return m.handleStop(ctx, msg)
	case protocol.Register:
		return m.o.Calls.Register(m.s, msg.Name)
	case protocol.Call:
		return m.o.Calls.PlaceCall(m.s, msg.Name)
	case protocol.Offer:
		return m.o.Calls.Relay(m.s, env.ID, msg.Relay, env.Raw)
	case protocol.Answer:
		return m.o.Calls.Relay(m.s, env.ID, msg.Relay, env.Raw)
	case protocol.Hangup:
		m.o.Calls.Hangup(m.s)
		return nil
	case protocol.Ping:
		return m.s.Send(protocol.NewPong())
	}
	return domain.Protocol(fmt.Errorf("%w %q", domain.ErrUnknownMessage, env.ID))
}

func (m *machine) transition(to domain.State) error {
	if err := m.s.Transition(to); err != nil {
		return err
	}
	metrics.StateTransitions.WithLabelValues(to.String()).Inc()
	m.logger.Info().Str("state", to.String()).Msg("transition")
	return nil
}

func (m *machine) handleStart(ctx context.Context, msg protocol.Start) error {
	switch st := m.s.State(); {
	case st.Terminal():
		return domain.Protocol(domain.ErrSessionEnded)
	case st != domain.StateNew:
		return domain.Protocol(domain.ErrAlreadyStarted)
	}
	if err := m.transition(domain.StateOfferReceived); err != nil {
		return err
	}
	m.spawn(ctx, opInitiate, func(ctx context.Context) opResult {
		answer, err := m.o.Pipelines.Initiate(ctx, m.s, msg.SDPOffer)
		return opResult{answer: answer, err: err}
	})
	return nil
}

func (m *machine) handleCandidate(msg protocol.OnIceCandidate) error {
	st := m.s.State()
	if st.Terminal() || st == domain.StateStopping {
		m.s.RecordEvent("lateCandidate")
		return nil
	}
	applied, err := m.s.Candidates.Enqueue(msg.Candidate)
	if err != nil {
		m.s.RecordEvent("candidateRejected")
		m.logger.Warn().Err(err).Msg("add ice candidate")
		return nil
	}
	if !applied {
		m.s.RecordEvent("candidateQueued")
	}
	return nil
}

func (m *machine) handleStop(ctx context.Context, msg protocol.Stop) error {
	st := m.s.State()
	switch {
	case st == domain.StateNew:
		return domain.Protocol(domain.ErrNotStarted)
	case !st.Stoppable():
		return domain.Protocol(domain.ErrAlreadyStopping)
	}
	if len(msg.Meta) > 0 {
		m.s.SetMeta(msg.Meta)
	}
	if msg.PostURL != "" {
		m.s.RecordEvent("postUrl")
	}
	m.cancelOps()
	m.stopMediaTimer()
	if err := m.transition(domain.StateStopping); err != nil {
		return err
	}

	art, err := m.o.Pipelines.Finalize(ctx, m.s)
	if err != nil {
		return err
	}
	if err := m.transition(domain.StateDone); err != nil {
		return err
	}
	debugURL := m.o.Cleanup.Run(ctx, m.s, "done")
	return m.s.Send(protocol.NewUploadSuccess(protocol.UploadPayload{
		Size:      art.Size,
		URL:       art.URL,
		SignedURL: art.SignedURL,
		DebugURL:  debugURL,
	}))
}

func (m *machine) onResult(ctx context.Context, r opResult) error {
	switch r.kind {
	case opInitiate:
		if m.s.State() != domain.StateOfferReceived {
			return nil
		}
		if r.err != nil {
			return r.err
		}
		if err := m.transition(domain.StateAnswerSent); err != nil {
			return err
		}
		if err := m.s.Send(protocol.NewStartResponse(r.answer)); err != nil {
			return err
		}
		if h := m.s.Media(); h != nil {
			m.events = h.Endpoint.Events()
		}
		n, err := m.s.Candidates.Flush(m.o.Pipelines.ApplyCandidate(ctx, m.s))
		if err != nil {
			m.logger.Warn().Err(err).Msg("flush candidates")
		}
		m.s.RecordEvent(fmt.Sprintf("candidatesFlushed(%d)", n))
		if err := m.transition(domain.StateMediaPending); err != nil {
			return err
		}
		if m.o.cfg.MediaTimeout > 0 {
			m.mediaWait = time.NewTimer(m.o.cfg.MediaTimeout)
		}
	case opStartRecording:
		if m.s.State() != domain.StateMediaPending {
			return nil
		}
		if r.err != nil {
			return r.err
		}
		if err := m.transition(domain.StateRecording); err != nil {
			return err
		}
		return m.s.Send(protocol.NewRecordingStarted())
	}
	return nil
}

func (m *machine) onMediaEvent(ctx context.Context, ev core.MediaEvent) error {
	switch ev.Type {
	case core.EventCandidate:
		return m.s.Send(protocol.NewIceCandidate(ev.Candidate))
	case core.EventMediaFlowing:
		both := m.o.Pipelines.ConfirmMediaFlowing(m.s, ev.Kind)
		if !both || m.requested || m.s.State() != domain.StateMediaPending {
			return nil
		}
		m.requested = true
		m.stopMediaTimer()
		m.spawn(ctx, opStartRecording, func(ctx context.Context) opResult {
			return opResult{err: m.o.Pipelines.StartRecording(ctx, m.s)}
		})
	case core.EventError:
		return domain.Negotiation(ev.Err)
	}
	return nil
}

// spawn runs a long engine operation off the loop; its result comes back
// through m.results. Stop and disconnect cancel it via cancelOps.
func (m *machine) spawn(ctx context.Context, kind opKind, fn func(context.Context) opResult) {
	if m.opCancel == nil {
		m.opCtx, m.opCancel = context.WithCancel(ctx)
	}
	ctx = m.opCtx
	m.ops.Add(1)
	go func() {
		defer m.ops.Done()
		var r opResult
		func() {
			defer func() {
				if p := recover(); p != nil {
					r = opResult{err: fmt.Errorf("operation panic: %v", p)}
				}
			}()
			r = fn(ctx)
		}()
		r.kind = kind
		select {
		case m.results <- r:
		case <-m.done:
		}
	}()
}

// cancelOps cancels pending engine operations and waits for them, so the
// caller owns the session's media handles afterwards.
func (m *machine) cancelOps() {
	if m.opCancel != nil {
		m.opCancel()
		m.opCtx, m.opCancel = nil, nil
	}
	m.ops.Wait()
	for {
		select {
		case <-m.results:
		default:
			return
		}
	}
}

func (m *machine) mediaTimeout() <-chan time.Time {
	if m.mediaWait == nil {
		return nil
	}
	return m.mediaWait.C
}

func (m *machine) stopMediaTimer() {
	if m.mediaWait != nil {
		m.mediaWait.Stop()
		m.mediaWait = nil
	}
}

func (m *machine) fail(ctx context.Context, raw json.RawMessage, err error) {
	kind := domain.KindOf(err)
	st := m.s.State()
	m.logger.Error().Err(err).Str("kind", string(kind)).Str("state", st.String()).Msg("session error")
	metrics.Errors.WithLabelValues(string(kind)).Inc()
	m.o.Reporter.Report(err, map[string]string{
		"sid":   string(m.s.ID),
		"kind":  string(kind),
		"state": st.String(),
		"key":   m.s.Key,
	})

	m.s.RecordEvent("error:" + string(kind))

	// A session that never started holds no media; a bad message leaves it
	// usable for start, register and call.
	var debugURL string
	if st != domain.StateNew || kind != domain.KindProtocol {
		m.cancelOps()
		m.stopMediaTimer()
		if !st.Terminal() {
			if terr := m.transition(domain.StateFailed); terr != nil {
				m.logger.Error().Err(terr).Msg("transition to failed")
			}
		}
		debugURL = m.o.Cleanup.Run(ctx, m.s, err.Error())
	}

	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	reply := protocol.Error{
		ID:       protocol.KindError,
		Message:  raw,
		Error:    m.o.errorText(kind, err),
		Kind:     string(kind),
		DebugURL: debugURL,
	}
	if serr := m.s.Send(reply); serr != nil {
		m.logger.Warn().Err(serr).Msg("send error reply")
	}
}

// onDisconnect finalizes a running recording, as a closed tab still
// expects its video to be kept, then runs cleanup and drops the session.
func (m *machine) onDisconnect(ctx context.Context) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.o.cfg.FinalizeTimeout)
	defer cancel()

	m.o.Calls.Disconnect(m.s)
	m.cancelOps()
	m.stopMediaTimer()
	m.s.RecordEvent("disconnected")

	reason := "disconnected"
	switch st := m.s.State(); {
	case st == domain.StateRecording:
		_ = m.transition(domain.StateStopping)
		art, err := m.o.Pipelines.Finalize(bg, m.s)
		if err != nil {
			m.logger.Error().Err(err).Msg("finalize on disconnect")
			m.o.Reporter.Report(err, map[string]string{"sid": string(m.s.ID), "stage": "disconnect"})
			reason = err.Error()
			_ = m.transition(domain.StateFailed)
		} else {
			m.logger.Info().Str("url", art.URL).Int64("size", art.Size).Msg("recording kept after disconnect")
			_ = m.transition(domain.StateDone)
		}
	case st != domain.StateNew && !st.Terminal():
		_ = m.transition(domain.StateFailed)
	}
	m.o.Cleanup.Run(bg, m.s, reason)
	m.o.Registry.Remove(m.s.ID)
}
