// Package orch runs one negotiation state machine per connected client and
// routes inbound frames, engine events and disconnects to it.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/app/calls"
	"github.com/dkeye/Recorder/internal/app/pipeline"
	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
	"github.com/dkeye/Recorder/internal/metrics"
	"github.com/dkeye/Recorder/internal/protocol"
)

// ServerSideError replaces error details sent to clients in production.
const ServerSideError = "Server Side Error"

type Config struct {
	MediaTimeout    time.Duration
	FinalizeTimeout time.Duration
	Production      bool
	InboxSize       int
	// CallAttempts per CallWindow bound register and call messages of a
	// session. Zero disables the limit.
	CallAttempts int
	CallWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MediaTimeout:    30 * time.Second,
		FinalizeTimeout: 30 * time.Second,
		InboxSize:       64,
	}
}

type Orchestrator struct {
	Registry  app.Registry
	Pipelines *pipeline.Orchestrator
	Calls     *calls.Switch
	Cleanup   *Cleanup
	Reporter  core.Reporter

	cfg Config
	now func() time.Time

	mu       sync.Mutex
	machines map[domain.SessionID]*machine
	wg       conc.WaitGroup
}

func New(reg app.Registry, pipes *pipeline.Orchestrator, reporter core.Reporter, cfg Config) *Orchestrator {
	if reporter == nil {
		reporter = core.NopReporter{}
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultConfig().FinalizeTimeout
	}
	var limiter *calls.RateLimiter
	if cfg.CallAttempts > 0 {
		limiter = calls.NewRateLimiter(cfg.CallAttempts, cfg.CallWindow)
	}
	return &Orchestrator{
		Registry:  reg,
		Pipelines: pipes,
		Calls:     calls.NewSwitch(reg, limiter),
		Cleanup:   NewCleanup(pipes, reporter, cfg.FinalizeTimeout),
		Reporter:  reporter,
		cfg:       cfg,
		now:       time.Now,
		machines:  make(map[domain.SessionID]*machine),
	}
}

// Connect registers a new client and starts its session loop. The loop
// ends when ctx is cancelled or OnDisconnect is called.
func (o *Orchestrator) Connect(ctx context.Context, sig core.SignalConnection) *app.Session {
	s := o.Registry.Create(sig, pipeline.NewKey(o.now(), "webm"))
	loopCtx, cancel := context.WithCancel(ctx)
	m := newMachine(o, s, cancel)

	o.mu.Lock()
	o.machines[s.ID] = m
	o.mu.Unlock()
	metrics.SessionsActive.Inc()

	o.wg.Go(func() {
		defer func() {
			o.mu.Lock()
			delete(o.machines, s.ID)
			o.mu.Unlock()
			metrics.SessionsActive.Dec()
		}()
		m.run(loopCtx)
	})
	log.Info().Str("module", "orch").Str("sid", string(s.ID)).Uint64("seq", s.Seq).Msg("session connected")
	return s
}

// HandleMessage parses a frame and hands it to the session loop. Parse
// failures are delivered too, so they get the same error reply.
func (o *Orchestrator) HandleMessage(sid domain.SessionID, data []byte) {
	m, ok := o.machine(sid)
	if !ok {
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("message for unknown session")
		return
	}
	env, err := protocol.Parse(data)
	m.push(inbound{env: env, err: err})
}

// OnDisconnect stops the session loop and waits until its cleanup is done.
func (o *Orchestrator) OnDisconnect(sid domain.SessionID) {
	m, ok := o.machine(sid)
	if !ok {
		return
	}
	m.cancel()
	<-m.done
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("session closed")
}

func (o *Orchestrator) machine(sid domain.SessionID) (*machine, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.machines[sid]
	return m, ok
}

// Snapshot is the admin dump of the registry.
func (o *Orchestrator) Snapshot() app.RegistrySnapshot {
	return o.Registry.Snapshot()
}

// Shutdown disconnects every session and waits for their loops.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, m := range o.machines {
		m.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) errorText(kind domain.ErrorKind, err error) string {
	if o.cfg.Production && kind != domain.KindProtocol {
		return ServerSideError
	}
	return err.Error()
}
