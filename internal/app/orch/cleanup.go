package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/app/pipeline"
	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/metrics"
)

// Dump is the diagnostic snapshot uploaded when a session ends.
type Dump struct {
	Session  app.SessionSnapshot `json:"session"`
	Reason   string              `json:"reason,omitempty"`
	DumpedAt time.Time           `json:"dumpedAt"`
}

// Cleanup releases engine resources and uploads the diagnostic dump of a
// session. It runs once per session and never fails past its boundary.
type Cleanup struct {
	pipes    *pipeline.Orchestrator
	reporter core.Reporter
	timeout  time.Duration
}

func NewCleanup(pipes *pipeline.Orchestrator, reporter core.Reporter, timeout time.Duration) *Cleanup {
	if reporter == nil {
		reporter = core.NopReporter{}
	}
	return &Cleanup{pipes: pipes, reporter: reporter, timeout: timeout}
}

// Run returns the retrieval URL of the dump, or "" if it could not be
// uploaded. Repeated calls return the first result without side effects.
func (c *Cleanup) Run(ctx context.Context, s *app.Session, reason string) string {
	return s.CleanupOnce(func() string { return c.run(ctx, s, reason) })
}

func (c *Cleanup) run(ctx context.Context, s *app.Session, reason string) (url string) {
	logger := log.With().Str("module", "orch.cleanup").Str("sid", string(s.ID)).Logger()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("cleanup panic: %v", r)
			logger.Error().Err(err).Msg("cleanup")
			c.swallow(err, s)
			url = ""
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if err := c.pipes.Release(ctx, s); err != nil {
		logger.Error().Err(err).Msg("release")
		c.swallow(err, s)
	}
	s.RecordEvent("cleanup")

	dump, err := json.Marshal(Dump{Session: s.Snapshot(), Reason: reason, DumpedAt: time.Now()})
	if err != nil {
		logger.Error().Err(err).Msg("marshal dump")
		c.swallow(err, s)
		return ""
	}
	obj, err := c.pipes.UploadDump(ctx, s.Key, dump)
	if err != nil {
		logger.Error().Err(err).Msg("upload dump")
		c.swallow(err, s)
		return ""
	}
	logger.Info().Str("key", obj.Key).Int64("size", obj.Size).Msg("dump uploaded")
	if obj.SignedURL != "" {
		return obj.SignedURL
	}
	return obj.URL
}

func (c *Cleanup) swallow(err error, s *app.Session) {
	metrics.CleanupFailures.Inc()
	c.reporter.Report(err, map[string]string{"sid": string(s.ID), "stage": "cleanup"})
}
