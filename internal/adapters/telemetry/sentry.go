// Package telemetry reports session errors to Sentry.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Sentry struct {
	hub *sentry.Hub
}

// NewSentry initializes the global client. An invalid DSN is an error; the
// caller is expected to stop at startup.
func NewSentry(dsn, environment string) (*Sentry, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "sentry init")
	}
	log.Info().Str("module", "telemetry").Str("env", environment).Msg("sentry enabled")
	return &Sentry{hub: sentry.CurrentHub()}, nil
}

func (s *Sentry) Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := s.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}

func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
