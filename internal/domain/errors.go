package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNegotiation   ErrorKind = "negotiation"
	KindMediaTimeout  ErrorKind = "media_timeout"
	KindStorage       ErrorKind = "storage"
	KindEmptyArtifact ErrorKind = "empty_artifact"
	KindProtocol      ErrorKind = "protocol"
	KindInternal      ErrorKind = "internal"
)

var (
	ErrAlreadyStopping = errors.New("session already stopping or stopped")
	ErrNotStarted      = errors.New("recording not started")
	ErrAlreadyStarted  = errors.New("recording already started")
	ErrSessionEnded    = errors.New("session already ended")
	ErrNoCall          = errors.New("no call for name")
	ErrDuplicateName   = errors.New("name already registered")
	ErrNotRegistered   = errors.New("session has no registered name")
	ErrAlreadyInCall   = errors.New("name already in a call")
	ErrRelayDirection  = errors.New("relay flag does not match call role")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrSessionClosed   = errors.New("session closed")
	ErrRateLimited     = errors.New("too many attempts")
)

// Error tags an error with the kind reported to the client and telemetry.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func Negotiation(err error) error   { return NewError(KindNegotiation, err) }
func MediaTimeout(err error) error  { return NewError(KindMediaTimeout, err) }
func Storage(err error) error       { return NewError(KindStorage, err) }
func EmptyArtifact(err error) error { return NewError(KindEmptyArtifact, err) }
func Protocol(err error) error      { return NewError(KindProtocol, err) }

// KindOf returns the kind of the outermost tagged error, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
