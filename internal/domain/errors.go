package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidSource             = errors.New("invalid source")
	ErrCircuitOpen               = errors.New("circuit open")
	ErrValidationBudgetExhausted = errors.New("validation budget exhausted")
	ErrResourceLimitReached      = errors.New("resource limit reached")
	ErrQualityUnavailable        = errors.New("requested quality unavailable")
)

type ProbeFailureKind string

const (
	ProbeTimeout             ProbeFailureKind = "timeout"
	ProbeHTTPStatus          ProbeFailureKind = "http-status"
	ProbeContentTypeMismatch ProbeFailureKind = "content-type-mismatch"
)

// ProbeError describes why a direct URL failed validation.
type ProbeError struct {
	Kind        ProbeFailureKind
	Status      int
	ContentType string
	Err         error
}

func (e *ProbeError) Error() string {
	switch e.Kind {
	case ProbeHTTPStatus:
		return fmt.Sprintf("probe %s: status %d", e.Kind, e.Status)
	case ProbeContentTypeMismatch:
		return fmt.Sprintf("probe %s: %q", e.Kind, e.ContentType)
	}
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %v", e.Kind, e.Err)
	}
	return "probe " + string(e.Kind)
}

func (e *ProbeError) Unwrap() error { return e.Err }

type SessionErrorKind string

const (
	SessionEngineError          SessionErrorKind = "engine-error"
	SessionNoPlayableFile       SessionErrorKind = "no-playable-file"
	SessionEpisodeNotFound      SessionErrorKind = "episode-not-found"
	SessionTranscodeStartFailed SessionErrorKind = "transcode-start-failure"
	SessionTranscodeStalled     SessionErrorKind = "transcode-stalled"
	SessionInputStreamError     SessionErrorKind = "input-stream-error"
)

// SessionError is the terminal failure reason of a session.
type SessionError struct {
	Kind SessionErrorKind
	Err  error
}

func NewSessionError(kind SessionErrorKind, err error) *SessionError {
	return &SessionError{Kind: kind, Err: err}
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }

// SessionErrorKindOf extracts the kind of a session error, defaulting to engine-error.
func SessionErrorKindOf(err error) SessionErrorKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return SessionEngineError
}
