// Package errs defines Kanri's closed error taxonomy and the classifier that
// maps heterogeneous platform errors (Docker, gRPC, AWS, GCP, shell exits)
// onto it.
//
// Call sites branch only on Kind, never on a vendor exception type:
//
//	if errs.IsNotFound(err) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind is one member of the closed taxonomy.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not-found"
	KindAlreadyExists Kind = "already-exists"
	KindNotInstalled  Kind = "not-installed"
	KindUnavailable   Kind = "platform-unavailable"
	KindCommandFailed Kind = "command-failure"
	KindTimeout       Kind = "timeout"
)

// Sentinels, one per kind, so callers can use errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotInstalled  = errors.New("no profile configured")
	ErrUnavailable   = errors.New("platform unavailable")
	ErrCommandFailed = errors.New("command failed")
	ErrTimeout       = errors.New("timed out")
)

var sentinels = map[Kind]error{
	KindValidation:    ErrValidation,
	KindNotFound:      ErrNotFound,
	KindAlreadyExists: ErrAlreadyExists,
	KindNotInstalled:  ErrNotInstalled,
	KindUnavailable:   ErrUnavailable,
	KindCommandFailed: ErrCommandFailed,
	KindTimeout:       ErrTimeout,
}

var sentinelOrder = []Kind{
	KindNotInstalled, KindValidation, KindNotFound, KindAlreadyExists,
	KindTimeout, KindUnavailable, KindCommandFailed,
}

// Sentinel returns the sentinel error for k, or nil for KindUnknown.
func (k Kind) Sentinel() error { return sentinels[k] }

// OpError is the error every lifecycle operation surfaces. Its message names
// the failing operation and the profile or instance it ran against.
type OpError struct {
	Op      string // "install", "start", "secrets.ensure", ...
	Subject string // profile name, instance ID or resource name
	Kind    Kind
	Err     error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	if s := e.Kind.Sentinel(); s != nil {
		return msg + ": " + s.Error()
	}
	return msg + ": failed"
}

func (e *OpError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *OpError) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && target == s
}

// New builds an OpError of the given kind with a formatted cause.
func New(kind Kind, op, subject, format string, args ...any) *OpError {
	return &OpError{Op: op, Subject: subject, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err and wraps it in an OpError. Returns nil for nil err.
func Wrap(op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Subject: subject, Kind: Classify(err).Kind, Err: err}
}

// NotInstalled is the error start/stop/restart return before install.
func NotInstalled(op string) *OpError {
	return &OpError{Op: op, Kind: KindNotInstalled}
}

// Validation builds a validation OpError.
func Validation(op, subject, format string, args ...any) *OpError {
	return New(KindValidation, op, subject, format, args...)
}

// IsNotFound reports whether err classifies as not-found.
func IsNotFound(err error) bool { return err != nil && Classify(err).Kind == KindNotFound }

// IsAlreadyExists reports whether err classifies as already-exists.
func IsAlreadyExists(err error) bool { return err != nil && Classify(err).Kind == KindAlreadyExists }

// IsValidation reports whether err classifies as validation.
func IsValidation(err error) bool { return err != nil && Classify(err).Kind == KindValidation }

// IsNotInstalled reports whether err is the before-install contract error.
func IsNotInstalled(err error) bool { return errors.Is(err, ErrNotInstalled) }

// Retryable reports whether retrying err can plausibly succeed. Validation,
// not-found, already-exists, not-installed and command failures are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err).Kind {
	case KindUnavailable, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// RetryTransient is the retry.Config.ShouldRetry predicate used by adapters:
// it skips validation, not-found and already-exists failures.
func RetryTransient(err error) bool { return Retryable(err) }
