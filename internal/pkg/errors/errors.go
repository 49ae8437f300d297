package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid")
	ErrInvalidAudio      = errors.New("invalid audio")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrModelLoadFailed   = errors.New("model load failed")
	ErrSeparationFailed  = errors.New("separation failed")
	ErrOutputMissing     = errors.New("output missing")
	ErrTimeout           = errors.New("timeout")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTooMany           = errors.New("too many requests")
	ErrInternal          = errors.New("internal")
)

var kinds = []error{
	ErrNotFound,
	ErrInvalid,
	ErrInvalidAudio,
	ErrInvalidParameters,
	ErrDeviceUnavailable,
	ErrModelLoadFailed,
	ErrSeparationFailed,
	ErrOutputMissing,
	ErrTimeout,
	ErrUnauthorized,
	ErrTooMany,
}

// Error carries a taxonomy kind, a human readable detail and the cause.
type Error struct {
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func New(kind error, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind error, err error, detail string) error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// FromContext converts a context error into ErrTimeout and passes
// everything else through untouched.
func FromContext(err error, detail string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(err, ErrTimeout) {
			return err
		}
		return Wrap(ErrTimeout, err, detail)
	}
	return err
}

// KindOf returns the taxonomy sentinel err belongs to, ErrInternal when
// it carries none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	return ErrInternal
}

// DetailOf returns the human readable part of err.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
