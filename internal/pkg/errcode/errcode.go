package errcode

import (
	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

const (
	ErrUnknown = 10000000 + iota
	ErrUnauthorized
	ErrNotFound
	ErrInvalid
	ErrInvalidAudio
	ErrInvalidParameters
	ErrDeviceUnavailable
	ErrModelLoadFailed
	ErrSeparationFailed
	ErrOutputMissing
	ErrTimeout
	ErrTooMany
	ErrInternal
)

var byKind = map[error]int{
	appErr.ErrUnauthorized:      ErrUnauthorized,
	appErr.ErrNotFound:          ErrNotFound,
	appErr.ErrInvalid:           ErrInvalid,
	appErr.ErrInvalidAudio:      ErrInvalidAudio,
	appErr.ErrInvalidParameters: ErrInvalidParameters,
	appErr.ErrDeviceUnavailable: ErrDeviceUnavailable,
	appErr.ErrModelLoadFailed:   ErrModelLoadFailed,
	appErr.ErrSeparationFailed:  ErrSeparationFailed,
	appErr.ErrOutputMissing:     ErrOutputMissing,
	appErr.ErrTimeout:           ErrTimeout,
	appErr.ErrTooMany:           ErrTooMany,
	appErr.ErrInternal:          ErrInternal,
}

// Of maps err to its response code.
func Of(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := byKind[appErr.KindOf(err)]; ok {
		return code
	}
	return ErrUnknown
}

// Name is the snake_case kind carried next to the code.
func Name(code int) string {
	switch code {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrNotFound:
		return "not_found"
	case ErrInvalid:
		return "invalid"
	case ErrInvalidAudio:
		return "invalid_audio"
	case ErrInvalidParameters:
		return "invalid_parameters"
	case ErrDeviceUnavailable:
		return "device_unavailable"
	case ErrModelLoadFailed:
		return "model_load_failed"
	case ErrSeparationFailed:
		return "separation_failed"
	case ErrOutputMissing:
		return "output_missing"
	case ErrTimeout:
		return "timeout"
	case ErrTooMany:
		return "too_many_requests"
	case ErrInternal:
		return "internal"
	}
	return "unknown"
}
