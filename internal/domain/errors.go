package domain

import (
	"errors"
	"fmt"
)

// Synchronous protocol violations, rejected at the API boundary before any
// side effect occurs.
var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoCall         = errors.New("no active call")
	ErrBadState       = errors.New("operation not allowed in current call state")
	ErrBadParams      = errors.New("invalid call parameters")
)

// MediaErrorKind classifies device acquisition failures mapped from the
// platform's error taxonomy.
type MediaErrorKind string

const (
	MediaPermissionDenied MediaErrorKind = "PERMISSION_DENIED"
	MediaDeviceNotFound   MediaErrorKind = "DEVICE_NOT_FOUND"
	MediaDeviceBusy       MediaErrorKind = "DEVICE_BUSY"
	MediaOther            MediaErrorKind = "OTHER"
)

type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func NewMediaError(kind MediaErrorKind, err error) *MediaError {
	return &MediaError{Kind: kind, Err: err}
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media acquisition failed: %s", e.Kind)
	}
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }
