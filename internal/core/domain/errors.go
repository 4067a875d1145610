package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrUserCancelled       = errors.New("user cancelled")
	ErrNoAudioTrack        = errors.New("no audio track")
	ErrAnalysisUnsupported = errors.New("audio analysis unsupported")
	ErrSuperseded          = errors.New("superseded by a newer request")
	ErrSessionClosed       = errors.New("session closed")
)

// CaptureError carries the operation and stream kind that failed.
type CaptureError struct {
	Op       string
	Kind     StreamKind
	DeviceID string
	Err      error
}

func (e *CaptureError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s %s (device %s): %v", e.Op, e.Kind, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
