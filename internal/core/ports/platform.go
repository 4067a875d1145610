package ports

import (
	"context"

	"mediasession/internal/core/domain"
)

// UserMediaConstraints selects camera/mic devices. An empty or "default"
// id asks for the platform default; anything else must match exactly.
type UserMediaConstraints struct {
	Video         bool
	Audio         bool
	VideoDeviceID string
	AudioDeviceID string
}

type DisplayConstraints struct {
	Video bool
	Audio bool
	// PreferCurrentTab hints the picker to offer the calling tab first.
	PreferCurrentTab bool
}

// MediaPlatform is the host capture capability. Request calls may block
// until the user answers a permission prompt or picker; they must return
// once ctx is done.
type MediaPlatform interface {
	RequestUserMedia(ctx context.Context, constraints UserMediaConstraints) ([]domain.Track, error)
	RequestDisplayCapture(ctx context.Context, constraints DisplayConstraints) ([]domain.Track, error)
	ListMediaDevices(ctx context.Context) (domain.DeviceList, error)
}
