package ports

import (
	"context"
	"time"

	"mediasession/internal/core/domain"
)

type StreamAcquirer interface {
	AcquireCameraMic(ctx context.Context, selection domain.DeviceSelection) (*domain.StreamHandle, error)
	AcquireScreenShare(ctx context.Context) (*domain.StreamHandle, error)
	AcquireTabAudioShare(ctx context.Context) (*domain.StreamHandle, error)
	Release(handle *domain.StreamHandle)
	EnumerateDevices(ctx context.Context) (cameras, microphones domain.DeviceList, err error)
}

type ActivityMonitor interface {
	Start(handle *domain.StreamHandle) error
	Stop()
	Close()
	Tick()
	State() domain.ActivityState
	Subscribe(fn func(domain.ActivityUpdate)) (cancel func())
}

type CaptureController interface {
	Open(ctx context.Context) error
	Retry(ctx context.Context) error
	ToggleAudioEnabled() bool
	ToggleVideoEnabled() bool
	ChangeDevice(ctx context.Context, kind domain.DeviceKind, deviceID string) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare()
	StartTabAudioShare(ctx context.Context) error
	StopTabAudioShare()
	Devices(ctx context.Context) (cameras, microphones domain.DeviceList, err error)
	TabAudioBars(height float64) []float64
	State() domain.SessionState
	Subscribe(fn func(domain.SessionEvent)) (cancel func())
	SubscribeActivity(fn func(domain.ActivityUpdate)) (cancel func())
	Close()
}

// CaptureRecorder receives capture lifecycle counters.
type CaptureRecorder interface {
	RecordAcquire(kind domain.StreamKind, duration time.Duration)
	RecordAcquireError(kind domain.StreamKind, err error)
	RecordRelease(kind domain.StreamKind)
	RecordSpeaking(monitor domain.MonitorID, speaking bool)
}
