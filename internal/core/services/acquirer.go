package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
	"mediasession/pkg/retry"
	"mediasession/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AcquirerConfig controls how camera/mic acquisition reacts to a busy
// device. Permission and cancellation errors are never retried.
type AcquirerConfig struct {
	Retry retry.Config
}

func DefaultAcquirerConfig() AcquirerConfig {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.RetryableErrors = []error{domain.ErrDeviceUnavailable}
	return AcquirerConfig{Retry: cfg}
}

// DeviceStreamAcquirer obtains and relinquishes capture streams from the
// host platform.
type DeviceStreamAcquirer struct {
	platform ports.MediaPlatform
	recorder ports.CaptureRecorder
	config   AcquirerConfig
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	devices domain.DeviceList

	deviceEvents *EventBus[domain.DeviceList]
}

func NewDeviceStreamAcquirer(
	platform ports.MediaPlatform,
	recorder ports.CaptureRecorder,
	config AcquirerConfig,
	logger *zap.SugaredLogger,
) *DeviceStreamAcquirer {
	return &DeviceStreamAcquirer{
		platform:     platform,
		recorder:     recorder,
		config:       config,
		logger:       logger,
		deviceEvents: NewEventBus[domain.DeviceList](logger),
	}
}

// OnDevicesChanged registers fn for device snapshots that differ from the
// previous one.
func (a *DeviceStreamAcquirer) OnDevicesChanged(fn func(domain.DeviceList)) (cancel func()) {
	return a.deviceEvents.Subscribe(fn)
}

// AcquireCameraMic requests camera and microphone. The returned handle's
// Selection holds the concrete device ids the platform granted, so a
// "default" selection converges to real ids.
func (a *DeviceStreamAcquirer) AcquireCameraMic(ctx context.Context, selection domain.DeviceSelection) (*domain.StreamHandle, error) {
	kind := domain.StreamKindCameraMic
	ctx, span := tracing.TraceCapture(ctx, "acquire", string(kind))
	defer span.End()

	constraints := ports.UserMediaConstraints{
		Video:         true,
		Audio:         true,
		VideoDeviceID: exactDevice(selection.VideoDeviceID),
		AudioDeviceID: exactDevice(selection.AudioDeviceID),
	}

	retryCfg := a.config.Retry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Infow("camera/mic busy, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	start := time.Now()
	var lastErr error
	tracks, err := retry.RetryWithResult(ctx, retryCfg, func() ([]domain.Track, error) {
		tracks, err := a.request(ctx, kind, func(ctx context.Context) ([]domain.Track, error) {
			return a.platform.RequestUserMedia(ctx, constraints)
		})
		lastErr = err
		return tracks, err
	})
	if err != nil {
		if lastErr == nil || ctx.Err() != nil {
			lastErr = domain.ErrUserCancelled
		}
		return nil, a.fail(ctx, "acquire", kind, requestedDevice(selection), lastErr)
	}

	handle := domain.NewStreamHandle(newStreamID(), kind, tracks)
	handle.Selection = resolveSelection(selection, handle)
	a.recorder.RecordAcquire(kind, time.Since(start))
	tracing.CaptureGranted(ctx, string(handle.ID), len(tracks), start)

	a.logger.Infow("camera/mic acquired",
		"stream_id", handle.ID,
		"video_device_id", handle.Selection.VideoDeviceID,
		"audio_device_id", handle.Selection.AudioDeviceID,
		"tracks", len(tracks),
	)

	// labels are only filled in once permission has been granted
	a.refreshDevices(ctx)
	return handle, nil
}

// AcquireScreenShare requests a screen, window or tab capture with
// optional audio.
func (a *DeviceStreamAcquirer) AcquireScreenShare(ctx context.Context) (*domain.StreamHandle, error) {
	kind := domain.StreamKindScreenShare
	ctx, span := tracing.TraceCapture(ctx, "acquire", string(kind))
	defer span.End()

	start := time.Now()
	tracks, err := a.request(ctx, kind, func(ctx context.Context) ([]domain.Track, error) {
		return a.platform.RequestDisplayCapture(ctx, ports.DisplayConstraints{Video: true, Audio: true})
	})
	if err != nil {
		return nil, a.fail(ctx, "acquire", kind, "", err)
	}

	handle := domain.NewStreamHandle(newStreamID(), kind, tracks)
	a.recorder.RecordAcquire(kind, time.Since(start))
	tracing.CaptureGranted(ctx, string(handle.ID), len(tracks), start)
	a.logger.Infow("screen share acquired", "stream_id", handle.ID, "tracks", len(tracks))

	a.refreshDevices(ctx)
	return handle, nil
}

// AcquireTabAudioShare is a display capture that must carry audio. A
// capture without audio is stopped before returning ErrNoAudioTrack.
func (a *DeviceStreamAcquirer) AcquireTabAudioShare(ctx context.Context) (*domain.StreamHandle, error) {
	kind := domain.StreamKindTabAudioShare
	ctx, span := tracing.TraceCapture(ctx, "acquire", string(kind))
	defer span.End()

	start := time.Now()
	tracks, err := a.request(ctx, kind, func(ctx context.Context) ([]domain.Track, error) {
		return a.platform.RequestDisplayCapture(ctx, ports.DisplayConstraints{
			Video:            true,
			Audio:            true,
			PreferCurrentTab: false,
		})
	})
	if err != nil {
		return nil, a.fail(ctx, "acquire", kind, "", err)
	}

	if !hasTrackType(tracks, domain.TrackTypeAudio) {
		stopTracks(tracks)
		a.logger.Warnw("tab audio share has no audio track, stopped capture", "tracks", len(tracks))
		return nil, a.fail(ctx, "acquire", kind, "", domain.ErrNoAudioTrack)
	}

	handle := domain.NewStreamHandle(newStreamID(), kind, tracks)
	a.recorder.RecordAcquire(kind, time.Since(start))
	tracing.CaptureGranted(ctx, string(handle.ID), len(tracks), start)
	a.logger.Infow("tab audio share acquired", "stream_id", handle.ID, "tracks", len(tracks))

	a.refreshDevices(ctx)
	return handle, nil
}

// Release stops every track of handle. Nil and already released handles
// are ignored.
func (a *DeviceStreamAcquirer) Release(handle *domain.StreamHandle) {
	if handle == nil || !handle.MarkReleased() {
		return
	}
	stopTracks(handle.Tracks)
	a.recorder.RecordRelease(handle.Kind)

	a.logger.Infow("stream released",
		"stream_id", handle.ID,
		"kind", handle.Kind,
		"tracks", len(handle.Tracks),
	)
}

// EnumerateDevices returns a fresh snapshot of cameras and microphones.
func (a *DeviceStreamAcquirer) EnumerateDevices(ctx context.Context) (cameras, microphones domain.DeviceList, err error) {
	devices, err := a.platform.ListMediaDevices(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list media devices: %w", err)
	}
	a.storeDevices(devices)
	return devices.Filter(domain.DeviceKindVideoInput), devices.Filter(domain.DeviceKindAudioInput), nil
}

// Devices returns the last snapshot without querying the platform.
func (a *DeviceStreamAcquirer) Devices() domain.DeviceList {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(domain.DeviceList(nil), a.devices...)
}

func (a *DeviceStreamAcquirer) refreshDevices(ctx context.Context) {
	devices, err := a.platform.ListMediaDevices(ctx)
	if err != nil {
		a.logger.Warnw("failed to refresh media devices", "error", err)
		return
	}
	a.storeDevices(devices)
}

func (a *DeviceStreamAcquirer) storeDevices(devices domain.DeviceList) {
	a.mu.Lock()
	changed := !a.devices.Equal(devices)
	a.devices = append(domain.DeviceList(nil), devices...)
	a.mu.Unlock()

	if changed {
		a.deviceEvents.Publish(append(domain.DeviceList(nil), devices...))
	}
}

// request runs one platform call and returns as soon as either the call
// or ctx finishes. Tracks that arrive after ctx ended are stopped.
func (a *DeviceStreamAcquirer) request(
	ctx context.Context,
	kind domain.StreamKind,
	call func(context.Context) ([]domain.Track, error),
) ([]domain.Track, error) {
	type result struct {
		tracks []domain.Track
		err    error
	}

	if ctx.Err() != nil {
		return nil, domain.ErrUserCancelled
	}

	ch := make(chan result, 1)
	go func() {
		tracks, err := call(ctx)
		ch <- result{tracks: tracks, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, translatePlatformError(r.err)
		}
		return r.tracks, nil
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err == nil && len(r.tracks) > 0 {
				// log first: once the tracks are stopped callers may be gone
				a.logger.Infow("stopping tracks that arrived after cancellation",
					"kind", kind,
					"tracks", len(r.tracks),
				)
				stopTracks(r.tracks)
			}
		}()
		return nil, domain.ErrUserCancelled
	}
}

func (a *DeviceStreamAcquirer) fail(ctx context.Context, op string, kind domain.StreamKind, deviceID string, err error) error {
	a.recorder.RecordAcquireError(kind, err)
	tracing.RecordError(ctx, err)

	a.logger.Warnw("stream acquisition failed",
		"kind", kind,
		"device_id", deviceID,
		"error", err,
	)
	return &domain.CaptureError{Op: op, Kind: kind, DeviceID: deviceID, Err: err}
}

func translatePlatformError(err error) error {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrDeviceUnavailable),
		errors.Is(err, domain.ErrUserCancelled),
		errors.Is(err, domain.ErrNoAudioTrack):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrUserCancelled
	default:
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
}

func resolveSelection(requested domain.DeviceSelection, handle *domain.StreamHandle) domain.DeviceSelection {
	resolved := requested
	if v := handle.VideoTracks(); len(v) > 0 && v[0].DeviceID() != "" {
		resolved.VideoDeviceID = v[0].DeviceID()
	}
	if au := handle.AudioTracks(); len(au) > 0 && au[0].DeviceID() != "" {
		resolved.AudioDeviceID = au[0].DeviceID()
	}
	return resolved
}

func requestedDevice(selection domain.DeviceSelection) string {
	switch {
	case !domain.IsDefaultDevice(selection.VideoDeviceID):
		return selection.VideoDeviceID
	case !domain.IsDefaultDevice(selection.AudioDeviceID):
		return selection.AudioDeviceID
	default:
		return ""
	}
}

func exactDevice(id string) string {
	if domain.IsDefaultDevice(id) {
		return ""
	}
	return id
}

func hasTrackType(tracks []domain.Track, typ domain.TrackType) bool {
	for _, t := range tracks {
		if t.Type() == typ {
			return true
		}
	}
	return false
}

func stopTracks(tracks []domain.Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

func newStreamID() domain.StreamID {
	return domain.StreamID(uuid.NewString())
}
