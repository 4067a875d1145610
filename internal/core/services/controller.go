package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
	"mediasession/pkg/tracing"

	"go.uber.org/zap"
)

const (
	MicMonitorID      domain.MonitorID = "local_mic"
	TabAudioMonitorID domain.MonitorID = "tab_audio"
)

type ControllerConfig struct {
	InitialSelection domain.DeviceSelection
	InitialMicOn     bool
	InitialCameraOn  bool
	// TabAudioReleaseDelay keeps a stopped tab-audio capture alive while the
	// player's exit animation runs.
	TabAudioReleaseDelay time.Duration
	Monitor              MonitorConfig
	Visualizer           VisualizerConfig
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		InitialSelection:     domain.DefaultSelection(),
		InitialMicOn:         true,
		InitialCameraOn:      true,
		TabAudioReleaseDelay: 500 * time.Millisecond,
		Monitor:              DefaultMonitorConfig(),
		Visualizer:           DefaultVisualizerConfig(),
	}
}

type deviceNotifier interface {
	OnDevicesChanged(fn func(domain.DeviceList)) (cancel func())
}

// CaptureLifecycleController owns every capture of one session view. It is
// the only component that releases stream handles.
//
// mu guards the session state and is never held across an acquisition or
// while tracks are stopped. swapMu serialises camera/mic swaps so one
// swap's release completes before the next acquisition starts.
type CaptureLifecycleController struct {
	acquirer ports.StreamAcquirer
	graphs   ports.AudioGraphFactory
	recorder ports.CaptureRecorder
	cfg      ControllerConfig
	logger   *zap.SugaredLogger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	swapMu sync.Mutex

	// micMu orders mic monitor start/stop; micStream is the stream it was
	// last started on.
	micMu     sync.Mutex
	micStream domain.StreamID

	mu           sync.Mutex
	micOn        bool
	cameraOn     bool
	status       domain.CameraStatus
	selection    domain.DeviceSelection
	local        *domain.StreamHandle
	screen       *domain.StreamHandle
	tabAudio     *domain.StreamHandle
	screenEnded  func()
	tabEnded     func()
	tabMonitor   *AudioActivityMonitor
	visualizer   *FrequencyVisualizer
	pending      map[domain.StreamID]pendingRelease
	swapGen      uint64
	swapCancel   context.CancelFunc
	closed       bool
	lastActivity map[domain.MonitorID]domain.ActivityState

	micMonitor *AudioActivityMonitor
	cleanup    []func()

	events   *EventBus[domain.SessionEvent]
	activity *EventBus[domain.ActivityUpdate]
}

type pendingRelease struct {
	handle *domain.StreamHandle
	timer  *time.Timer
}

func NewCaptureController(
	acquirer ports.StreamAcquirer,
	graphs ports.AudioGraphFactory,
	recorder ports.CaptureRecorder,
	cfg ControllerConfig,
	logger *zap.SugaredLogger,
) *CaptureLifecycleController {
	ctx, cancel := context.WithCancel(context.Background())
	c := &CaptureLifecycleController{
		acquirer:     acquirer,
		graphs:       graphs,
		recorder:     recorder,
		cfg:          cfg,
		logger:       logger,
		rootCtx:      ctx,
		rootCancel:   cancel,
		micOn:        cfg.InitialMicOn,
		cameraOn:     cfg.InitialCameraOn,
		status:       domain.CameraStatusOff,
		selection:    cfg.InitialSelection,
		pending:      make(map[domain.StreamID]pendingRelease),
		lastActivity: make(map[domain.MonitorID]domain.ActivityState),
		events:       NewEventBus[domain.SessionEvent](logger),
		activity:     NewEventBus[domain.ActivityUpdate](logger),
	}

	c.micMonitor = NewActivityMonitor(MicMonitorID, graphs, cfg.Monitor, recorder, logger)
	c.cleanup = append(c.cleanup, c.micMonitor.Subscribe(c.forwardActivity))

	if n, ok := acquirer.(deviceNotifier); ok {
		c.cleanup = append(c.cleanup, n.OnDevicesChanged(func(domain.DeviceList) {
			c.publish(domain.SessionEvent{Type: domain.EventDevicesChanged})
		}))
	}
	return c
}

// Open acquires camera and microphone from the current selection and
// starts the mic monitor. Calling it while a capture is live is a no-op.
func (c *CaptureLifecycleController) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if c.local != nil {
		c.mu.Unlock()
		return nil
	}
	selection := c.selection
	c.mu.Unlock()

	return c.swapCameraMic(ctx, selection)
}

// Retry re-runs camera/mic acquisition after a failure, releasing any
// capture that is still live first.
func (c *CaptureLifecycleController) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	selection := c.selection
	c.mu.Unlock()

	return c.swapCameraMic(ctx, selection)
}

// ChangeDevice swaps the camera or microphone. The current capture is
// fully released before the new one is requested; if that request fails
// camera/mic stays off. An audio output change only updates the selection.
func (c *CaptureLifecycleController) ChangeDevice(ctx context.Context, kind domain.DeviceKind, deviceID string) error {
	ctx, span := tracing.TraceCapture(ctx, "change_device", string(domain.StreamKindCameraMic))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.DeviceIDKey.String(deviceID))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	selection := c.selection
	switch kind {
	case domain.DeviceKindVideoInput:
		selection.VideoDeviceID = deviceID
	case domain.DeviceKindAudioInput:
		selection.AudioDeviceID = deviceID
	case domain.DeviceKindAudioOutput:
		c.selection.AudioOutputID = deviceID
		c.mu.Unlock()
		c.logger.Infow("audio output changed", "device_id", deviceID)
		c.publishState()
		return nil
	default:
		c.mu.Unlock()
		return fmt.Errorf("unknown device kind %q", kind)
	}
	c.mu.Unlock()

	c.logger.Infow("changing capture device", "kind", kind, "device_id", deviceID)
	return c.swapCameraMic(ctx, selection)
}

// swapCameraMic cancels any swap still waiting on the platform, releases
// the live capture and acquires a new one. A swap overtaken by a newer one
// releases whatever it obtained and returns ErrSuperseded.
func (c *CaptureLifecycleController) swapCameraMic(ctx context.Context, selection domain.DeviceSelection) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.swapGen++
	gen := c.swapGen
	if c.swapCancel != nil {
		c.swapCancel()
	}
	ctx, cancel := c.acquireContext(ctx)
	c.swapCancel = cancel
	c.selection = selection
	c.mu.Unlock()
	defer cancel()

	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	if gen != c.swapGen || c.closed {
		c.mu.Unlock()
		return c.staleErr()
	}
	old := c.local
	c.local = nil
	c.status = domain.CameraStatusAcquiring
	c.mu.Unlock()

	if old != nil {
		c.syncMicMonitor()
		c.acquirer.Release(old)
		c.publish(domain.SessionEvent{Type: domain.EventStreamStopped, Kind: old.Kind, StreamID: old.ID})
	}
	c.publishState()

	handle, err := c.acquirer.AcquireCameraMic(ctx, selection)

	c.mu.Lock()
	if gen != c.swapGen || c.closed {
		c.mu.Unlock()
		if handle != nil {
			c.acquirer.Release(handle)
		}
		c.logger.Infow("camera/mic acquisition superseded", "generation", gen)
		return c.staleErr()
	}
	if err != nil {
		c.status = statusForError(err)
		c.mu.Unlock()

		c.publish(domain.SessionEvent{
			Type:  domain.EventAcquireError,
			Kind:  domain.StreamKindCameraMic,
			Error: err.Error(),
		})
		c.publishState()
		return err
	}

	c.local = handle
	// keep the output choice, adopt the concrete input ids
	resolved := handle.Selection
	resolved.AudioOutputID = c.selection.AudioOutputID
	c.selection = resolved
	c.status = domain.CameraStatusActive
	// flags go onto the tracks under mu so a concurrent toggle cannot be
	// overwritten by a stale value
	setEnabled(handle.AudioTracks(), c.micOn)
	setEnabled(handle.VideoTracks(), c.cameraOn)
	c.mu.Unlock()

	c.syncMicMonitor()

	c.publish(domain.SessionEvent{Type: domain.EventStreamStarted, Kind: handle.Kind, StreamID: handle.ID})
	c.publishState()
	return nil
}

// ToggleAudioEnabled flips the mic flag on the live audio tracks and
// returns the new value. The mic monitor follows the flag.
func (c *CaptureLifecycleController) ToggleAudioEnabled() bool {
	c.mu.Lock()
	c.micOn = !c.micOn
	on := c.micOn
	if c.local != nil {
		setEnabled(c.local.AudioTracks(), on)
	}
	c.mu.Unlock()

	c.syncMicMonitor()
	c.publishState()
	return on
}

// ToggleVideoEnabled flips the camera flag on the live video tracks and
// returns the new value.
func (c *CaptureLifecycleController) ToggleVideoEnabled() bool {
	c.mu.Lock()
	c.cameraOn = !c.cameraOn
	on := c.cameraOn
	if c.local != nil {
		setEnabled(c.local.VideoTracks(), on)
	}
	c.mu.Unlock()

	c.publishState()
	return on
}

func (c *CaptureLifecycleController) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := c.acquireContext(ctx)
	defer cancel()

	handle, err := c.acquirer.AcquireScreenShare(ctx)
	if err != nil {
		c.publish(domain.SessionEvent{Type: domain.EventAcquireError, Kind: domain.StreamKindScreenShare, Error: err.Error()})
		return err
	}

	c.mu.Lock()
	if c.closed || c.screen != nil {
		closed := c.closed
		c.mu.Unlock()
		c.acquirer.Release(handle)
		if closed {
			return domain.ErrSessionClosed
		}
		return nil
	}
	c.screen = handle
	c.mu.Unlock()

	c.publish(domain.SessionEvent{Type: domain.EventStreamStarted, Kind: handle.Kind, StreamID: handle.ID})
	c.publishState()

	unwatch := c.watchEnded(handle)
	c.mu.Lock()
	if c.screen == handle {
		c.screenEnded = unwatch
		unwatch = nil
	}
	c.mu.Unlock()
	if unwatch != nil {
		// the share ended or was stopped while the watch was registered
		unwatch()
	}
	return nil
}

func (c *CaptureLifecycleController) StopScreenShare() {
	c.mu.Lock()
	handle, unwatch := c.screen, c.screenEnded
	c.screen, c.screenEnded = nil, nil
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if unwatch != nil {
		unwatch()
	}
	c.acquirer.Release(handle)
	c.publish(domain.SessionEvent{Type: domain.EventStreamStopped, Kind: handle.Kind, StreamID: handle.ID})
	c.publishState()
}

// StartTabAudioShare captures a tab with its audio and starts the tab-audio
// monitor and visualizer. A capture without audio fails with
// ErrNoAudioTrack and leaves the share off.
func (c *CaptureLifecycleController) StartTabAudioShare(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if c.tabAudio != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := c.acquireContext(ctx)
	defer cancel()

	handle, err := c.acquirer.AcquireTabAudioShare(ctx)
	if err != nil {
		c.publish(domain.SessionEvent{Type: domain.EventAcquireError, Kind: domain.StreamKindTabAudioShare, Error: err.Error()})
		return err
	}

	monitor := NewActivityMonitor(TabAudioMonitorID, c.graphs, c.cfg.Monitor, c.recorder, c.logger)
	unsubscribe := monitor.Subscribe(c.forwardActivity)
	visualizer := NewFrequencyVisualizer(c.graphs, c.cfg.Visualizer, c.logger)

	c.mu.Lock()
	if c.closed || c.tabAudio != nil {
		closed := c.closed
		c.mu.Unlock()
		unsubscribe()
		c.acquirer.Release(handle)
		if closed {
			return domain.ErrSessionClosed
		}
		return nil
	}
	c.tabAudio = handle
	c.tabMonitor = monitor
	c.visualizer = visualizer
	c.mu.Unlock()

	c.startMonitor(monitor, handle)
	if err := visualizer.Start(handle); err != nil {
		c.logger.Warnw("tab audio visualizer unavailable", "stream_id", handle.ID, "error", err)
	}

	c.publish(domain.SessionEvent{Type: domain.EventStreamStarted, Kind: handle.Kind, StreamID: handle.ID})
	c.publishState()

	unwatch := c.watchEnded(handle)
	c.mu.Lock()
	if c.tabAudio == handle {
		c.tabEnded = unwatch
		unwatch = nil
	}
	c.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	return nil
}

// StopTabAudioShare turns the share off at once; the capture itself is
// released after TabAudioReleaseDelay.
func (c *CaptureLifecycleController) StopTabAudioShare() {
	c.mu.Lock()
	handle, unwatch := c.tabAudio, c.tabEnded
	monitor, visualizer := c.tabMonitor, c.visualizer
	c.tabAudio, c.tabEnded, c.tabMonitor, c.visualizer = nil, nil, nil, nil
	delayed := handle != nil && c.cfg.TabAudioReleaseDelay > 0
	if delayed {
		c.scheduleReleaseLocked(handle)
	}
	delete(c.lastActivity, TabAudioMonitorID)
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if unwatch != nil {
		unwatch()
	}
	monitor.Close()
	visualizer.Close()
	if !delayed {
		c.acquirer.Release(handle)
	}
	c.publish(domain.SessionEvent{Type: domain.EventStreamStopped, Kind: handle.Kind, StreamID: handle.ID})
	c.publishState()
}

func (c *CaptureLifecycleController) Devices(ctx context.Context) (cameras, microphones domain.DeviceList, err error) {
	return c.acquirer.EnumerateDevices(ctx)
}

// TabAudioBars samples the tab-audio visualizer; nil when no share is on.
func (c *CaptureLifecycleController) TabAudioBars(height float64) []float64 {
	c.mu.Lock()
	visualizer := c.visualizer
	c.mu.Unlock()

	if visualizer == nil {
		return nil
	}
	return visualizer.Bars(height)
}

func (c *CaptureLifecycleController) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := domain.SessionState{
		MicOn:            c.micOn && c.local != nil,
		CameraOn:         c.cameraOn && c.local != nil,
		ScreenShare:      c.screen != nil,
		TabAudioShare:    c.tabAudio != nil,
		CameraStatus:     c.status,
		Selection:        c.selection,
		MicActivity:      c.lastActivity[MicMonitorID],
		TabAudioActivity: c.lastActivity[TabAudioMonitorID],
		Closed:           c.closed,
	}
	if c.local != nil {
		s.LocalStreamID = c.local.ID
	}
	if c.screen != nil {
		s.ScreenStreamID = c.screen.ID
	}
	if c.tabAudio != nil {
		s.TabAudioStreamID = c.tabAudio.ID
		if c.visualizer != nil {
			s.TabAudioTitle = c.visualizer.Title()
		}
	}
	return s
}

// Subscribe delivers session events. Handlers run on the goroutine that
// caused the event and must not block.
func (c *CaptureLifecycleController) Subscribe(fn func(domain.SessionEvent)) (cancel func()) {
	return c.events.Subscribe(fn)
}

// SubscribeActivity delivers mic and tab-audio activity updates from the
// sampling goroutines.
func (c *CaptureLifecycleController) SubscribeActivity(fn func(domain.ActivityUpdate)) (cancel func()) {
	return c.activity.Subscribe(fn)
}

// Close cancels pending acquisitions, stops every monitor and releases
// every capture, including delayed tab-audio releases. It is idempotent.
func (c *CaptureLifecycleController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.rootCancel()

	handles := []*domain.StreamHandle{c.local, c.screen, c.tabAudio}
	unwatch := []func(){c.screenEnded, c.tabEnded}
	tabMonitor, visualizer := c.tabMonitor, c.visualizer
	pending := c.pending
	cleanup := c.cleanup

	c.local, c.screen, c.tabAudio = nil, nil, nil
	c.screenEnded, c.tabEnded = nil, nil
	c.tabMonitor, c.visualizer = nil, nil
	c.pending = make(map[domain.StreamID]pendingRelease)
	c.cleanup = nil
	c.lastActivity = make(map[domain.MonitorID]domain.ActivityState)
	c.mu.Unlock()

	for _, fn := range unwatch {
		if fn != nil {
			fn()
		}
	}
	for _, fn := range cleanup {
		fn()
	}

	c.micMonitor.Close()
	if tabMonitor != nil {
		tabMonitor.Close()
	}
	if visualizer != nil {
		visualizer.Close()
	}

	for _, p := range pending {
		p.timer.Stop()
		c.acquirer.Release(p.handle)
	}
	released := 0
	for _, h := range handles {
		if h != nil {
			c.acquirer.Release(h)
			released++
		}
	}

	c.logger.Infow("capture session closed",
		"released", released,
		"flushed_delayed", len(pending),
	)
	c.publishState()
}

// acquireContext derives a context that also ends when the session closes.
func (c *CaptureLifecycleController) acquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.rootCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// watchEnded translates the platform ending a share's video track into a
// stop of the whole share. A track that already ended runs onShareEnded
// before watchEnded returns, so mu must not be held.
func (c *CaptureLifecycleController) watchEnded(handle *domain.StreamHandle) func() {
	video := handle.VideoTracks()
	if len(video) == 0 {
		return func() {}
	}
	return video[0].OnEnded(func() {
		c.onShareEnded(handle)
	})
}

func (c *CaptureLifecycleController) onShareEnded(handle *domain.StreamHandle) {
	c.mu.Lock()
	var monitor *AudioActivityMonitor
	var visualizer *FrequencyVisualizer
	switch {
	case c.screen == handle:
		c.screen, c.screenEnded = nil, nil
	case c.tabAudio == handle:
		monitor, visualizer = c.tabMonitor, c.visualizer
		c.tabAudio, c.tabEnded, c.tabMonitor, c.visualizer = nil, nil, nil, nil
		delete(c.lastActivity, TabAudioMonitorID)
	default:
		// already stopped through the controller
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Infow("share ended by user", "kind", handle.Kind, "stream_id", handle.ID)

	if monitor != nil {
		monitor.Close()
	}
	if visualizer != nil {
		visualizer.Close()
	}
	c.acquirer.Release(handle)

	c.publish(domain.SessionEvent{Type: domain.EventShareEndedByUser, Kind: handle.Kind, StreamID: handle.ID})
	c.publish(domain.SessionEvent{Type: domain.EventStreamStopped, Kind: handle.Kind, StreamID: handle.ID})
	c.publishState()
}

func (c *CaptureLifecycleController) scheduleReleaseLocked(handle *domain.StreamHandle) {
	id := handle.ID
	timer := time.AfterFunc(c.cfg.TabAudioReleaseDelay, func() {
		c.mu.Lock()
		p, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			c.acquirer.Release(p.handle)
		}
	})
	c.pending[id] = pendingRelease{handle: handle, timer: timer}
}

// PendingReleases counts tab-audio captures waiting for their delayed
// release.
func (c *CaptureLifecycleController) PendingReleases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// syncMicMonitor makes the mic monitor follow the mic flag and the live
// camera/mic capture. Calls are serialised, so the last state read wins.
func (c *CaptureLifecycleController) syncMicMonitor() {
	c.micMu.Lock()
	defer c.micMu.Unlock()

	c.mu.Lock()
	handle, on, closed := c.local, c.micOn, c.closed
	c.mu.Unlock()

	switch {
	case closed:
	case on && handle != nil:
		if c.micStream == handle.ID {
			return
		}
		c.micStream = handle.ID
		c.startMonitor(c.micMonitor, handle)
	case c.micStream != "":
		c.micStream = ""
		c.micMonitor.Stop()
	}
}

func (c *CaptureLifecycleController) startMonitor(m *AudioActivityMonitor, handle *domain.StreamHandle) {
	err := m.Start(handle)
	switch {
	case err == nil:
	case IsAnalysisUnsupported(err):
		c.logger.Warnw("audio analysis unsupported, continuing without activity",
			"monitor_id", m.ID(),
			"stream_id", handle.ID,
		)
	default:
		c.logger.Warnw("failed to start activity monitor",
			"monitor_id", m.ID(),
			"stream_id", handle.ID,
			"error", err,
		)
	}
}

func (c *CaptureLifecycleController) forwardActivity(update domain.ActivityUpdate) {
	c.mu.Lock()
	if !c.closed {
		c.lastActivity[update.MonitorID] = update.State
	}
	c.mu.Unlock()
	c.activity.Publish(update)
}

func (c *CaptureLifecycleController) staleErr() error {
	if c.isClosed() {
		return domain.ErrSessionClosed
	}
	return domain.ErrSuperseded
}

func (c *CaptureLifecycleController) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *CaptureLifecycleController) publish(event domain.SessionEvent) {
	event.Timestamp = time.Now()
	c.events.Publish(event)
}

func (c *CaptureLifecycleController) publishState() {
	c.publish(domain.SessionEvent{Type: domain.EventStateChanged})
}

func statusForError(err error) domain.CameraStatus {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return domain.CameraStatusPermissionDenied
	case errors.Is(err, domain.ErrUserCancelled):
		return domain.CameraStatusOff
	default:
		return domain.CameraStatusDeviceUnavailable
	}
}

func setEnabled(tracks []domain.Track, enabled bool) {
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
}
