package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type controllerFixture struct {
	c        *CaptureLifecycleController
	platform *testutil.FakePlatform
	graphs   *testutil.FakeGraphFactory
	metrics  *MetricsService

	mu     sync.Mutex
	events []domain.SessionEvent
}

func newControllerFixture(t *testing.T, mutate ...func(*ControllerConfig)) *controllerFixture {
	t.Helper()

	cfg := DefaultControllerConfig()
	cfg.Monitor.TickInterval = 0
	cfg.TabAudioReleaseDelay = 0
	for _, m := range mutate {
		m(&cfg)
	}

	logger := zaptest.NewLogger(t).Sugar()
	f := &controllerFixture{
		platform: testutil.NewFakePlatform(),
		graphs:   &testutil.FakeGraphFactory{Energy: []byte{80}},
		metrics:  NewMetricsService(),
	}
	acquirer := NewDeviceStreamAcquirer(f.platform, f.metrics, fastAcquirerConfig(), logger)
	f.c = NewCaptureController(acquirer, f.graphs, f.metrics, cfg, logger)
	f.c.Subscribe(func(e domain.SessionEvent) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	t.Cleanup(f.c.Close)
	return f
}

func (f *controllerFixture) eventsOf(typ domain.EventType) []domain.SessionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SessionEvent
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestController_Open(t *testing.T) {
	f := newControllerFixture(t)

	require.NoError(t, f.c.Open(context.Background()))

	state := f.c.State()
	assert.True(t, state.MicOn)
	assert.True(t, state.CameraOn)
	assert.Equal(t, domain.CameraStatusActive, state.CameraStatus)
	assert.NotEmpty(t, state.LocalStreamID)
	assert.Equal(t, "cam-1", state.Selection.VideoDeviceID, "default converges to the granted id")
	assert.Equal(t, domain.DefaultDeviceID, state.Selection.AudioOutputID)
	assert.True(t, f.c.micMonitor.Sampling())

	assert.Len(t, f.eventsOf(domain.EventStreamStarted), 1)
	assert.NotEmpty(t, f.eventsOf(domain.EventDevicesChanged))

	// a second mount acquires nothing new
	require.NoError(t, f.c.Open(context.Background()))
	assert.Len(t, f.platform.UserMediaCalls(), 1)
}

func TestController_OpenAppliesInitialFlags(t *testing.T) {
	f := newControllerFixture(t, func(c *ControllerConfig) {
		c.InitialMicOn = false
		c.InitialSelection.AudioDeviceID = "mic-2"
	})

	require.NoError(t, f.c.Open(context.Background()))

	calls := f.platform.UserMediaCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "mic-2", calls[0].AudioDeviceID)

	for _, track := range f.platform.Tracks() {
		if track.Type() == domain.TrackTypeAudio {
			assert.False(t, track.Enabled())
		} else {
			assert.True(t, track.Enabled())
		}
	}
	assert.False(t, f.c.State().MicOn)
	assert.False(t, f.c.micMonitor.Sampling())
}

func TestController_PermissionDenied(t *testing.T) {
	f := newControllerFixture(t)
	f.platform.FailUserMedia(domain.ErrPermissionDenied)

	err := f.c.Open(context.Background())
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	state := f.c.State()
	assert.False(t, state.CameraOn)
	assert.False(t, state.MicOn)
	assert.Equal(t, domain.CameraStatusPermissionDenied, state.CameraStatus)
	assert.Empty(t, state.LocalStreamID)
	assert.Empty(t, f.platform.Tracks(), "no handle was created")

	errs := f.eventsOf(domain.EventAcquireError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.StreamKindCameraMic, errs[0].Kind)

	require.NoError(t, f.c.Retry(context.Background()))
	assert.Equal(t, domain.CameraStatusActive, f.c.State().CameraStatus)
	assert.True(t, f.c.State().CameraOn)
}

func TestController_ToggleDoesNotReacquire(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.c.Open(context.Background()))

	assert.False(t, f.c.ToggleAudioEnabled())
	assert.False(t, f.c.micMonitor.Sampling(), "monitor follows the mic flag")
	assert.False(t, f.c.ToggleVideoEnabled())

	for _, track := range f.platform.Tracks() {
		assert.False(t, track.Enabled(), track.ID())
		assert.Equal(t, domain.TrackStateLive, track.State())
	}
	state := f.c.State()
	assert.False(t, state.MicOn)
	assert.False(t, state.CameraOn)
	assert.Equal(t, domain.CameraStatusActive, state.CameraStatus)

	assert.True(t, f.c.ToggleAudioEnabled())
	assert.True(t, f.c.micMonitor.Sampling())
	assert.True(t, f.c.ToggleVideoEnabled())
	assert.Len(t, f.platform.UserMediaCalls(), 1)
}

func TestController_ToggleWithoutCapture(t *testing.T) {
	f := newControllerFixture(t)

	assert.False(t, f.c.ToggleAudioEnabled())
	assert.Empty(t, f.platform.UserMediaCalls())

	// the flag applies to the next capture
	require.NoError(t, f.c.Open(context.Background()))
	assert.False(t, f.c.State().MicOn)
	assert.True(t, f.c.State().CameraOn)
}

func TestController_ToggleDuringOpenIsKept(t *testing.T) {
	f := newControllerFixture(t)

	var once sync.Once
	toggled := make(chan bool, 1)
	f.platform.OnTrack = func(track *testutil.FakeTrack) {
		if track.Type() != domain.TrackTypeAudio {
			return
		}
		// the user mutes while Open is applying the initial flags
		track.HookSetEnabled(func(bool) {
			once.Do(func() {
				go func() { toggled <- f.c.ToggleAudioEnabled() }()
			})
		})
	}

	require.NoError(t, f.c.Open(context.Background()))

	var micOn bool
	select {
	case micOn = <-toggled:
	case <-time.After(time.Second):
		t.Fatal("toggle did not return")
	}
	require.False(t, micOn)

	var audio *testutil.FakeTrack
	for _, track := range f.platform.Tracks() {
		if track.Type() == domain.TrackTypeAudio {
			audio = track
		}
	}
	require.NotNil(t, audio)

	assert.False(t, f.c.State().MicOn)
	assert.False(t, audio.Enabled(), "live track follows the mic flag")
	assert.False(t, f.c.micMonitor.Sampling())
}

func TestController_ChangeDeviceReleasesFirst(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.c.Open(context.Background()))
	first := f.c.State().LocalStreamID

	var liveAtSecondRequest atomic.Int64
	liveAtSecondRequest.Store(-1)
	f.platform.Gate = func(ctx context.Context, call string) {
		liveAtSecondRequest.Store(int64(f.platform.LiveTracks()))
	}

	require.NoError(t, f.c.ChangeDevice(context.Background(), domain.DeviceKindVideoInput, "cam-2"))

	assert.Equal(t, int64(0), liveAtSecondRequest.Load(), "old tracks stopped before the new request")
	state := f.c.State()
	assert.NotEqual(t, first, state.LocalStreamID)
	assert.Equal(t, "cam-2", state.Selection.VideoDeviceID)
	assert.Equal(t, 2, f.platform.LiveTracks())

	calls := f.platform.UserMediaCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "cam-2", calls[1].VideoDeviceID)
	assert.Equal(t, "mic-1", calls[1].AudioDeviceID, "the other input keeps its resolved id")
}

func TestController_ChangeDeviceFailureLeavesCleared(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.c.Open(context.Background()))

	f.platform.FailUserMedia(domain.ErrDeviceUnavailable, domain.ErrDeviceUnavailable, domain.ErrDeviceUnavailable)
	err := f.c.ChangeDevice(context.Background(), domain.DeviceKindAudioInput, "mic-gone")
	require.ErrorIs(t, err, domain.ErrDeviceUnavailable)

	state := f.c.State()
	assert.Empty(t, state.LocalStreamID)
	assert.False(t, state.MicOn)
	assert.False(t, state.CameraOn)
	assert.Equal(t, domain.CameraStatusDeviceUnavailable, state.CameraStatus)
	assert.Zero(t, f.platform.LiveTracks(), "no stale handle kept")
	assert.False(t, f.c.micMonitor.Sampling())
}

func TestController_RapidChangeDeviceSupersedes(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.c.Open(context.Background()))

	var requests atomic.Int64
	f.platform.Gate = func(ctx context.Context, call string) {
		// the first change waits on its prompt until it is cancelled
		if requests.Add(1) == 1 {
			<-ctx.Done()
		}
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.c.ChangeDevice(context.Background(), domain.DeviceKindVideoInput, "cam-2")
	}()
	require.Eventually(t, func() bool { return len(f.platform.UserMediaCalls()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, f.c.ChangeDevice(context.Background(), domain.DeviceKindAudioInput, "mic-2"))

	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, domain.ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("superseded change did not return")
	}

	// late tracks of the cancelled prompt are stopped too
	assert.Eventually(t, func() bool { return f.platform.LiveTracks() == 2 }, time.Second, time.Millisecond)

	stats := f.metrics.GetCaptureStats(domain.StreamKindCameraMic)
	assert.Equal(t, stats.Acquired-1, stats.Released)
	assert.Equal(t, 1, stats.Active)

	state := f.c.State()
	assert.NotEmpty(t, state.LocalStreamID)
	assert.Equal(t, "mic-2", state.Selection.AudioDeviceID)
	assert.Equal(t, "cam-2", state.Selection.VideoDeviceID, "the newer change builds on the pending selection")
}

func TestController_ChangeAudioOutput(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.c.Open(context.Background()))

	require.NoError(t, f.c.ChangeDevice(context.Background(), domain.DeviceKindAudioOutput, "spk-1"))

	assert.Equal(t, "spk-1", f.c.State().Selection.AudioOutputID)
	assert.Len(t, f.platform.UserMediaCalls(), 1)
	assert.Error(t, f.c.ChangeDevice(context.Background(), domain.DeviceKind("midi"), "x"))
}

func TestController_ScreenShareEndedNatively(t *testing.T) {
	f := newControllerFixture(t)

	require.NoError(t, f.c.StartScreenShare(context.Background()))
	require.True(t, f.c.State().ScreenShare)

	tracks := f.platform.Tracks()
	require.NotEmpty(t, tracks)
	tracks[0].EndFromPlatform()

	assert.False(t, f.c.State().ScreenShare)
	assert.Zero(t, f.platform.LiveTracks())

	ended := f.eventsOf(domain.EventShareEndedByUser)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.StreamKindScreenShare, ended[0].Kind)
	assert.Equal(t, 1, f.metrics.GetCaptureStats(domain.StreamKindScreenShare).Released)
}

func TestController_ScreenShareStoppedByButton(t *testing.T) {
	f := newControllerFixture(t)

	require.NoError(t, f.c.StartScreenShare(context.Background()))
	require.NoError(t, f.c.StartScreenShare(context.Background()), "already sharing")
	assert.Equal(t, 1, f.platform.DisplayCalls())

	f.c.StopScreenShare()
	f.c.StopScreenShare()

	assert.False(t, f.c.State().ScreenShare)
	assert.Zero(t, f.platform.LiveTracks())
	assert.Empty(t, f.eventsOf(domain.EventShareEndedByUser))
}

func TestController_ShareEndedBeforeWatch(t *testing.T) {
	tests := []struct {
		name   string
		kind   domain.StreamKind
		start  func(*CaptureLifecycleController, context.Context) error
		active func(domain.SessionState) bool
	}{
		{
			name:   "screen share",
			kind:   domain.StreamKindScreenShare,
			start:  (*CaptureLifecycleController).StartScreenShare,
			active: func(s domain.SessionState) bool { return s.ScreenShare },
		},
		{
			name:   "tab audio",
			kind:   domain.StreamKindTabAudioShare,
			start:  (*CaptureLifecycleController).StartTabAudioShare,
			active: func(s domain.SessionState) bool { return s.TabAudioShare },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t)
			f.platform.DisplayEndedOnGrant = true

			done := make(chan error, 1)
			go func() { done <- tt.start(f.c, context.Background()) }()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("start did not return")
			}

			assert.False(t, tt.active(f.c.State()))
			assert.Zero(t, f.platform.LiveTracks())
			assert.Len(t, f.eventsOf(domain.EventShareEndedByUser), 1)
			assert.Equal(t, 1, f.metrics.GetCaptureStats(tt.kind).Released)

			// the controller is still usable
			f.platform.DisplayEndedOnGrant = false
			require.NoError(t, tt.start(f.c, context.Background()))
			assert.True(t, tt.active(f.c.State()))
		})
	}
}

func TestController_ScreenShareFailureKeepsState(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.c.Open(context.Background()))
	before := f.c.State()

	f.platform.FailDisplay(domain.ErrUserCancelled)
	err := f.c.StartScreenShare(context.Background())
	require.ErrorIs(t, err, domain.ErrUserCancelled)

	after := f.c.State()
	assert.False(t, after.ScreenShare)
	assert.Equal(t, before.LocalStreamID, after.LocalStreamID)
	assert.Equal(t, before.CameraStatus, after.CameraStatus)
	assert.Len(t, f.eventsOf(domain.EventAcquireError), 1)
}

func TestController_TabAudioShare(t *testing.T) {
	f := newControllerFixture(t, func(c *ControllerConfig) {
		c.TabAudioReleaseDelay = 30 * time.Millisecond
	})

	require.NoError(t, f.c.StartTabAudioShare(context.Background()))

	state := f.c.State()
	assert.True(t, state.TabAudioShare)
	assert.Equal(t, "Lo-fi beats", state.TabAudioTitle)
	assert.Len(t, f.c.TabAudioBars(60), 25)

	f.c.StopTabAudioShare()

	assert.False(t, f.c.State().TabAudioShare, "state flips off at once")
	assert.Nil(t, f.c.TabAudioBars(60))
	assert.Equal(t, 2, f.platform.LiveTracks(), "release waits for the exit animation")
	assert.Equal(t, 1, f.c.PendingReleases())

	assert.Eventually(t, func() bool { return f.platform.LiveTracks() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.c.PendingReleases())
	assert.Zero(t, f.graphs.OpenAnalysers())
	assert.Equal(t, 1, f.metrics.GetCaptureStats(domain.StreamKindTabAudioShare).Released)
}

func TestController_TabAudioWithoutAudio(t *testing.T) {
	f := newControllerFixture(t)
	f.platform.DisplayWithoutAudio = true

	err := f.c.StartTabAudioShare(context.Background())
	require.ErrorIs(t, err, domain.ErrNoAudioTrack)

	assert.False(t, f.c.State().TabAudioShare)
	assert.Zero(t, f.platform.LiveTracks())
	assert.Len(t, f.eventsOf(domain.EventAcquireError), 1)
}

func TestController_TabAudioEndedNatively(t *testing.T) {
	f := newControllerFixture(t, func(c *ControllerConfig) {
		c.TabAudioReleaseDelay = time.Hour
	})
	require.NoError(t, f.c.StartTabAudioShare(context.Background()))

	f.platform.Tracks()[0].EndFromPlatform()

	assert.False(t, f.c.State().TabAudioShare)
	assert.Zero(t, f.platform.LiveTracks(), "native end releases immediately")
	assert.Zero(t, f.c.PendingReleases())
	assert.Len(t, f.eventsOf(domain.EventShareEndedByUser), 1)
}

func TestController_ActivityForwarded(t *testing.T) {
	f := newControllerFixture(t)

	var mu sync.Mutex
	var updates []domain.ActivityUpdate
	f.c.SubscribeActivity(func(u domain.ActivityUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	require.NoError(t, f.c.Open(context.Background()))
	f.c.micMonitor.Tick()

	assert.True(t, f.c.State().MicActivity.IsSpeaking)
	assert.Greater(t, f.c.State().MicActivity.Level, 0.0)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	assert.Equal(t, MicMonitorID, updates[len(updates)-1].MonitorID)
}

func TestController_AnalysisUnsupportedDegrades(t *testing.T) {
	f := newControllerFixture(t)
	f.graphs.NewGraphErr = errors.New("no audio context")

	require.NoError(t, f.c.Open(context.Background()))
	assert.True(t, f.c.State().MicOn)
	assert.False(t, f.c.micMonitor.Sampling())

	require.NoError(t, f.c.StartTabAudioShare(context.Background()))
	assert.True(t, f.c.State().TabAudioShare)
	assert.Nil(t, f.c.TabAudioBars(60))
}

func TestController_CloseReleasesEverything(t *testing.T) {
	f := newControllerFixture(t, func(c *ControllerConfig) {
		c.TabAudioReleaseDelay = time.Hour
	})
	require.NoError(t, f.c.Open(context.Background()))
	require.NoError(t, f.c.StartScreenShare(context.Background()))
	require.NoError(t, f.c.StartTabAudioShare(context.Background()))
	f.c.StopTabAudioShare()
	require.NoError(t, f.c.StartTabAudioShare(context.Background()))
	require.Equal(t, 1, f.c.PendingReleases())

	f.c.Close()
	f.c.Close()

	assert.Zero(t, f.platform.LiveTracks())
	for _, track := range f.platform.Tracks() {
		assert.Equal(t, 1, track.StopCalls(), track.ID())
	}
	assert.Zero(t, f.c.PendingReleases())
	assert.Zero(t, f.graphs.OpenAnalysers())
	for _, g := range f.graphs.Graphs() {
		assert.True(t, g.Closed())
	}
	assert.Empty(t, f.eventsOf(domain.EventShareEndedByUser), "teardown is not a user stop")

	state := f.c.State()
	assert.True(t, state.Closed)
	assert.False(t, state.ScreenShare)
	assert.Empty(t, state.LocalStreamID)

	assert.ErrorIs(t, f.c.Open(context.Background()), domain.ErrSessionClosed)
	assert.ErrorIs(t, f.c.StartScreenShare(context.Background()), domain.ErrSessionClosed)
}

func TestController_CloseCancelsPendingAcquire(t *testing.T) {
	f := newControllerFixture(t)
	f.platform.Gate = func(ctx context.Context, call string) {
		<-ctx.Done()
	}

	done := make(chan error, 1)
	go func() { done <- f.c.Open(context.Background()) }()
	require.Eventually(t, func() bool { return len(f.platform.UserMediaCalls()) == 1 }, time.Second, time.Millisecond)

	f.c.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("open did not resolve after close")
	}
	assert.Eventually(t, func() bool { return f.platform.LiveTracks() == 0 }, time.Second, time.Millisecond)
}

func TestController_Devices(t *testing.T) {
	f := newControllerFixture(t)

	cameras, mics, err := f.c.Devices(context.Background())
	require.NoError(t, err)
	assert.Len(t, cameras, 2)
	assert.Len(t, mics, 2)
}
