package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/services"
	"mediasession/internal/infrastructure/middleware"
	"mediasession/internal/infrastructure/monitoring"
	"mediasession/internal/testutil"
	pkglogger "mediasession/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type apiFixture struct {
	router     *gin.Engine
	controller *services.CaptureLifecycleController
	platform   *testutil.FakePlatform
	collector  *monitoring.PrometheusCollector
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	zl := zaptest.NewLogger(t)
	logger := zl.Sugar()

	platform := testutil.NewFakePlatform()
	metrics := services.NewMetricsService()
	collector := monitoring.NewPrometheusCollector()
	recorder := services.Recorders{metrics, collector}

	acqCfg := services.DefaultAcquirerConfig()
	acqCfg.Retry.InitialDelay = time.Millisecond
	acqCfg.Retry.MaxDelay = time.Millisecond
	acquirer := services.NewDeviceStreamAcquirer(platform, recorder, acqCfg, logger)

	cfg := services.DefaultControllerConfig()
	cfg.Monitor.TickInterval = 0
	cfg.TabAudioReleaseDelay = 0
	controller := services.NewCaptureController(acquirer, &testutil.FakeGraphFactory{Energy: []byte{120}}, recorder, cfg, logger)
	t.Cleanup(controller.Close)

	health := monitoring.NewHealthChecker()
	health.AddPlatformCheck(platform, time.Second)
	health.AddSessionCheck(controller)

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.ErrorHandlerMiddleware(pkglogger.NewContextLogger(zl)))
	NewSessionHandler(controller, metrics, logger).SetupRoutes(router)
	NewOpsHandler(health, collector.Handler(), nil).SetupRoutes(router)

	return &apiFixture{router: router, controller: controller, platform: platform, collector: collector}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func state(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	s, ok := body["state"].(map[string]interface{})
	require.True(t, ok, "response has a state: %v", body)
	return s
}

func TestSessionAPI_OpenAndToggle(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/session/open", nil)
	require.Equal(t, http.StatusOK, code)
	s := state(t, body)
	assert.Equal(t, true, s["mic_on"])
	assert.Equal(t, string(domain.CameraStatusActive), s["camera_status"])

	code, body = f.do(t, http.MethodPost, "/api/v1/session/mic/toggle", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["mic_on"])

	code, body = f.do(t, http.MethodPost, "/api/v1/session/camera/toggle", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["camera_on"])

	_, body = f.do(t, http.MethodGet, "/api/v1/session", nil)
	s = state(t, body)
	assert.Equal(t, false, s["mic_on"])
	assert.Equal(t, false, s["camera_on"])
}

func TestSessionAPI_PermissionDenied(t *testing.T) {
	f := newAPIFixture(t)
	f.platform.FailUserMedia(domain.ErrPermissionDenied)

	code, body := f.do(t, http.MethodPost, "/api/v1/session/open", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", body["error"])

	_, body = f.do(t, http.MethodGet, "/api/v1/session", nil)
	assert.Equal(t, string(domain.CameraStatusPermissionDenied), state(t, body)["camera_status"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/session/retry", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSessionAPI_ChangeDevice(t *testing.T) {
	f := newAPIFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/v1/session/open", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodPost, "/api/v1/session/devices/camera", map[string]string{"device_id": "cam-2"})
	require.Equal(t, http.StatusOK, code)
	selection := state(t, body)["selection"].(map[string]interface{})
	assert.Equal(t, "cam-2", selection["video_device_id"])

	code, body = f.do(t, http.MethodPost, "/api/v1/session/devices/printer", map[string]string{"device_id": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_INPUT", body["error"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/session/devices/mic", map[string]string{"device_id": ""})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/session/devices", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["cameras"], 2)
	assert.Len(t, body["microphones"], 2)
}

func TestSessionAPI_TabAudio(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/session/tab-audio/bars", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error"])

	code, body = f.do(t, http.MethodPost, "/api/v1/session/tab-audio", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, state(t, body)["tab_audio_share"])

	code, body = f.do(t, http.MethodGet, "/api/v1/session/tab-audio/bars?height=50", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Lo-fi beats", body["title"])
	assert.NotEmpty(t, body["bars"])

	streamID := f.controller.State().TabAudioStreamID
	code, _ = f.do(t, http.MethodGet, "/api/v1/session/tab-audio/bars?stream_id="+string(streamID), nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/session/tab-audio/bars?stream_id="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/session/tab-audio/bars?stream_id=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/session/tab-audio/bars?height=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodDelete, "/api/v1/session/tab-audio", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, state(t, body)["tab_audio_share"])
}

func TestSessionAPI_TabAudioWithoutSound(t *testing.T) {
	f := newAPIFixture(t)
	f.platform.DisplayWithoutAudio = true

	code, body := f.do(t, http.MethodPost, "/api/v1/session/tab-audio", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "NO_AUDIO_TRACK", body["error"])
}

func TestSessionAPI_ScreenShareAndStats(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/session/screen-share", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, state(t, body)["screen_share"])

	code, body = f.do(t, http.MethodDelete, "/api/v1/session/screen-share", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, state(t, body)["screen_share"])

	code, body = f.do(t, http.MethodGet, "/api/v1/session/stats", nil)
	require.Equal(t, http.StatusOK, code)
	screen := body["stats"].(map[string]interface{})[string(domain.StreamKindScreenShare)].(map[string]interface{})
	assert.Equal(t, 1.0, screen["acquired"])
	assert.Equal(t, 1.0, screen["released"])
	assert.Equal(t, 0.0, screen["active"])
	assert.Zero(t, f.platform.LiveTracks())
}

func TestSessionAPI_CloseAndOps(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/session/open", nil)
	require.Equal(t, http.StatusOK, code)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `mediasession_capture_acquired_total{kind="camera_mic"} 1`)

	code, body = f.do(t, http.MethodPost, "/api/v1/session/close", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, state(t, body)["closed"])
	assert.Zero(t, f.platform.LiveTracks())

	// close is terminal for the process
	for _, path := range []string{"/api/v1/session/open", "/api/v1/session/retry", "/api/v1/session/screen-share", "/api/v1/session/tab-audio"} {
		code, body = f.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusGone, code, path)
		assert.Equal(t, "SESSION_CLOSED", body["error"], path)
	}
	assert.Zero(t, f.platform.LiveTracks())

	code, _ = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestSessionAPI_OpenAbandonedByClient(t *testing.T) {
	f := newAPIFixture(t)
	entered := make(chan struct{})
	f.platform.Gate = func(ctx context.Context, call string) {
		close(entered)
		<-ctx.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/open", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(w, req)
		close(done)
	}()

	<-entered
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request did not return after the client went away")
	}
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.CameraStatusOff, f.controller.State().CameraStatus)

	// the platform still grants after the client left; those tracks are stopped
	assert.Eventually(t, func() bool {
		return len(f.platform.Tracks()) > 0 && f.platform.LiveTracks() == 0
	}, time.Second, 5*time.Millisecond)
}
