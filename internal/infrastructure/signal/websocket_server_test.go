package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSession struct {
	events   *services.EventBus[domain.SessionEvent]
	activity *services.EventBus[domain.ActivityUpdate]
}

func (f *fakeSession) State() domain.SessionState {
	return domain.SessionState{MicOn: true, CameraStatus: domain.CameraStatusActive}
}

func (f *fakeSession) Subscribe(fn func(domain.SessionEvent)) func() {
	return f.events.Subscribe(fn)
}

func (f *fakeSession) SubscribeActivity(fn func(domain.ActivityUpdate)) func() {
	return f.activity.Subscribe(fn)
}

type countingRecorder struct {
	mu        sync.Mutex
	clients   int
	dropped   int
	throttled int
}

func (r *countingRecorder) RecordFeedClient(delta int) {
	r.mu.Lock()
	r.clients += delta
	r.mu.Unlock()
}

func (r *countingRecorder) RecordFeedDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordFeedThrottled() {
	r.mu.Lock()
	r.throttled++
	r.mu.Unlock()
}

func (r *countingRecorder) throttledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.throttled
}

func (r *countingRecorder) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients, r.dropped
}

type feedFixture struct {
	session  *fakeSession
	server   *WebSocketServer
	recorder *countingRecorder
	http     *httptest.Server
}

func newFeedFixture(t *testing.T, cfg Config) *feedFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	session := &fakeSession{
		events:   services.NewEventBus[domain.SessionEvent](logger),
		activity: services.NewEventBus[domain.ActivityUpdate](logger),
	}
	recorder := &countingRecorder{}
	server := NewWebSocketServer(session, recorder, cfg, logger)
	server.Start()

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return &feedFixture{session: session, server: server, recorder: recorder, http: ts}
}

func (f *feedFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var snapshot Message
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, MessageSnapshot, snapshot.Type)

	require.Eventually(t, func() bool { return f.server.ClientCount() == 1 }, time.Second, time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func update(speaking bool, level float64) domain.ActivityUpdate {
	return domain.ActivityUpdate{
		MonitorID: "local_mic",
		StreamID:  "s1",
		State:     domain.ActivityState{IsSpeaking: speaking, Level: level},
		Timestamp: time.Now(),
	}
}

func TestFeed_SnapshotOnConnect(t *testing.T) {
	f := newFeedFixture(t, DefaultConfig())
	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, MessageSnapshot, msg.Type)
	require.NotNil(t, msg.State)
	assert.True(t, msg.State.MicOn)
	assert.Equal(t, domain.CameraStatusActive, msg.State.CameraStatus)
}

func TestFeed_PushesActivityAndEvents(t *testing.T) {
	f := newFeedFixture(t, DefaultConfig())
	conn := f.dial(t)

	f.session.activity.Publish(update(true, 0.4))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageActivity, msg.Type)
	require.NotNil(t, msg.Activity)
	assert.True(t, msg.Activity.State.IsSpeaking)
	assert.Equal(t, domain.MonitorID("local_mic"), msg.Activity.MonitorID)

	f.session.events.Publish(domain.SessionEvent{Type: domain.EventShareEndedByUser, Kind: domain.StreamKindScreenShare, Timestamp: time.Now()})
	msg = readMessage(t, conn)
	assert.Equal(t, MessageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, domain.EventShareEndedByUser, msg.Event.Type)
}

func TestFeed_ThrottlesLevelUpdatesButNotTransitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdatesPerSecond = 0.001
	cfg.Burst = 1
	f := newFeedFixture(t, cfg)
	conn := f.dial(t)

	f.session.activity.Publish(update(true, 0.1))  // first sighting
	f.session.activity.Publish(update(true, 0.2))  // spends the burst token
	f.session.activity.Publish(update(true, 0.3))  // throttled
	f.session.activity.Publish(update(true, 0.4))  // throttled
	f.session.activity.Publish(update(false, 0.0)) // transition

	var levels []float64
	var speaking []bool
	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		require.Equal(t, MessageActivity, msg.Type)
		levels = append(levels, msg.Activity.State.Level)
		speaking = append(speaking, msg.Activity.State.IsSpeaking)
	}
	assert.Equal(t, []float64{0.1, 0.2, 0}, levels)
	assert.Equal(t, []bool{true, true, false}, speaking)

	_, dropped := f.recorder.snapshot()
	assert.Zero(t, dropped, "throttling is not a buffer drop")
	assert.Equal(t, 2, f.recorder.throttledCount())
}

func TestFeed_PingAndUnknownMessages(t *testing.T) {
	f := newFeedFixture(t, DefaultConfig())
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, MessagePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "state"}))
	assert.Equal(t, MessageSnapshot, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "offer"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageError, msg.Type)
	assert.Contains(t, msg.Error, "offer")
}

func TestFeed_ClientLifecycle(t *testing.T) {
	f := newFeedFixture(t, DefaultConfig())
	conn := f.dial(t)

	clients, _ := f.recorder.snapshot()
	assert.Equal(t, 1, clients)

	conn.Close()
	assert.Eventually(t, func() bool { return f.server.ClientCount() == 0 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		clients, _ := f.recorder.snapshot()
		return clients == 0
	}, time.Second, time.Millisecond)
}

func TestFeed_CloseDisconnectsClients(t *testing.T) {
	f := newFeedFixture(t, DefaultConfig())
	conn := f.dial(t)

	f.server.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, f.session.activity.Len())

	resp, err := http.Get(f.http.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFeed_RejectsForeignOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"http://localhost:3000"}
	f := newFeedFixture(t, cfg)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()
}
