package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"mediasession/internal/core/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	MessageSnapshot = "snapshot"
	MessageActivity = "activity"
	MessageEvent    = "event"
	MessagePong     = "pong"
	MessageError    = "error"
)

// FeedSource is the session the feed mirrors.
type FeedSource interface {
	State() domain.SessionState
	Subscribe(fn func(domain.SessionEvent)) (cancel func())
	SubscribeActivity(fn func(domain.ActivityUpdate)) (cancel func())
}

// FeedRecorder counts connected clients, messages dropped on a full client
// buffer and activity updates held back by the per-client limiter. Optional.
type FeedRecorder interface {
	RecordFeedClient(delta int)
	RecordFeedDropped()
	RecordFeedThrottled()
}

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// UpdatesPerSecond and Burst throttle activity updates per client.
	// Speaking transitions and session events are never throttled.
	UpdatesPerSecond float64
	Burst            int
	SendBuffer       int
	MaxMessageSize   int64
	AllowedOrigins   []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		UpdatesPerSecond: 20,
		Burst:            5,
		SendBuffer:       64,
		MaxMessageSize:   4 * 1024,
		AllowedOrigins:   []string{"*"},
	}
}

type Message struct {
	Type      string                 `json:"type"`
	State     *domain.SessionState   `json:"state,omitempty"`
	Activity  *domain.ActivityUpdate `json:"activity,omitempty"`
	Event     *domain.SessionEvent   `json:"event,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// inbound is what clients may send.
type inbound struct {
	Type string `json:"type"`
}

// WebSocketServer pushes activity updates and session events to every
// connected client.
type WebSocketServer struct {
	source   FeedSource
	recorder FeedRecorder
	cfg      Config
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[string]*client
	unsubscribe []func()
	closed      bool

	logger *zap.SugaredLogger
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// speaking per monitor as last delivered to this client
	mu       sync.Mutex
	speaking map[domain.MonitorID]bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketServer(source FeedSource, recorder FeedRecorder, cfg Config, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		source:   source,
		recorder: recorder,
		cfg:      cfg,
		clients:  make(map[string]*client),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Start subscribes to the session. Call Close to detach.
func (s *WebSocketServer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe = append(s.unsubscribe,
		s.source.SubscribeActivity(s.broadcastActivity),
		s.source.Subscribe(s.broadcastEvent),
	)
}

func (s *WebSocketServer) Close() {
	s.mu.Lock()
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, cancel := range unsubscribe {
		cancel()
	}
	for _, c := range clients {
		c.close()
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "activity feed closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, s.cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.UpdatesPerSecond), s.cfg.Burst),
		speaking: make(map[domain.MonitorID]bool),
		done:     make(chan struct{}),
	}
	s.register(c)
	defer s.unregister(c)

	s.logger.Infow("feed client connected",
		"client_id", c.id,
		"remote_addr", r.RemoteAddr,
	)

	state := s.source.State()
	s.enqueue(c, Message{Type: MessageSnapshot, State: &state})

	go s.writePump(c)
	s.readPump(c)

	s.logger.Infow("feed client disconnected", "client_id", c.id)
}

func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) readPump(c *client) {
	defer c.close()

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from feed client", "client_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		switch msg.Type {
		case "ping":
			s.enqueue(c, Message{Type: MessagePong})
		case "state":
			state := s.source.State()
			s.enqueue(c, Message{Type: MessageSnapshot, State: &state})
		default:
			s.enqueue(c, Message{Type: MessageError, Error: "unknown message type: " + msg.Type})
		}
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to feed client", "client_id", c.id, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "client_id", c.id, "error", err)
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *WebSocketServer) broadcastActivity(update domain.ActivityUpdate) {
	for _, c := range s.snapshotClients() {
		if !c.admit(update) {
			if s.recorder != nil {
				s.recorder.RecordFeedThrottled()
			}
			continue
		}
		u := update
		s.enqueue(c, Message{Type: MessageActivity, Activity: &u, Timestamp: update.Timestamp})
	}
}

func (s *WebSocketServer) broadcastEvent(event domain.SessionEvent) {
	for _, c := range s.snapshotClients() {
		e := event
		s.enqueue(c, Message{Type: MessageEvent, Event: &e, Timestamp: event.Timestamp})
	}
}

// admit reports whether update goes out to this client. A change of the
// speaking flag always does; level-only updates spend limiter tokens.
func (c *client) admit(update domain.ActivityUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, seen := c.speaking[update.MonitorID]
	transition := !seen || prev != update.State.IsSpeaking
	if !transition && !c.limiter.Allow() {
		return false
	}
	c.speaking[update.MonitorID] = update.State.IsSpeaking
	return true
}

// enqueue never blocks the publisher; a full buffer drops the message.
func (s *WebSocketServer) enqueue(c *client, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode feed message", "type", msg.Type, "error", err)
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		s.dropped()
		s.logger.Debugw("feed client buffer full, dropping message",
			"client_id", c.id,
			"type", msg.Type,
		)
	}
}

func (s *WebSocketServer) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.RecordFeedClient(1)
	}
}

func (s *WebSocketServer) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if ok && s.recorder != nil {
		s.recorder.RecordFeedClient(-1)
	}
}

func (s *WebSocketServer) snapshotClients() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *WebSocketServer) dropped() {
	if s.recorder != nil {
		s.recorder.RecordFeedDropped()
	}
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Warnw("rejected feed origin", "origin", origin)
	return false
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
