package domain

import "time"

type EventType string

const (
	EventStreamStarted    EventType = "stream.started"
	EventStreamStopped    EventType = "stream.stopped"
	EventShareEndedByUser EventType = "share.ended_by_user"
	EventAcquireError     EventType = "acquire.error"
	EventDevicesChanged   EventType = "devices.changed"
	EventStateChanged     EventType = "session.state_changed"
)

type SessionEvent struct {
	Type      EventType  `json:"type"`
	Kind      StreamKind `json:"kind,omitempty"`
	StreamID  StreamID   `json:"stream_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
