package domain

import "time"

// ActivityState is derived per monitored stream. IsSpeaking is true iff
// SpeakingHoldFrames > 0.
type ActivityState struct {
	Level              float64 `json:"level"`
	IsSpeaking         bool    `json:"is_speaking"`
	SpeakingHoldFrames int     `json:"speaking_hold_frames"`
}

type MonitorID string

type ActivityUpdate struct {
	MonitorID MonitorID     `json:"monitor_id"`
	StreamID  StreamID      `json:"stream_id"`
	State     ActivityState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}
