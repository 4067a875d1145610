package domain

import (
	"sync/atomic"
	"time"
)

type StreamID string

type StreamKind string

const (
	StreamKindCameraMic     StreamKind = "camera_mic"
	StreamKindScreenShare   StreamKind = "screen_share"
	StreamKindTabAudioShare StreamKind = "tab_audio_share"
)

// StreamHandle is an opaque reference to a capturing media source.
// Only the controller that acquired it may release it; every other
// holder treats it as read-only.
type StreamHandle struct {
	ID        StreamID
	Kind      StreamKind
	Tracks    []Track
	Selection DeviceSelection
	CreatedAt time.Time

	released atomic.Bool
}

func NewStreamHandle(id StreamID, kind StreamKind, tracks []Track) *StreamHandle {
	return &StreamHandle{
		ID:        id,
		Kind:      kind,
		Tracks:    tracks,
		CreatedAt: time.Now(),
	}
}

func (h *StreamHandle) AudioTracks() []Track {
	return h.tracksOf(TrackTypeAudio)
}

func (h *StreamHandle) VideoTracks() []Track {
	return h.tracksOf(TrackTypeVideo)
}

func (h *StreamHandle) HasAudio() bool {
	return len(h.AudioTracks()) > 0
}

// MarkReleased reports true exactly once, for the caller that must stop
// the tracks.
func (h *StreamHandle) MarkReleased() bool {
	return h.released.CompareAndSwap(false, true)
}

func (h *StreamHandle) Released() bool {
	return h.released.Load()
}

// LiveTracks counts tracks that have not been stopped yet.
func (h *StreamHandle) LiveTracks() int {
	n := 0
	for _, t := range h.Tracks {
		if t.State() == TrackStateLive {
			n++
		}
	}
	return n
}

func (h *StreamHandle) tracksOf(typ TrackType) []Track {
	var out []Track
	for _, t := range h.Tracks {
		if t.Type() == typ {
			out = append(out, t)
		}
	}
	return out
}
