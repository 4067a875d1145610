package domain

type TrackType string

const (
	TrackTypeAudio TrackType = "audio"
	TrackTypeVideo TrackType = "video"
)

type TrackState string

const (
	TrackStateLive  TrackState = "live"
	TrackStateEnded TrackState = "ended"
)

// Track is one constituent of a StreamHandle as exposed by the capture
// platform.
type Track interface {
	ID() string
	Type() TrackType
	Label() string
	// DeviceID is the concrete device that backs the track, if any.
	DeviceID() string

	Enabled() bool
	SetEnabled(enabled bool)

	State() TrackState
	// Stop ends the track. Calling it more than once is a no-op.
	Stop()
	// OnEnded registers fn to run once when the track ends for any reason,
	// including the platform revoking it. The returned func unregisters.
	OnEnded(fn func()) (cancel func())
}
