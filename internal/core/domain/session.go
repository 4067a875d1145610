package domain

// CameraStatus is what the lobby and meeting views render for the local
// camera/mic capture.
type CameraStatus string

const (
	CameraStatusOff               CameraStatus = "off"
	CameraStatusAcquiring         CameraStatus = "acquiring"
	CameraStatusActive            CameraStatus = "active"
	CameraStatusPermissionDenied  CameraStatus = "permission_denied"
	CameraStatusDeviceUnavailable CameraStatus = "device_unavailable"
)

type SessionState struct {
	MicOn         bool            `json:"mic_on"`
	CameraOn      bool            `json:"camera_on"`
	ScreenShare   bool            `json:"screen_share"`
	TabAudioShare bool            `json:"tab_audio_share"`
	CameraStatus  CameraStatus    `json:"camera_status"`
	Selection     DeviceSelection `json:"selection"`

	LocalStreamID    StreamID `json:"local_stream_id,omitempty"`
	ScreenStreamID   StreamID `json:"screen_stream_id,omitempty"`
	TabAudioStreamID StreamID `json:"tab_audio_stream_id,omitempty"`
	TabAudioTitle    string   `json:"tab_audio_title,omitempty"`

	MicActivity      ActivityState `json:"mic_activity"`
	TabAudioActivity ActivityState `json:"tab_audio_activity"`
	Closed           bool          `json:"closed"`
}
