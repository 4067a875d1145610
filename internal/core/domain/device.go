package domain

// DefaultDeviceID asks the platform for its default device.
const DefaultDeviceID = "default"

type DeviceKind string

const (
	DeviceKindVideoInput  DeviceKind = "videoinput"
	DeviceKindAudioInput  DeviceKind = "audioinput"
	DeviceKindAudioOutput DeviceKind = "audiooutput"
)

type DeviceInfo struct {
	ID      string     `json:"id"`
	Kind    DeviceKind `json:"kind"`
	Label   string     `json:"label"`
	GroupID string     `json:"group_id,omitempty"`
}

type DeviceList []DeviceInfo

func (l DeviceList) Filter(kind DeviceKind) DeviceList {
	var out DeviceList
	for _, d := range l {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (l DeviceList) Contains(id string) bool {
	for _, d := range l {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Equal compares ids and labels; labels change once permission is granted.
func (l DeviceList) Equal(other DeviceList) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// DeviceSelection is the user's chosen input devices. It belongs to the
// surrounding application settings.
type DeviceSelection struct {
	VideoDeviceID string `json:"video_device_id"`
	AudioDeviceID string `json:"audio_device_id"`
	AudioOutputID string `json:"audio_output_id"`
}

func DefaultSelection() DeviceSelection {
	return DeviceSelection{
		VideoDeviceID: DefaultDeviceID,
		AudioDeviceID: DefaultDeviceID,
		AudioOutputID: DefaultDeviceID,
	}
}

func IsDefaultDevice(id string) bool {
	return id == "" || id == DefaultDeviceID
}
