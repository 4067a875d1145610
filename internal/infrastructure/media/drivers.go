//go:build mediadrivers

package media

// Capture drivers need cgo and system libraries (v4l2, malgo, x11), so
// they are only linked into builds tagged mediadrivers.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)
