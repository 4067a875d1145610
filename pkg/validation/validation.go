package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxDeviceIDLength = 256

// deviceKindAliases maps accepted spellings to the canonical device kind.
var deviceKindAliases = map[string]string{
	"videoinput":  "videoinput",
	"video":       "videoinput",
	"camera":      "videoinput",
	"audioinput":  "audioinput",
	"audio":       "audioinput",
	"microphone":  "audioinput",
	"mic":         "audioinput",
	"audiooutput": "audiooutput",
	"speaker":     "audiooutput",
}

// ValidateDeviceID validates a platform device id. Ids are opaque, so only
// length and printable characters are checked.
func ValidateDeviceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(id) > maxDeviceIDLength {
		return fmt.Errorf("device ID is too long (max %d characters)", maxDeviceIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("device ID is not valid UTF-8")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("device ID contains control characters")
		}
	}
	return nil
}

// NormalizeDeviceKind returns the canonical kind for s.
func NormalizeDeviceKind(s string) (string, error) {
	kind, ok := deviceKindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("invalid device kind %q (must be videoinput, audioinput or audiooutput)", s)
	}
	return kind, nil
}

// ValidateStreamID validates a capture stream id.
func ValidateStreamID(id string) error {
	if id == "" {
		return fmt.Errorf("stream ID is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid stream ID format: %w", err)
	}
	return nil
}

// ValidateBarHeight validates the pixel height requested for visualizer bars.
func ValidateBarHeight(height float64) error {
	if height <= 0 {
		return fmt.Errorf("height must be positive")
	}
	if height > 4096 {
		return fmt.Errorf("height is too large (max 4096)")
	}
	return nil
}
