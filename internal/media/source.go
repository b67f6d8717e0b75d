// Package media acquires local capture tracks for a call. Capture sources
// sit behind the Source interface so the call layer never depends on where
// frames come from; the default implementation streams pre-encoded media
// from capture node paths on disk.
package media

import (
	"errors"
	"os"
	"syscall"
)

// Capture failure taxonomy. Each maps to a distinct user-facing message;
// the call must not proceed past any of them.
var (
	// ErrAccessDenied: permission to the capture device was refused.
	ErrAccessDenied = errors.New("media: capture permission denied")
	// ErrNotFound: no capture device/source is present.
	ErrNotFound = errors.New("media: no capture device found")
	// ErrBusy: the capture device is held by another process.
	ErrBusy = errors.New("media: capture device is in use")
)

// UserMessage renders a capture error as actionable text for the UI.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return "Camera/microphone access was denied. Check your permissions and try again."
	case errors.Is(err, ErrNotFound):
		return "No camera or microphone was found. Connect a device and try again."
	case errors.Is(err, ErrBusy):
		return "Your camera or microphone is in use by another application."
	default:
		return "Could not access your camera or microphone."
	}
}

// Source provides local capture tracks.
type Source interface {
	// CaptureUserMedia acquires camera and microphone tracks.
	CaptureUserMedia() (*Capture, error)
	// CaptureDisplay acquires a display (screen share) video track.
	CaptureDisplay() (*Capture, error)
}

// classifyOpenErr maps an os.Open failure onto the capture taxonomy.
func classifyOpenErr(err error) error {
	switch {
	case os.IsNotExist(err):
		return ErrNotFound
	case os.IsPermission(err):
		return ErrAccessDenied
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.ETXTBSY):
		return ErrBusy
	default:
		return err
	}
}
