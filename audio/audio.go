package audio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCaptureDenied covers both a declined permission prompt and a platform
// that has no device for the requested source mode.
var ErrCaptureDenied = errors.New("capture denied")

// DefaultCaptureRate is requested from the backend. The frame encoder
// resamples to its own fixed rate; the archival path keeps this one.
const DefaultCaptureRate = 48000

// SourceMode selects what the session captures.
type SourceMode string

const (
	// SourceMicrophone captures a plain input device.
	SourceMicrophone SourceMode = "mic"
	// SourceDisplay captures what the shared tab/screen is playing, via the
	// platform's loopback or monitor device.
	SourceDisplay SourceMode = "tab"
)

var monitorKeywords = []string{
	"monitor", "loopback", "stereo mix", "what u hear",
	"blackhole", "soundflower", "vb-audio", "vb-cable", "virtual",
}

// IsMonitor reports whether a device name looks like a loopback/monitor
// source, i.e. system playback rather than a microphone.
func IsMonitor(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range monitorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	Source     SourceMode
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
	// Ended is closed when the backend terminates the stream, locally or
	// because the source went away (device unplugged, share revoked).
	Ended() <-chan struct{}
}

// SelectSource resolves a device for the requested mode. Microphone mode
// returns nil (system default input). Display mode requires a monitor
// device; a platform without one fails with ErrCaptureDenied.
func SelectSource(ctx Context, mode SourceMode) (*DeviceInfo, error) {
	if mode == SourceMicrophone {
		return nil, nil
	}

	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if IsMonitor(devices[i].Name) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no monitor source for display capture: %w", ErrCaptureDenied)
}
