// Package camsdk isolates the vendor camera SDK behind a small capability
// surface. The recorder and streamer only ever see this interface, which
// keeps them testable against the simulated implementation and keeps
// vendor quirks (global init, stderr noise, magic error codes) in one
// place.
package camsdk

import (
	"errors"
	"time"
)

// Error kinds surfaced by adapter implementations. Callers distinguish
// them with errors.Is.
var (
	// ErrDeviceNotFound means enumeration or open found no such device.
	ErrDeviceNotFound = errors.New("camera device not found")
	// ErrDeviceBusy means another process or session holds the device.
	ErrDeviceBusy = errors.New("camera device busy")
	// ErrAccessDenied means the device exists but open was refused.
	ErrAccessDenied = errors.New("camera device access denied")
	// ErrGrabTimeout is the non-fatal outcome of a bounded Grab.
	ErrGrabTimeout = errors.New("frame grab timed out")
	// ErrSessionClosed means the session was torn down under the caller.
	ErrSessionClosed = errors.New("camera session closed")
	// ErrLiveUpdateUnsupported means the setting needs a session restart.
	ErrLiveUpdateUnsupported = errors.New("setting requires session restart")
)

// DeviceHandle identifies one enumerated physical camera.
type DeviceHandle struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number,omitempty"`
	IsColor      bool   `json:"is_color"`
}

// Settings is the acquisition configuration applied to a session.
// ExposureUs is in microseconds; the config layer carries milliseconds.
type Settings struct {
	BitDepth   int // 8, 10, 12 or 16
	Color      bool
	ExposureUs float64
	Gain       float64

	Sharpness  int
	Contrast   int
	Gamma      int
	Saturation int // color only

	NoiseFilterEnabled bool
	Denoise3DEnabled   bool

	AutoWhiteBalance       bool
	ColorTemperaturePreset int
	WBRedGain              float64
	WBGreenGain            float64
	WBBlueGain             float64

	AntiFlickerEnabled bool
	LightFrequency     int // 0=50Hz, 1=60Hz

	HDREnabled  bool
	HDRGainMode int
}

// FrameHeader describes one grabbed frame.
type FrameHeader struct {
	Width     int
	Height    int
	BitDepth  int
	Color     bool
	Bytes     int
	Timestamp time.Time
}

// RawFrame is an opaque reference to SDK-owned frame memory. It must be
// handed back via Session.Release after Process.
type RawFrame struct {
	Data []byte
	hdr  FrameHeader
}

// BytesPerPixel returns the output buffer stride for a bit depth.
// Mono frames use one byte per pixel at 8-bit and two above; color frames
// three and six.
func BytesPerPixel(bitDepth int, color bool) int {
	wide := bitDepth > 8
	if color {
		if wide {
			return 6
		}
		return 3
	}
	if wide {
		return 2
	}
	return 1
}

// Adapter is the process-wide entry point to one camera SDK.
type Adapter interface {
	// Init performs the global SDK initialization. It is idempotent and
	// safe to call from multiple goroutines.
	Init() error

	// Enumerate lists the physical devices currently visible.
	Enumerate() ([]DeviceHandle, error)

	// Open acquires a session on a device. A device supports one recorder
	// session plus one independent preview session; opens beyond that
	// fail with ErrDeviceBusy.
	Open(dev DeviceHandle) (Session, error)

	// TestConnection checks device reachability without holding a session.
	TestConnection(dev DeviceHandle) error
}

// Session is one live acquisition of a physical device.
type Session interface {
	// Configure applies the full settings block. Valid before Play and,
	// for teardown-free settings, while playing.
	Configure(s Settings) error

	// UpdateLive applies the subset of settings that can change on a
	// playing session. Settings requiring teardown (bit depth, noise
	// filter engine) return ErrLiveUpdateUnsupported.
	UpdateLive(s Settings) error

	Play() error
	Stop() error
	Close() error

	// Grab waits up to timeout for one frame. A timeout returns
	// ErrGrabTimeout and is not fatal.
	Grab(timeout time.Duration) (*RawFrame, FrameHeader, error)

	// Process runs the ISP path, writing the configured output format
	// into out. out must hold at least header.Bytes bytes.
	Process(raw *RawFrame, out []byte, header FrameHeader) error

	// Release returns SDK-owned frame memory.
	Release(raw *RawFrame)

	// MaxFrameSize reports the sensor's maximum output dimensions, used
	// to size the pinned output buffer up front.
	MaxFrameSize() (width, height int)

	// Recovery primitives for manual operator intervention.
	Reconnect() error
	RestartGrab() error
	ResetTimestamp() error
	FullReset() error
}
