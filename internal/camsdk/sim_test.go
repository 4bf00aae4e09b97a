package camsdk

import (
	"errors"
	"testing"
	"time"
)

func TestBytesPerPixel(t *testing.T) {
	tests := []struct {
		bitDepth int
		color    bool
		want     int
	}{
		{8, false, 1},
		{10, false, 2},
		{12, false, 2},
		{16, false, 2},
		{8, true, 3},
		{10, true, 6},
		{16, true, 6},
	}
	for _, tt := range tests {
		if got := BytesPerPixel(tt.bitDepth, tt.color); got != tt.want {
			t.Errorf("BytesPerPixel(%d, %v) = %d, want %d", tt.bitDepth, tt.color, got, tt.want)
		}
	}
}

func TestSim_EnumerateRequiresInit(t *testing.T) {
	sim := NewSim(2)
	if _, err := sim.Enumerate(); err == nil {
		t.Error("Enumerate() before Init() should fail")
	}

	if err := sim.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	devs, err := sim.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(devs) != 2 {
		t.Fatalf("device count = %d, want 2", len(devs))
	}
	if devs[0].IsColor || !devs[1].IsColor {
		t.Error("even devices should be mono, odd devices color")
	}
}

func TestSim_SessionCap(t *testing.T) {
	sim := NewSim(1)
	sim.Init()
	dev := DeviceHandle{Index: 0}

	s1, err := sim.Open(dev)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	s2, err := sim.Open(dev)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}

	if _, err := sim.Open(dev); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("third Open() error = %v, want ErrDeviceBusy", err)
	}

	s1.Close()
	s2.Close()
	if sim.OpenSessions(0) != 0 {
		t.Errorf("open sessions after close = %d, want 0", sim.OpenSessions(0))
	}
}

func TestSim_FailOpen(t *testing.T) {
	sim := NewSim(1)
	sim.Init()
	sim.FailOpen(0, 2, ErrDeviceBusy)
	dev := DeviceHandle{Index: 0}

	for i := 0; i < 2; i++ {
		if _, err := sim.Open(dev); !errors.Is(err, ErrDeviceBusy) {
			t.Fatalf("open attempt %d error = %v, want ErrDeviceBusy", i+1, err)
		}
	}
	sess, err := sim.Open(dev)
	if err != nil {
		t.Fatalf("open after fault budget error = %v", err)
	}
	sess.Close()
}

func TestSim_GrabAndProcess(t *testing.T) {
	sim := NewSim(1)
	sim.Init()

	sess, err := sim.Open(DeviceHandle{Index: 0})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sess.Close()

	if err := sess.Configure(Settings{BitDepth: 8}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if _, _, err := sess.Grab(time.Millisecond); err == nil {
		t.Error("Grab() before Play() should fail")
	}
	if err := sess.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	raw, hdr, err := sess.Grab(200 * time.Millisecond)
	if err != nil {
		t.Fatalf("Grab() error = %v", err)
	}
	if hdr.Width != SimWidth || hdr.Height != SimHeight {
		t.Errorf("header dims = %dx%d", hdr.Width, hdr.Height)
	}
	if hdr.Bytes != SimWidth*SimHeight {
		t.Errorf("mono 8-bit frame bytes = %d, want %d", hdr.Bytes, SimWidth*SimHeight)
	}

	out := make([]byte, hdr.Bytes)
	if err := sess.Process(raw, out, hdr); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	sess.Release(raw)

	short := make([]byte, 10)
	raw2, hdr2, _ := sess.Grab(200 * time.Millisecond)
	if err := sess.Process(raw2, short, hdr2); err == nil {
		t.Error("Process() with undersized buffer should fail")
	}
	sess.Release(raw2)
}

func TestSim_FatalGrab(t *testing.T) {
	sim := NewSim(1)
	sim.Init()
	sim.FailGrabAfter(0, 3)

	sess, _ := sim.Open(DeviceHandle{Index: 0})
	defer sess.Close()
	sess.Configure(Settings{BitDepth: 8})
	sess.Play()

	for i := 0; i < 3; i++ {
		raw, _, err := sess.Grab(time.Millisecond)
		if err != nil {
			t.Fatalf("grab %d error = %v", i+1, err)
		}
		sess.Release(raw)
	}
	if _, _, err := sess.Grab(time.Millisecond); err == nil {
		t.Error("grab past the fault budget should fail")
	}

	// RestartGrab resets the counter, recovering the session.
	if err := sess.RestartGrab(); err != nil {
		t.Fatalf("RestartGrab() error = %v", err)
	}
	raw, _, err := sess.Grab(time.Millisecond)
	if err != nil {
		t.Errorf("grab after RestartGrab() error = %v", err)
	}
	sess.Release(raw)
}

func TestSim_LiveUpdateRestrictions(t *testing.T) {
	sim := NewSim(1)
	sim.Init()
	sess, _ := sim.Open(DeviceHandle{Index: 0})
	defer sess.Close()

	base := Settings{BitDepth: 8, Gain: 3.5}
	sess.Configure(base)
	sess.Play()

	next := base
	next.Gain = 5.0
	if err := sess.UpdateLive(next); err != nil {
		t.Errorf("gain change should be live-updatable, got %v", err)
	}

	next = base
	next.BitDepth = 12
	if err := sess.UpdateLive(next); !errors.Is(err, ErrLiveUpdateUnsupported) {
		t.Errorf("bit depth change error = %v, want ErrLiveUpdateUnsupported", err)
	}

	next = base
	next.NoiseFilterEnabled = true
	if err := sess.UpdateLive(next); !errors.Is(err, ErrLiveUpdateUnsupported) {
		t.Errorf("noise filter change error = %v, want ErrLiveUpdateUnsupported", err)
	}
}

func TestSim_TestConnection(t *testing.T) {
	sim := NewSim(1)
	sim.Init()

	if err := sim.TestConnection(DeviceHandle{Index: 0}); err != nil {
		t.Errorf("TestConnection() error = %v", err)
	}
	sim.SetUnreachable(0, true)
	if err := sim.TestConnection(DeviceHandle{Index: 0}); err == nil {
		t.Error("TestConnection() should fail for an unreachable device")
	}
	if err := sim.TestConnection(DeviceHandle{Index: 9}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("TestConnection() for missing device = %v, want ErrDeviceNotFound", err)
	}
}
