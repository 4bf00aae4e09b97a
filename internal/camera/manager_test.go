package camera

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/clock"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/state"
	"github.com/visionline/visiond/internal/storage"
)

type managerFixture struct {
	cfg   *config.Config
	sim   *camsdk.Sim
	store *state.Store
	bus   *events.Bus
	mgr   *Manager
}

func newManagerFixture(t *testing.T, deviceCount int) *managerFixture {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Storage.BasePath = base
	cfg.System.CameraCheckIntervalSeconds = 3600 // keep the monitor quiet in tests
	for i := range cfg.Cameras {
		cfg.Cameras[i].StoragePath = filepath.Join(base, cfg.Cameras[i].Name)
		cfg.Cameras[i].TargetFPS = 0
	}
	cfg.SetPath(filepath.Join(base, "config.json"))

	index, err := storage.NewIndex(cfg)
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	clk, _ := clock.New("UTC")
	sim := camsdk.NewSim(deviceCount)
	store := state.NewStore()
	bus := events.NewBus()

	mgr := NewManager(cfg, sim, clk, index, store, bus,
		func(config.CameraConfig) WriterFactory {
			return func() VideoWriter { return &memWriter{} }
		})
	if err := mgr.Start(); err != nil {
		t.Fatalf("Manager.Start() error = %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &managerFixture{cfg: cfg, sim: sim, store: store, bus: bus, mgr: mgr}
}

func TestManager_PositionalBinding(t *testing.T) {
	f := newManagerFixture(t, 2)

	for _, name := range []string{"camera1", "camera2"} {
		cam, ok := f.store.Camera(name)
		if !ok {
			t.Fatalf("camera %s not in store", name)
		}
		if cam.Status != state.CameraAvailable {
			t.Errorf("%s status = %q, want available", name, cam.Status)
		}
	}
}

func TestManager_MissingDeviceIsNotFound(t *testing.T) {
	f := newManagerFixture(t, 1)

	cam, _ := f.store.Camera("camera2")
	if cam.Status != state.CameraNotFound {
		t.Errorf("camera2 status = %q, want not_found", cam.Status)
	}
	if _, err := f.mgr.StartRecording("camera2", "", ""); err == nil {
		t.Error("StartRecording() on unbound camera should fail")
	}

	// The bound camera still works.
	if _, err := f.mgr.StartRecording("camera1", "", ""); err != nil {
		t.Errorf("StartRecording() on bound camera error = %v", err)
	}
	f.mgr.StopRecording("camera1")
}

func TestManager_RecordingLifecycle(t *testing.T) {
	f := newManagerFixture(t, 2)

	filename, err := f.mgr.StartRecording("camera1", "", "")
	if err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if filename == "" {
		t.Error("StartRecording() returned empty filename")
	}
	if !f.mgr.Recording("camera1") {
		t.Error("Recording() = false during capture")
	}

	st, err := f.mgr.RecorderStatus("camera1")
	if err != nil {
		t.Fatalf("RecorderStatus() error = %v", err)
	}
	if st.State != RecorderRunning || st.Filename != filename {
		t.Errorf("status = %+v", st)
	}

	if err := f.mgr.StopRecording("camera1"); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if f.mgr.Recording("camera1") {
		t.Error("Recording() = true after stop")
	}
	// Stop is idempotent.
	if err := f.mgr.StopRecording("camera1"); err != nil {
		t.Errorf("repeated StopRecording() error = %v", err)
	}

	if _, err := f.mgr.StartRecording("nope", "", ""); err == nil {
		t.Error("StartRecording() on unknown camera should fail")
	}
}

func TestManager_RecoveryOpsOnIdleCamera(t *testing.T) {
	f := newManagerFixture(t, 2)

	ops := map[string]func(string) error{
		"test_connection": f.mgr.TestConnection,
		"reconnect":       f.mgr.Reconnect,
		"restart_grab":    f.mgr.RestartGrab,
		"reset_timestamp": f.mgr.ResetTimestamp,
		"full_reset":      f.mgr.FullReset,
		"reinitialize":    f.mgr.Reinitialize,
	}
	for op, fn := range ops {
		if err := fn("camera1"); err != nil {
			t.Errorf("%s error = %v", op, err)
		}
	}
	if f.sim.OpenSessions(0) != 0 {
		t.Errorf("recovery sessions leaked: %d open", f.sim.OpenSessions(0))
	}
}

func TestManager_RecoveryOpsDuringRecording(t *testing.T) {
	f := newManagerFixture(t, 2)

	if _, err := f.mgr.StartRecording("camera1", "", ""); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	defer f.mgr.StopRecording("camera1")

	// The live session absorbs the op; no second session is opened
	// beyond the recorder's.
	if err := f.mgr.RestartGrab("camera1"); err != nil {
		t.Errorf("RestartGrab() during recording error = %v", err)
	}
	if f.sim.OpenSessions(0) != 1 {
		t.Errorf("open sessions = %d, want 1", f.sim.OpenSessions(0))
	}
}

func TestManager_TestConnectionUnreachable(t *testing.T) {
	f := newManagerFixture(t, 2)

	f.sim.SetUnreachable(0, true)
	if err := f.mgr.TestConnection("camera1"); err == nil {
		t.Fatal("TestConnection() should fail for unreachable device")
	}
	cam, _ := f.store.Camera("camera1")
	if cam.Status != state.CameraDisconnected {
		t.Errorf("status = %q, want disconnected", cam.Status)
	}
}

func TestManager_AvailabilityMonitor(t *testing.T) {
	f := newManagerFixture(t, 2)

	var changes []string
	f.bus.Subscribe(events.CameraStatusChanged, func(ev events.Event) {
		changes = append(changes, ev.Data["status"].(string))
	})

	f.sim.SetUnreachable(0, true)
	f.mgr.checkAvailability()
	cam, _ := f.store.Camera("camera1")
	if cam.Status != state.CameraDisconnected {
		t.Fatalf("status = %q, want disconnected", cam.Status)
	}

	f.sim.SetUnreachable(0, false)
	f.mgr.checkAvailability()
	cam, _ = f.store.Camera("camera1")
	if cam.Status != state.CameraAvailable {
		t.Fatalf("status = %q, want available", cam.Status)
	}

	if len(changes) != 2 {
		t.Errorf("camera_status_changed events = %d, want 2", len(changes))
	}
}

func TestManager_ApplyConfigValidatesAndPersists(t *testing.T) {
	f := newManagerFixture(t, 2)

	cam, err := f.mgr.CameraConfig("camera1")
	if err != nil {
		t.Fatalf("CameraConfig() error = %v", err)
	}

	cam.Gain = 7.5
	cam.BitDepth = 12
	if err := f.mgr.ApplyConfig("camera1", cam); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}

	got, _ := f.mgr.CameraConfig("camera1")
	if got.Gain != 7.5 || got.BitDepth != 12 {
		t.Errorf("applied config = gain %v depth %d", got.Gain, got.BitDepth)
	}
	if persisted := f.cfg.CameraByName("camera1"); persisted.Gain != 7.5 {
		t.Errorf("persisted gain = %v, want 7.5", persisted.Gain)
	}

	cam.BitDepth = 9 // invalid
	if err := f.mgr.ApplyConfig("camera1", cam); err == nil {
		t.Error("ApplyConfig() with invalid bit depth should fail")
	}
}

func TestManager_StreamLifecycle(t *testing.T) {
	f := newManagerFixture(t, 2)

	ch, cancel, err := f.mgr.SubscribeStream("camera1")
	if err != nil {
		t.Fatalf("SubscribeStream() error = %v", err)
	}
	defer cancel()

	if !f.mgr.Streaming("camera1") {
		t.Error("Streaming() = false after subscribe")
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no preview frame delivered")
	}

	if err := f.mgr.StopStream("camera1"); err != nil {
		t.Fatalf("StopStream() error = %v", err)
	}
	if f.mgr.Streaming("camera1") {
		t.Error("Streaming() = true after stop")
	}
}
