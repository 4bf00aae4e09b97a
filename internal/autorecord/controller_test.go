package autorecord

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/visionline/visiond/internal/camera"
	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/clock"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/state"
	"github.com/visionline/visiond/internal/storage"
)

type nullWriter struct {
	mu     sync.Mutex
	frames int64
}

func (w *nullWriter) Open(string, int, int, float64) error { return nil }
func (w *nullWriter) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames++
	return nil
}
func (w *nullWriter) Close() (int64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return 0, w.frames, nil
}

type fixture struct {
	cfg   *config.Config
	sim   *camsdk.Sim
	store *state.Store
	bus   *events.Bus
	mgr   *camera.Manager
	ctl   *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Storage.BasePath = base
	cfg.System.CameraCheckIntervalSeconds = 3600
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
	sim := camsdk.NewSim(2)
	store := state.NewStore()
	bus := events.NewBus()

	mgr := camera.NewManager(cfg, sim, clk, index, store, bus,
		func(config.CameraConfig) camera.WriterFactory {
			return func() camera.VideoWriter { return &nullWriter{} }
		})
	if err := mgr.Start(); err != nil {
		t.Fatalf("Manager.Start() error = %v", err)
	}
	t.Cleanup(mgr.Stop)

	ctl := NewController(cfg, mgr, store, bus)
	ctl.Start()
	t.Cleanup(ctl.Stop)

	return &fixture{cfg: cfg, sim: sim, store: store, bus: bus, mgr: mgr, ctl: ctl}
}

// machineEvent publishes the transition the bus client would emit.
func (f *fixture) machineEvent(machine, newState string) {
	f.bus.Publish(events.MachineStateChanged, "bus", map[string]any{
		"machine_name": machine,
		"state":        newState,
	})
}

func TestController_MachineOnStartsRecording(t *testing.T) {
	f := newFixture(t)

	f.machineEvent("vibratory_conveyor", "on")
	if !f.mgr.Recording("camera1") {
		t.Error("camera1 not recording after machine on")
	}
	if f.mgr.Recording("camera2") {
		t.Error("camera2 recording without its machine")
	}

	cam, _ := f.store.Camera("camera1")
	if !cam.AutoRecordingActive {
		t.Error("auto_recording_active not set")
	}
}

func TestController_MachineOffStopsRecording(t *testing.T) {
	f := newFixture(t)

	f.machineEvent("vibratory_conveyor", "on")
	f.machineEvent("vibratory_conveyor", "off")

	if f.mgr.Recording("camera1") {
		t.Error("camera1 still recording after machine off")
	}
	cam, _ := f.store.Camera("camera1")
	if cam.AutoRecordingActive {
		t.Error("auto_recording_active still set after machine off")
	}
}

func TestController_MachineErrorStopsRecording(t *testing.T) {
	f := newFixture(t)

	f.machineEvent("vibratory_conveyor", "on")
	if !f.mgr.Recording("camera1") {
		t.Fatal("camera1 not recording after machine on")
	}

	f.machineEvent("vibratory_conveyor", "error")
	if f.mgr.Recording("camera1") {
		t.Error("camera1 still recording after machine error")
	}
	cam, _ := f.store.Camera("camera1")
	if cam.AutoRecordingActive {
		t.Error("auto_recording_active still set after machine error")
	}
}

func TestController_ErrorDropsPendingRetry(t *testing.T) {
	f := newFixture(t)
	f.sim.FailOpen(0, 100, camsdk.ErrDeviceBusy)

	f.machineEvent("vibratory_conveyor", "on")
	f.machineEvent("vibratory_conveyor", "error")

	f.ctl.mu.Lock()
	_, still := f.ctl.retries["camera1"]
	f.ctl.mu.Unlock()
	if still {
		t.Error("error transition did not drop the pending retry")
	}
}

func TestController_RepeatedOnDoesNotRestart(t *testing.T) {
	f := newFixture(t)

	f.machineEvent("vibratory_conveyor", "on")
	st, _ := f.mgr.RecorderStatus("camera1")
	first := st.SessionID

	f.machineEvent("vibratory_conveyor", "on")
	st, _ = f.mgr.RecorderStatus("camera1")
	if st.SessionID != first {
		t.Error("repeated on transition restarted the recording")
	}
}

func TestController_DisabledCameraStaysIdle(t *testing.T) {
	f := newFixture(t)

	if err := f.ctl.Disable("camera1"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	f.machineEvent("vibratory_conveyor", "on")
	if f.mgr.Recording("camera1") {
		t.Error("disabled camera started recording")
	}

	if err := f.ctl.Enable("camera1"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	// Enablement applies to the next transition, not retroactively.
	if f.mgr.Recording("camera1") {
		t.Error("enable must not start a recording by itself")
	}

	if err := f.ctl.Enable("nope"); err == nil {
		t.Error("Enable() on unknown camera should fail")
	}
}

func TestController_FailedStartSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.sim.FailOpen(0, 1, camsdk.ErrDeviceBusy)

	f.machineEvent("vibratory_conveyor", "on")
	if f.mgr.Recording("camera1") {
		t.Fatal("recording should not start while the device is refused")
	}

	f.ctl.mu.Lock()
	entry, ok := f.ctl.retries["camera1"]
	if ok {
		entry.nextRetry = time.Now().Add(-time.Second)
	}
	f.ctl.mu.Unlock()
	if !ok {
		t.Fatal("no retry entry after failed start")
	}

	f.ctl.processRetries()
	if !f.mgr.Recording("camera1") {
		t.Error("retry did not start the recording")
	}

	f.ctl.mu.Lock()
	_, still := f.ctl.retries["camera1"]
	f.ctl.mu.Unlock()
	if still {
		t.Error("retry entry not cleared after success")
	}
}

func TestController_RetryExhaustionIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.sim.FailOpen(0, 100, camsdk.ErrDeviceBusy)

	var terminal []events.Event
	f.bus.Subscribe(events.RecordingError, func(ev events.Event) {
		if ev.Source == "autorecord" {
			terminal = append(terminal, ev)
		}
	})

	f.machineEvent("vibratory_conveyor", "on")

	maxTries := f.cfg.CameraByName("camera1").AutoRecordingMaxRetries
	for i := 0; i < maxTries; i++ {
		f.ctl.mu.Lock()
		if e, ok := f.ctl.retries["camera1"]; ok {
			e.nextRetry = time.Now().Add(-time.Second)
		}
		f.ctl.mu.Unlock()
		f.ctl.processRetries()
	}

	f.ctl.mu.Lock()
	_, still := f.ctl.retries["camera1"]
	f.ctl.mu.Unlock()
	if still {
		t.Error("retry entry survived exhaustion")
	}

	cam, _ := f.store.Camera("camera1")
	if cam.AutoRecordingActive {
		t.Error("auto_recording_active set after exhaustion")
	}
	if cam.AutoRecordingLastError == "" {
		t.Error("terminal error not recorded")
	}
	if cam.AutoRecordingFailureCount != maxTries {
		t.Errorf("failure count = %d, want %d", cam.AutoRecordingFailureCount, maxTries)
	}
	if len(terminal) != 1 {
		t.Errorf("terminal recording_error events = %d, want 1", len(terminal))
	}

	// A later off transition must not resurrect anything.
	f.machineEvent("vibratory_conveyor", "off")
	if f.mgr.Recording("camera1") {
		t.Error("camera recording after off following exhaustion")
	}
}

func TestController_OffDropsPendingRetry(t *testing.T) {
	f := newFixture(t)
	f.sim.FailOpen(0, 100, camsdk.ErrDeviceBusy)

	f.machineEvent("vibratory_conveyor", "on")
	f.machineEvent("vibratory_conveyor", "off")

	f.ctl.mu.Lock()
	_, still := f.ctl.retries["camera1"]
	f.ctl.mu.Unlock()
	if still {
		t.Error("off transition did not drop the pending retry")
	}

	f.ctl.processRetries()
	if f.mgr.Recording("camera1") {
		t.Error("dropped retry still started a recording")
	}
}

func TestController_Status(t *testing.T) {
	f := newFixture(t)
	f.sim.FailOpen(0, 100, camsdk.ErrDeviceBusy)

	f.machineEvent("vibratory_conveyor", "on")

	st := f.ctl.Status()
	if !st.GloballyEnabled {
		t.Error("globally_enabled = false, want true")
	}
	cs, ok := st.Cameras["camera1"]
	if !ok {
		t.Fatal("camera1 missing from status")
	}
	if cs.NextRetry == nil {
		t.Error("pending retry not reported")
	}
	if cs.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", cs.FailureCount)
	}
	if cs.LastError == "" {
		t.Error("last error not reported")
	}
}
