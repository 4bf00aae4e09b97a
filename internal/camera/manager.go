// Package camera binds configured cameras to physical devices and owns
// their recording and streaming lifecycles.
package camera

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/clock"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/state"
	"github.com/visionline/visiond/internal/storage"
)

// managed couples one configured camera with its device binding.
type managed struct {
	cfg      config.CameraConfig
	dev      *camsdk.DeviceHandle
	recorder *Recorder
	streamer *Streamer
}

// Manager discovers devices, binds them to configured cameras by
// position and routes control operations to the right recorder or
// streamer.
type Manager struct {
	cfg     *config.Config
	adapter camsdk.Adapter
	clk     *clock.Clock
	index   *storage.Index
	store   *state.Store
	bus     *events.Bus

	// writerFor is swappable so tests can capture frames in memory.
	writerFor func(config.CameraConfig) WriterFactory

	mu      sync.Mutex
	cameras map[string]*managed
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger *slog.Logger
}

// NewManager builds a manager over the configured cameras. writerFor may
// be nil, which selects the ffmpeg encoder.
func NewManager(cfg *config.Config, adapter camsdk.Adapter, clk *clock.Clock,
	index *storage.Index, store *state.Store, bus *events.Bus,
	writerFor func(config.CameraConfig) WriterFactory) *Manager {
	if writerFor == nil {
		writerFor = func(c config.CameraConfig) WriterFactory {
			return NewFFmpegWriter(c.VideoCodec, c.VideoQuality)
		}
	}
	return &Manager{
		cfg:       cfg,
		adapter:   adapter,
		clk:       clk,
		index:     index,
		store:     store,
		bus:       bus,
		writerFor: writerFor,
		cameras:   make(map[string]*managed),
		logger:    slog.Default().With("component", "camera_manager"),
	}
}

// Start initializes the SDK, binds devices and launches the availability
// monitor. Cameras beyond the enumerated device count are registered as
// not found; the system still serves the rest.
func (m *Manager) Start() error {
	if err := m.adapter.Init(); err != nil {
		return fmt.Errorf("failed to initialize camera SDK: %w", err)
	}
	devices, err := m.adapter.Enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate camera devices: %w", err)
	}
	m.logger.Info("Enumerated camera devices", "count", len(devices))

	// Configured cameras map onto devices by list position: the first
	// camera gets device 0 and so on.
	m.mu.Lock()
	for i, cam := range m.cfg.Cameras {
		mc := &managed{cfg: cam}
		if cam.Enabled && i < len(devices) {
			dev := devices[i]
			mc.dev = &dev
			mc.recorder = NewRecorder(cam, m.adapter, dev, m.clk, m.index, m.store, m.bus,
				m.writerFor(cam))
			mc.streamer = NewStreamer(cam, m.adapter, dev, m.store, m.bus)
		}
		m.cameras[cam.Name] = mc
	}
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	cams := make([]*managed, 0, len(m.cameras))
	for _, mc := range m.cameras {
		cams = append(cams, mc)
	}
	m.mu.Unlock()

	for _, mc := range cams {
		switch {
		case !mc.cfg.Enabled:
			m.setStatus(mc.cfg.Name, state.CameraUnknown, "camera disabled", "")
		case mc.dev == nil:
			m.setStatus(mc.cfg.Name, state.CameraNotFound, "no device at position", "")
		default:
			m.setStatus(mc.cfg.Name, state.CameraAvailable, "", mc.dev.Name)
		}
	}

	m.wg.Add(1)
	go m.monitor(stopCh)
	return nil
}

// Stop halts monitoring and tears down all recordings and streams.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	cams := make([]*managed, 0, len(m.cameras))
	for _, mc := range m.cameras {
		cams = append(cams, mc)
	}
	m.mu.Unlock()
	m.wg.Wait()

	for _, mc := range cams {
		if mc.streamer != nil {
			mc.streamer.Stop()
		}
		if mc.recorder != nil {
			if err := mc.recorder.Stop(); err != nil {
				m.logger.Error("Failed to stop recorder", "camera", mc.cfg.Name, "error", err)
			}
		}
	}
}

// setStatus writes the store and publishes camera_status_changed on
// actual transitions.
func (m *Manager) setStatus(name string, status state.CameraStatus, lastError, deviceInfo string) {
	if m.store.UpdateCamera(name, status, lastError, deviceInfo) {
		m.bus.Publish(events.CameraStatusChanged, "camera_manager", map[string]any{
			"camera_name": name,
			"status":      string(status),
			"error":       lastError,
		})
	}
}

// monitor polls device reachability for cameras that are not busy.
func (m *Manager) monitor(stopCh chan struct{}) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.System.CameraCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.checkAvailability()
		}
	}
}

func (m *Manager) checkAvailability() {
	m.mu.Lock()
	cams := make([]*managed, 0, len(m.cameras))
	for _, mc := range m.cameras {
		cams = append(cams, mc)
	}
	m.mu.Unlock()

	for _, mc := range cams {
		if mc.dev == nil || !mc.cfg.Enabled {
			continue
		}
		// A camera with an active session reports through its recorder
		// or streamer, not the poll.
		if mc.recorder.Recording() || mc.streamer.Running() {
			continue
		}
		if err := m.adapter.TestConnection(*mc.dev); err != nil {
			m.setStatus(mc.cfg.Name, state.CameraDisconnected, err.Error(), mc.dev.Name)
		} else if mc.recorder.State() != RecorderError {
			m.setStatus(mc.cfg.Name, state.CameraAvailable, "", mc.dev.Name)
		}
	}
}

func (m *Manager) managedCamera(name string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.cameras[name]
	if !ok {
		return nil, fmt.Errorf("unknown camera: %s", name)
	}
	return mc, nil
}

// boundCamera resolves a camera that must have a device binding.
func (m *Manager) boundCamera(name string) (*managed, error) {
	mc, err := m.managedCamera(name)
	if err != nil {
		return nil, err
	}
	if mc.dev == nil {
		return nil, fmt.Errorf("camera %s has no device attached", name)
	}
	return mc, nil
}

// Names lists the configured camera names in config order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.cfg.Cameras))
	for _, cam := range m.cfg.Cameras {
		names = append(names, cam.Name)
	}
	return names
}

// StartRecording begins a recording. filename may be empty for the
// automatic name; trigger is empty for operator-initiated recordings.
func (m *Manager) StartRecording(name, filename, trigger string) (string, error) {
	mc, err := m.boundCamera(name)
	if err != nil {
		return "", err
	}
	return mc.recorder.Start(filename, trigger)
}

// StopRecording ends a recording. Stopping an idle camera succeeds.
func (m *Manager) StopRecording(name string) error {
	mc, err := m.managedCamera(name)
	if err != nil {
		return err
	}
	if mc.recorder == nil {
		return nil
	}
	return mc.recorder.Stop()
}

// RecorderStatus reports the recorder snapshot for one camera.
func (m *Manager) RecorderStatus(name string) (RecorderStatus, error) {
	mc, err := m.managedCamera(name)
	if err != nil {
		return RecorderStatus{}, err
	}
	if mc.recorder == nil {
		return RecorderStatus{CameraName: name, State: RecorderIdle}, nil
	}
	return mc.recorder.Status(), nil
}

// Recording reports whether a camera is actively capturing.
func (m *Manager) Recording(name string) bool {
	mc, err := m.managedCamera(name)
	if err != nil || mc.recorder == nil {
		return false
	}
	return mc.recorder.Recording()
}

// ClearRecorderError resets an errored recorder so retries can proceed.
func (m *Manager) ClearRecorderError(name string) {
	if mc, err := m.managedCamera(name); err == nil && mc.recorder != nil {
		mc.recorder.ClearError()
	}
}

// SubscribeStream attaches an MJPEG consumer, starting the preview
// stream on demand.
func (m *Manager) SubscribeStream(name string) (<-chan []byte, func(), error) {
	mc, err := m.boundCamera(name)
	if err != nil {
		return nil, nil, err
	}
	return mc.streamer.Subscribe()
}

// StartStream starts the preview stream without attaching a consumer.
func (m *Manager) StartStream(name string) error {
	mc, err := m.boundCamera(name)
	if err != nil {
		return err
	}
	return mc.streamer.Start()
}

// StopStream force stops the preview stream, disconnecting clients.
func (m *Manager) StopStream(name string) error {
	mc, err := m.managedCamera(name)
	if err != nil {
		return err
	}
	if mc.streamer != nil {
		mc.streamer.Stop()
	}
	return nil
}

// Streaming reports whether the preview stream is live.
func (m *Manager) Streaming(name string) bool {
	mc, err := m.managedCamera(name)
	if err != nil || mc.streamer == nil {
		return false
	}
	return mc.streamer.Running()
}

// CameraConfig returns the active configuration for one camera.
func (m *Manager) CameraConfig(name string) (config.CameraConfig, error) {
	mc, err := m.managedCamera(name)
	if err != nil {
		return config.CameraConfig{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return mc.cfg, nil
}

// ApplyConfig validates, persists and applies new camera settings.
// Sessions receive live-updatable settings immediately; the rest take
// effect on the next session.
func (m *Manager) ApplyConfig(name string, cam config.CameraConfig) error {
	mc, err := m.managedCamera(name)
	if err != nil {
		return err
	}
	cam.Name = name
	if err := config.ValidateCameraSettings(&cam); err != nil {
		return err
	}
	if err := m.cfg.UpdateCamera(cam); err != nil {
		return err
	}

	m.mu.Lock()
	mc.cfg = cam
	m.mu.Unlock()

	if mc.recorder != nil {
		if err := mc.recorder.ApplyConfig(cam); err != nil {
			return err
		}
	}
	if mc.streamer != nil {
		if err := mc.streamer.ApplyConfig(cam); err != nil {
			return err
		}
	}
	m.logger.Info("Camera configuration applied", "camera", name)
	return nil
}

// TestConnection checks device reachability without holding a session.
func (m *Manager) TestConnection(name string) error {
	mc, err := m.boundCamera(name)
	if err != nil {
		return err
	}
	if err := m.adapter.TestConnection(*mc.dev); err != nil {
		m.setStatus(name, state.CameraDisconnected, err.Error(), mc.dev.Name)
		return err
	}
	return nil
}

// recoveryOp runs a session-level recovery primitive. A live recording
// session is used in place; otherwise a temporary session is opened for
// the operation and closed again.
func (m *Manager) recoveryOp(name string, op func(camsdk.Session) error) error {
	mc, err := m.boundCamera(name)
	if err != nil {
		return err
	}

	if session := mc.recorder.LiveSession(); session != nil {
		return op(session)
	}

	session, err := m.adapter.Open(*mc.dev)
	if err != nil {
		return fmt.Errorf("failed to open recovery session on %s: %w", name, err)
	}
	defer session.Close()
	return op(session)
}

// Reconnect re-establishes the device link.
func (m *Manager) Reconnect(name string) error {
	return m.recoveryOp(name, func(s camsdk.Session) error { return s.Reconnect() })
}

// RestartGrab restarts the acquisition engine.
func (m *Manager) RestartGrab(name string) error {
	return m.recoveryOp(name, func(s camsdk.Session) error { return s.RestartGrab() })
}

// ResetTimestamp resets the device frame clock.
func (m *Manager) ResetTimestamp(name string) error {
	return m.recoveryOp(name, func(s camsdk.Session) error { return s.ResetTimestamp() })
}

// FullReset performs the deepest in-session recovery.
func (m *Manager) FullReset(name string) error {
	return m.recoveryOp(name, func(s camsdk.Session) error { return s.FullReset() })
}

// Reinitialize tears down every session on the camera and rebinds it
// from a fresh connection test. The heaviest recovery short of a
// process restart.
func (m *Manager) Reinitialize(name string) error {
	mc, err := m.boundCamera(name)
	if err != nil {
		return err
	}

	mc.streamer.Stop()
	if err := mc.recorder.Stop(); err != nil {
		return err
	}
	mc.recorder.ClearError()

	if err := m.adapter.TestConnection(*mc.dev); err != nil {
		m.setStatus(name, state.CameraDisconnected, err.Error(), mc.dev.Name)
		return fmt.Errorf("camera %s still unreachable after reinitialize: %w", name, err)
	}
	m.setStatus(name, state.CameraAvailable, "", mc.dev.Name)
	m.logger.Info("Camera reinitialized", "camera", name)
	return nil
}
