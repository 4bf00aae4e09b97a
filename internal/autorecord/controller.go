// Package autorecord drives recordings from machine telemetry: a machine
// turning on starts its cameras, turning off stops them, with bounded
// retries in between.
package autorecord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visionline/visiond/internal/camera"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/metrics"
	"github.com/visionline/visiond/internal/state"
)

const tickInterval = time.Second

// retryEntry tracks a pending start retry for one camera.
type retryEntry struct {
	machine   string
	attempts  int
	maxTries  int
	delay     time.Duration
	nextRetry time.Time
	lastError string
}

// CameraStatus is the per-camera slice of the controller's status report.
type CameraStatus struct {
	Enabled      bool       `json:"enabled"`
	Active       bool       `json:"active"`
	FailureCount int        `json:"failure_count"`
	NextRetry    *time.Time `json:"next_retry,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Status is the controller snapshot served by the control plane.
type Status struct {
	GloballyEnabled bool                    `json:"globally_enabled"`
	Cameras         map[string]CameraStatus `json:"cameras"`
}

// Controller owns the machine-to-recording coupling. All transitions
// arrive through the event bus; the retry loop only acts on entries the
// transition handler created.
type Controller struct {
	cfg   *config.Config
	mgr   *camera.Manager
	store *state.Store
	bus   *events.Bus

	mu      sync.Mutex
	enabled bool
	retries map[string]*retryEntry
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger *slog.Logger
}

// NewController wires the controller and seeds per-camera enablement
// from the configuration.
func NewController(cfg *config.Config, mgr *camera.Manager, store *state.Store,
	bus *events.Bus) *Controller {
	c := &Controller{
		cfg:     cfg,
		mgr:     mgr,
		store:   store,
		bus:     bus,
		enabled: cfg.System.AutoRecordingEnabled,
		retries: make(map[string]*retryEntry),
		logger:  slog.Default().With("component", "autorecord"),
	}
	for _, cam := range cfg.Cameras {
		store.SetAutoRecording(cam.Name, cam.AutoStartRecordingEnabled)
	}
	return c
}

// Start subscribes to machine transitions and launches the retry loop.
func (c *Controller) Start() {
	c.bus.Subscribe(events.MachineStateChanged, c.onMachineStateChanged)

	c.mu.Lock()
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go c.retryLoop(stopCh)
	c.logger.Info("Auto-record controller started", "enabled", c.enabled)
}

// Stop halts the retry loop. Active recordings are left to the camera
// manager's own shutdown.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Enable turns auto-recording on for one camera.
func (c *Controller) Enable(name string) error {
	if c.cfg.CameraByName(name) == nil {
		return fmt.Errorf("unknown camera: %s", name)
	}
	c.store.SetAutoRecording(name, true)
	c.logger.Info("Auto-recording enabled", "camera", name)
	return nil
}

// Disable turns auto-recording off for one camera and abandons any
// pending retry. A recording already running keeps running.
func (c *Controller) Disable(name string) error {
	if c.cfg.CameraByName(name) == nil {
		return fmt.Errorf("unknown camera: %s", name)
	}
	c.mu.Lock()
	delete(c.retries, name)
	c.mu.Unlock()
	c.store.SetAutoRecording(name, false)
	c.logger.Info("Auto-recording disabled", "camera", name)
	return nil
}

// Status reports global and per-camera auto-record state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	enabled := c.enabled
	pending := make(map[string]retryEntry, len(c.retries))
	for name, e := range c.retries {
		pending[name] = *e
	}
	c.mu.Unlock()

	st := Status{GloballyEnabled: enabled, Cameras: make(map[string]CameraStatus)}
	for name, cam := range c.store.Cameras() {
		cs := CameraStatus{
			Enabled:      cam.AutoRecordingEnabled,
			Active:       cam.AutoRecordingActive,
			FailureCount: cam.AutoRecordingFailureCount,
			LastError:    cam.AutoRecordingLastError,
		}
		if e, ok := pending[name]; ok {
			t := e.nextRetry
			cs.NextRetry = &t
			cs.FailureCount = e.attempts
			cs.LastError = e.lastError
		}
		st.Cameras[name] = cs
	}
	return st
}

// onMachineStateChanged maps a machine transition onto its cameras.
func (c *Controller) onMachineStateChanged(ev events.Event) {
	machine, _ := ev.Data["machine_name"].(string)
	newState, _ := ev.Data["state"].(string)
	if machine == "" {
		return
	}

	for _, cam := range c.cfg.CamerasForTopic(machine) {
		switch state.MachineState(newState) {
		case state.MachineOn:
			c.handleMachineOn(cam, machine)
		case state.MachineOff, state.MachineError:
			// A faulted machine stops its recording just like a clean off.
			c.handleMachineOff(cam, machine)
		}
	}
}

func (c *Controller) handleMachineOn(cam config.CameraConfig, machine string) {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()

	info, _ := c.store.Camera(cam.Name)
	if !enabled || !info.AutoRecordingEnabled || !cam.Enabled {
		return
	}
	if c.mgr.Recording(cam.Name) {
		return
	}

	if err := c.tryStart(cam.Name, machine); err != nil {
		c.scheduleRetry(cam, machine, 1, err)
	}
}

func (c *Controller) handleMachineOff(cam config.CameraConfig, machine string) {
	// The off transition always wins: any pending retry is abandoned.
	c.mu.Lock()
	delete(c.retries, cam.Name)
	c.mu.Unlock()

	if !c.mgr.Recording(cam.Name) {
		c.store.MarkAutoRecordingAttempt(cam.Name, false, 0, "")
		return
	}
	if err := c.mgr.StopRecording(cam.Name); err != nil {
		c.logger.Error("Failed to stop auto recording",
			"camera", cam.Name, "machine", machine, "error", err)
		return
	}
	c.store.MarkAutoRecordingAttempt(cam.Name, false, 0, "")
	c.logger.Info("Auto recording stopped", "camera", cam.Name, "machine", machine)
}

func (c *Controller) tryStart(name, machine string) error {
	// A leftover error state must not block the retry path.
	c.mgr.ClearRecorderError(name)

	filename, err := c.mgr.StartRecording(name, "", machine)
	if err != nil {
		return err
	}
	c.store.MarkAutoRecordingAttempt(name, true, 0, "")
	c.logger.Info("Auto recording started",
		"camera", name, "machine", machine, "filename", filename)
	return nil
}

func (c *Controller) scheduleRetry(cam config.CameraConfig, machine string, attempts int, err error) {
	maxTries := cam.AutoRecordingMaxRetries
	if maxTries <= 0 {
		maxTries = 3
	}
	delay := time.Duration(cam.AutoRecordingRetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = 10 * time.Second
	}

	if attempts >= maxTries {
		c.mu.Lock()
		delete(c.retries, cam.Name)
		c.mu.Unlock()

		msg := fmt.Sprintf("auto recording failed after %d attempts: %v", attempts, err)
		c.store.MarkAutoRecordingAttempt(cam.Name, false, attempts, msg)
		metrics.RecordingErrors.WithLabelValues(cam.Name).Inc()
		c.bus.Publish(events.RecordingError, "autorecord", map[string]any{
			"camera_name": cam.Name,
			"machine":     machine,
			"error":       msg,
		})
		c.logger.Error("Auto recording gave up",
			"camera", cam.Name, "machine", machine, "attempts", attempts, "error", err)
		return
	}

	c.mu.Lock()
	c.retries[cam.Name] = &retryEntry{
		machine:   machine,
		attempts:  attempts,
		maxTries:  maxTries,
		delay:     delay,
		nextRetry: time.Now().Add(delay),
		lastError: err.Error(),
	}
	c.mu.Unlock()

	c.store.MarkAutoRecordingAttempt(cam.Name, false, attempts, err.Error())
	metrics.AutoRecordRetries.WithLabelValues(cam.Name).Inc()
	c.logger.Warn("Auto recording start failed, retry scheduled",
		"camera", cam.Name, "attempt", attempts, "max_retries", maxTries, "error", err)
}

func (c *Controller) retryLoop(stopCh chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.processRetries()
		}
	}
}

func (c *Controller) processRetries() {
	now := time.Now()
	c.mu.Lock()
	due := make(map[string]retryEntry)
	for name, e := range c.retries {
		if !e.nextRetry.After(now) {
			due[name] = *e
		}
	}
	c.mu.Unlock()

	for name, e := range due {
		// The machine may have turned off or the camera may have been
		// disabled since the entry was created.
		c.mu.Lock()
		_, still := c.retries[name]
		c.mu.Unlock()
		if !still {
			continue
		}
		info, _ := c.store.Camera(name)
		if !info.AutoRecordingEnabled {
			c.mu.Lock()
			delete(c.retries, name)
			c.mu.Unlock()
			continue
		}

		if err := c.tryStart(name, e.machine); err != nil {
			cam := c.cfg.CameraByName(name)
			if cam == nil {
				continue
			}
			c.scheduleRetry(*cam, e.machine, e.attempts+1, err)
			continue
		}
		c.mu.Lock()
		delete(c.retries, name)
		c.mu.Unlock()
	}
}
