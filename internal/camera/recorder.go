package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/clock"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/metrics"
	"github.com/visionline/visiond/internal/state"
	"github.com/visionline/visiond/internal/storage"
)

// RecorderState tracks a recorder through its lifecycle.
type RecorderState string

const (
	RecorderIdle     RecorderState = "idle"
	RecorderOpening  RecorderState = "opening"
	RecorderRunning  RecorderState = "running"
	RecorderStopping RecorderState = "stopping"
	RecorderError    RecorderState = "error"
)

const (
	grabTimeout     = 200 * time.Millisecond
	stopJoinTimeout = 5 * time.Second

	// Pre-flight grabs wait longer than the capture loop: a sensor at a
	// low frame rate may legitimately take most of a second to deliver
	// its first frame.
	preflightGrabTimeout = time.Second

	// Header rate stamped into the container when capture is unpaced.
	unpacedHeaderFPS = 30
)

// RecorderStatus is the snapshot served by the control plane.
type RecorderStatus struct {
	CameraName    string        `json:"camera_name"`
	State         RecorderState `json:"state"`
	Filename      string        `json:"filename,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	StartTime     *time.Time    `json:"start_time,omitempty"`
	FramesWritten int64         `json:"frames_written"`
	LastError     string        `json:"last_error,omitempty"`
}

// Recorder captures frames from one camera device into video files. The
// device session is acquired lazily on start and released on stop, so an
// idle recorder holds no hardware.
type Recorder struct {
	name    string
	adapter camsdk.Adapter
	dev     camsdk.DeviceHandle
	clk     *clock.Clock
	index   *storage.Index
	store   *state.Store
	bus     *events.Bus

	newWriter WriterFactory

	mu        sync.Mutex
	cfg       config.CameraConfig
	recState  RecorderState
	session   camsdk.Session
	sessionID string
	filename  string
	path      string
	trigger   string
	startTime time.Time
	frames    int64
	lastError string
	stopCh    chan struct{}
	doneCh    chan struct{}

	logger *slog.Logger
}

// NewRecorder wires a recorder for one configured camera.
func NewRecorder(cfg config.CameraConfig, adapter camsdk.Adapter, dev camsdk.DeviceHandle,
	clk *clock.Clock, index *storage.Index, store *state.Store, bus *events.Bus,
	newWriter WriterFactory) *Recorder {
	return &Recorder{
		name:      cfg.Name,
		adapter:   adapter,
		dev:       dev,
		clk:       clk,
		index:     index,
		store:     store,
		bus:       bus,
		newWriter: newWriter,
		cfg:       cfg,
		recState:  RecorderIdle,
		logger:    slog.Default().With("component", "recorder", "camera", cfg.Name),
	}
}

// buildFilename resolves the output file name. An empty request produces
// the automatic pattern; a supplied name is prefixed with the timestamp
// so manual recordings still sort chronologically.
func (r *Recorder) buildFilename(requested string, now time.Time) string {
	ext := strings.TrimPrefix(r.cfg.VideoFormat, ".")
	if ext == "" {
		ext = "mp4"
	}
	stamp := r.clk.FilenameStamp(now)
	if requested == "" {
		return fmt.Sprintf("%s_recording_%s.%s", r.name, stamp, ext)
	}
	if filepath.Ext(requested) == "" {
		requested += "." + ext
	}
	return fmt.Sprintf("%s_%s", stamp, requested)
}

// Start opens the device, validates acquisition with a pre-flight grab
// and launches the capture worker. requested may be empty for the
// automatic filename. trigger names the machine for auto-started
// recordings and is empty for manual ones.
func (r *Recorder) Start(requested, trigger string) (string, error) {
	r.mu.Lock()
	switch r.recState {
	case RecorderRunning, RecorderOpening, RecorderStopping:
		r.mu.Unlock()
		return "", fmt.Errorf("camera %s is already recording", r.name)
	case RecorderError:
		r.mu.Unlock()
		return "", fmt.Errorf("camera %s recorder is in error state, clear it first", r.name)
	}
	r.recState = RecorderOpening
	cfg := r.cfg
	r.mu.Unlock()

	now := r.clk.Now()
	filename := r.buildFilename(requested, now)
	path := filepath.Join(cfg.StoragePath, filename)

	session, hdr, err := r.openAndValidate(cfg)
	if err != nil {
		r.failStart(err)
		return "", err
	}

	writer := r.newWriter()
	headerFPS := cfg.TargetFPS
	if headerFPS <= 0 {
		headerFPS = unpacedHeaderFPS
	}
	if err := writer.Open(path, hdr.Width, hdr.Height, headerFPS); err != nil {
		session.Close()
		r.failStart(err)
		return "", err
	}

	sessionID := r.store.StartSession(r.name, filename)
	r.index.Register(r.name, path, now, trigger)
	r.store.UpdateCamera(r.name, state.CameraBusy, "", "")

	r.mu.Lock()
	r.session = session
	r.sessionID = sessionID
	r.filename = filename
	r.path = path
	r.trigger = trigger
	r.startTime = now
	r.frames = 0
	r.lastError = ""
	r.recState = RecorderRunning
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	metrics.RecordingsStarted.WithLabelValues(r.name).Inc()
	metrics.ActiveRecordings.Inc()
	r.bus.Publish(events.RecordingStarted, "recorder", map[string]any{
		"camera_name": r.name,
		"filename":    filename,
		"session_id":  sessionID,
		"trigger":     trigger,
	})
	r.logger.Info("Recording started", "filename", filename, "session_id", sessionID)

	go r.captureLoop(session, writer, hdr, cfg, stopCh, doneCh)
	return filename, nil
}

// openAndValidate acquires the session, applies settings and proves the
// acquisition path with one grabbed frame before any file is created.
func (r *Recorder) openAndValidate(cfg config.CameraConfig) (camsdk.Session, camsdk.FrameHeader, error) {
	session, err := r.adapter.Open(r.dev)
	if err != nil {
		return nil, camsdk.FrameHeader{}, fmt.Errorf("failed to open camera %s: %w", r.name, err)
	}
	if err := session.Configure(settingsFromConfig(&cfg, r.dev.IsColor)); err != nil {
		session.Close()
		return nil, camsdk.FrameHeader{}, fmt.Errorf("failed to configure camera %s: %w", r.name, err)
	}
	if err := session.Play(); err != nil {
		session.Close()
		return nil, camsdk.FrameHeader{}, fmt.Errorf("failed to start acquisition on %s: %w", r.name, err)
	}

	raw, hdr, err := session.Grab(preflightGrabTimeout)
	if err != nil {
		session.Close()
		return nil, camsdk.FrameHeader{}, fmt.Errorf("pre-flight grab failed on %s: %w", r.name, err)
	}
	session.Release(raw)
	return session, hdr, nil
}

func (r *Recorder) failStart(err error) {
	r.mu.Lock()
	r.recState = RecorderError
	r.lastError = err.Error()
	r.mu.Unlock()

	r.store.UpdateCamera(r.name, state.CameraError, err.Error(), "")
	metrics.RecordingErrors.WithLabelValues(r.name).Inc()
	r.bus.Publish(events.RecordingError, "recorder", map[string]any{
		"camera_name": r.name,
		"error":       err.Error(),
	})
	r.logger.Error("Failed to start recording", "error", err)
}

// captureLoop is the recording worker. Buffers are sized once from the
// sensor maximum so a live geometry change cannot overrun them.
func (r *Recorder) captureLoop(session camsdk.Session, writer VideoWriter,
	firstHdr camsdk.FrameHeader, cfg config.CameraConfig, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	maxW, maxH := session.MaxFrameSize()
	processed := make([]byte, maxW*maxH*camsdk.BytesPerPixel(16, true))
	bgr := make([]byte, bgrFrameSize(maxW, maxH))

	var frameInterval time.Duration
	if cfg.TargetFPS > 0 {
		frameInterval = time.Duration(float64(time.Second) / cfg.TargetFPS)
	}

	var loopErr error
	next := time.Now()
	for {
		select {
		case <-stopCh:
			r.finish(session, writer, loopErr)
			return
		default:
		}

		raw, hdr, err := session.Grab(grabTimeout)
		if err != nil {
			if errors.Is(err, camsdk.ErrGrabTimeout) {
				metrics.GrabTimeouts.WithLabelValues(r.name).Inc()
				continue
			}
			loopErr = fmt.Errorf("frame grab failed: %w", err)
			r.finish(session, writer, loopErr)
			return
		}

		err = session.Process(raw, processed, hdr)
		session.Release(raw)
		if err != nil {
			loopErr = fmt.Errorf("frame processing failed: %w", err)
			r.finish(session, writer, loopErr)
			return
		}

		if err := decodeToBGR(processed, hdr, bgr); err != nil {
			loopErr = err
			r.finish(session, writer, loopErr)
			return
		}
		if err := writer.WriteFrame(bgr[:bgrFrameSize(hdr.Width, hdr.Height)]); err != nil {
			loopErr = fmt.Errorf("frame write failed: %w", err)
			r.finish(session, writer, loopErr)
			return
		}

		r.mu.Lock()
		r.frames++
		r.mu.Unlock()
		metrics.FramesWritten.WithLabelValues(r.name).Inc()

		if frameInterval > 0 {
			next = next.Add(frameInterval)
			if d := time.Until(next); d > 0 {
				select {
				case <-stopCh:
				case <-time.After(d):
				}
			} else {
				// Behind schedule, skip the sleep and catch up.
				next = time.Now()
			}
		}
	}
}

// finish tears the session down, finalizes the file and publishes the
// terminal event. Runs exactly once per recording, on the worker.
func (r *Recorder) finish(session camsdk.Session, writer VideoWriter, loopErr error) {
	session.Stop()
	session.Close()

	bytes, frames, closeErr := writer.Close()
	if loopErr == nil && closeErr != nil {
		loopErr = closeErr
	}

	r.mu.Lock()
	sessionID := r.sessionID
	filename := r.filename
	start := r.startTime
	r.session = nil
	if loopErr != nil {
		r.recState = RecorderError
		r.lastError = loopErr.Error()
	} else {
		r.recState = RecorderIdle
		r.lastError = ""
	}
	r.mu.Unlock()

	end := r.clk.Now()
	duration := end.Sub(start).Seconds()
	metrics.ActiveRecordings.Dec()

	if loopErr != nil {
		r.store.ErrorSession(sessionID, loopErr.Error())
		r.store.UpdateCamera(r.name, state.CameraError, loopErr.Error(), "")
		metrics.RecordingErrors.WithLabelValues(r.name).Inc()
		r.bus.Publish(events.RecordingError, "recorder", map[string]any{
			"camera_name": r.name,
			"filename":    filename,
			"session_id":  sessionID,
			"error":       loopErr.Error(),
		})
		r.logger.Error("Recording ended with error", "filename", filename, "error", loopErr)
	} else {
		r.store.StopSession(sessionID, bytes, frames)
		r.store.UpdateCamera(r.name, state.CameraAvailable, "", "")
		metrics.RecordingsStopped.WithLabelValues(r.name).Inc()
		r.bus.Publish(events.RecordingStopped, "recorder", map[string]any{
			"camera_name":      r.name,
			"filename":         filename,
			"session_id":       sessionID,
			"duration_seconds": duration,
			"frames_written":   frames,
		})
		r.logger.Info("Recording stopped",
			"filename", filename, "duration_seconds", duration, "frames", frames)
	}

	if err := r.index.Finalize(filepath.Base(filename), end, duration, frames); err != nil {
		r.logger.Warn("Failed to finalize index entry", "filename", filename, "error", err)
	}
}

// Stop ends the recording. Stopping an idle recorder is a no-op success.
// If the worker does not join within the timeout the session is force
// closed, which unblocks any grab in flight.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.recState != RecorderRunning {
		r.mu.Unlock()
		return nil
	}
	r.recState = RecorderStopping
	stopCh, doneCh := r.stopCh, r.doneCh
	session := r.session
	r.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-time.After(stopJoinTimeout):
		r.logger.Warn("Capture worker did not stop in time, forcing session close")
		if session != nil {
			session.Close()
		}
		select {
		case <-doneCh:
			return nil
		case <-time.After(stopJoinTimeout):
			return fmt.Errorf("capture worker for %s did not stop", r.name)
		}
	}
}

// ApplyConfig updates the recorder's settings. A live session receives
// the subset of settings that apply without teardown; settings that need
// a restart are rejected while recording.
func (r *Recorder) ApplyConfig(cfg config.CameraConfig) error {
	r.mu.Lock()
	session := r.session
	running := r.recState == RecorderRunning
	r.cfg = cfg
	r.mu.Unlock()

	if !running || session == nil {
		return nil
	}
	if err := session.UpdateLive(settingsFromConfig(&cfg, r.dev.IsColor)); err != nil {
		return fmt.Errorf("failed to apply settings to live session on %s: %w", r.name, err)
	}
	r.logger.Info("Applied settings to live session")
	return nil
}

// State reports the current lifecycle state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recState
}

// Recording reports whether a capture worker is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recState == RecorderRunning || r.recState == RecorderStopping
}

// Status returns a status snapshot.
func (r *Recorder) Status() RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RecorderStatus{
		CameraName:    r.name,
		State:         r.recState,
		FramesWritten: r.frames,
		LastError:     r.lastError,
	}
	if r.recState == RecorderRunning || r.recState == RecorderStopping {
		st.Filename = r.filename
		st.SessionID = r.sessionID
		t := r.startTime
		st.StartTime = &t
	}
	return st
}

// LiveSession returns the active capture session, or nil when idle.
// Recovery operations target this session while a recording runs.
func (r *Recorder) LiveSession() camsdk.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recState == RecorderRunning {
		return r.session
	}
	return nil
}

// ClearError returns an errored recorder to idle so it can start again.
func (r *Recorder) ClearError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recState == RecorderError {
		r.recState = RecorderIdle
		r.lastError = ""
	}
}
