// Package state holds the shared runtime registry of machines, cameras,
// recording sessions and received bus messages. All reads hand out copies;
// callers never see live internal structs.
package state

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// busEventRingSize bounds the received-message history.
const busEventRingSize = 100

// Store is the single mutex-guarded state registry.
type Store struct {
	mu sync.Mutex

	machines map[string]*MachineInfo
	cameras  map[string]*CameraInfo
	sessions map[string]*RecordingSession

	busEvents    []BusEvent
	busSeq       uint64
	busConnected bool
	busActivity  time.Time

	started   bool
	startTime *time.Time

	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		machines: make(map[string]*MachineInfo),
		cameras:  make(map[string]*CameraInfo),
		sessions: make(map[string]*RecordingSession),
		logger:   slog.Default().With("component", "state"),
	}
}

// NormalizePayload maps a raw bus payload onto a machine state. Payloads
// outside the known vocabulary are folded to their lowercased form so a
// transition is still observable.
func NormalizePayload(payload string) MachineState {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "true", "1", "start", "running", "active":
		return MachineOn
	case "off", "false", "0", "stop", "stopped", "inactive":
		return MachineOff
	case "error", "fault", "alarm":
		return MachineError
	default:
		return MachineState(strings.ToLower(strings.TrimSpace(payload)))
	}
}

// UpdateMachine normalizes the payload, writes the machine record and
// reports whether the state transitioned.
func (s *Store) UpdateMachine(name, rawPayload, topic string) (MachineState, bool) {
	normalized := NormalizePayload(rawPayload)
	switch normalized {
	case MachineOn, MachineOff, MachineError:
	default:
		s.logger.Warn("Unknown machine payload, treating as raw state",
			"machine", name, "payload", rawPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[name]
	if !ok {
		m = &MachineInfo{Name: name, State: MachineUnknown}
		s.machines[name] = m
	}

	changed := m.State != normalized
	m.State = normalized
	m.LastUpdated = time.Now()
	m.LastMessage = rawPayload
	m.Topic = topic
	return normalized, changed
}

// Machine returns a copy of one machine record.
func (s *Store) Machine(name string) (MachineInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[name]
	if !ok {
		return MachineInfo{}, false
	}
	return *m, true
}

// Machines returns a copy of all machine records.
func (s *Store) Machines() map[string]MachineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]MachineInfo, len(s.machines))
	for k, v := range s.machines {
		out[k] = *v
	}
	return out
}

// RegisterMachine seeds a machine record at subscription bootstrap.
func (s *Store) RegisterMachine(name, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[name]; !ok {
		s.machines[name] = &MachineInfo{Name: name, State: MachineUnknown, Topic: topic}
	}
}

// UpdateCamera writes camera status and reports whether it changed.
func (s *Store) UpdateCamera(name string, status CameraStatus, lastError, deviceInfo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cameraLocked(name)
	changed := c.Status != status
	c.Status = status
	c.LastChecked = time.Now()
	if lastError != "" {
		c.LastError = lastError
	}
	if deviceInfo != "" {
		c.DeviceInfo = deviceInfo
	}
	return changed
}

// cameraLocked fetches or creates a camera record. Caller must hold mu.
func (s *Store) cameraLocked(name string) *CameraInfo {
	c, ok := s.cameras[name]
	if !ok {
		c = &CameraInfo{Name: name, Status: CameraUnknown}
		s.cameras[name] = c
	}
	return c
}

// SetCameraRecording flips the recording flag, keeping the flag and the
// filename consistent with each other.
func (s *Store) SetCameraRecording(name string, recording bool, filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cameraLocked(name)
	c.IsRecording = recording
	if recording {
		c.RecordingFilename = filename
		now := time.Now()
		c.RecordingStarted = &now
	} else {
		c.RecordingFilename = ""
		c.RecordingStarted = nil
	}
}

// SetAutoRecording updates the auto-recording policy flags for a camera.
func (s *Store) SetAutoRecording(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cameraLocked(name)
	c.AutoRecordingEnabled = enabled
	if !enabled {
		c.AutoRecordingActive = false
	}
}

// MarkAutoRecordingAttempt records one auto-start attempt outcome.
func (s *Store) MarkAutoRecordingAttempt(name string, active bool, failures int, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cameraLocked(name)
	c.AutoRecordingActive = active
	c.AutoRecordingFailureCount = failures
	now := time.Now()
	c.AutoRecordingLastAttempt = &now
	c.AutoRecordingLastError = lastError
}

// Camera returns a copy of one camera record.
func (s *Store) Camera(name string) (CameraInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cameras[name]
	if !ok {
		return CameraInfo{}, false
	}
	return *c, true
}

// Cameras returns a copy of all camera records.
func (s *Store) Cameras() map[string]CameraInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CameraInfo, len(s.cameras))
	for k, v := range s.cameras {
		out[k] = *v
	}
	return out
}

// StartSession creates a recording session and marks the camera recording.
// At most one session per camera may be in the recording state.
func (s *Store) StartSession(camera, filename string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.CameraName == camera && sess.State == SessionRecording {
			s.logger.Warn("Replacing stale recording session", "camera", camera, "session", sess.ID)
			sess.State = SessionError
			sess.ErrorMessage = "superseded by a new session"
		}
	}

	id := uuid.New().String()
	s.sessions[id] = &RecordingSession{
		ID:         id,
		CameraName: camera,
		Filename:   filename,
		StartTime:  time.Now(),
		State:      SessionRecording,
	}

	c := s.cameraLocked(camera)
	c.IsRecording = true
	c.RecordingFilename = filename
	now := time.Now()
	c.RecordingStarted = &now

	return id
}

// StopSession finalizes a session and clears the camera's recording flag.
func (s *Store) StopSession(id string, bytesWritten, framesWritten int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	now := time.Now()
	sess.EndTime = &now
	sess.State = SessionIdle
	sess.BytesWritten = bytesWritten
	sess.FramesWritten = framesWritten

	s.clearRecordingLocked(sess.CameraName)
	return true
}

// ErrorSession marks a session failed and clears the camera's recording flag.
func (s *Store) ErrorSession(id, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	now := time.Now()
	sess.EndTime = &now
	sess.State = SessionError
	sess.ErrorMessage = msg

	s.clearRecordingLocked(sess.CameraName)
	return true
}

func (s *Store) clearRecordingLocked(camera string) {
	if c, ok := s.cameras[camera]; ok {
		c.IsRecording = false
		c.RecordingFilename = ""
		c.RecordingStarted = nil
	}
}

// Session returns a copy of one session record.
func (s *Store) Session(id string) (RecordingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return RecordingSession{}, false
	}
	return *sess, true
}

// ActiveSessions returns copies of all sessions still recording.
func (s *Store) ActiveSessions() []RecordingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordingSession
	for _, sess := range s.sessions {
		if sess.State == SessionRecording {
			out = append(out, *sess)
		}
	}
	return out
}

// AddBusEvent appends one received message to the bounded ring.
func (s *Store) AddBusEvent(machine, topic, payload string, normalized MachineState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.busSeq++
	s.busEvents = append(s.busEvents, BusEvent{
		Sequence:        s.busSeq,
		MachineName:     machine,
		Topic:           topic,
		Payload:         payload,
		NormalizedState: normalized,
		Timestamp:       time.Now(),
	})
	if len(s.busEvents) > busEventRingSize {
		s.busEvents = s.busEvents[len(s.busEvents)-busEventRingSize:]
	}
}

// RecentBusEvents returns up to limit events, newest last.
func (s *Store) RecentBusEvents(limit int) []BusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.busEvents) {
		limit = len(s.busEvents)
	}
	out := make([]BusEvent, limit)
	copy(out, s.busEvents[len(s.busEvents)-limit:])
	return out
}

// BusEventCount reports the total number of messages ever recorded.
func (s *Store) BusEventCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busSeq
}

// SetBusConnected updates the bus connectivity flag.
func (s *Store) SetBusConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busConnected = connected
}

// BusConnected reports the bus connectivity flag.
func (s *Store) BusConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busConnected
}

// UpdateBusActivity stamps the last time a bus message arrived.
func (s *Store) UpdateBusActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busActivity = time.Now()
}

// SetStarted flips the system-started flag.
func (s *Store) SetStarted(started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = started
	if started {
		now := time.Now()
		s.startTime = &now
	}
}

// Summary returns an immutable snapshot suitable for serialization.
func (s *Store) Summary() SystemSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := SystemSummary{
		Started:      s.started,
		BusConnected: s.busConnected,
		Machines:     make(map[string]MachineInfo, len(s.machines)),
		Cameras:      make(map[string]CameraInfo, len(s.cameras)),
		GeneratedAt:  time.Now(),
	}
	if s.startTime != nil {
		t := *s.startTime
		sum.StartTime = &t
	}
	for k, v := range s.machines {
		sum.Machines[k] = *v
	}
	for k, v := range s.cameras {
		sum.Cameras[k] = *v
	}
	for _, sess := range s.sessions {
		if sess.State == SessionRecording {
			sum.Sessions = append(sum.Sessions, *sess)
		}
	}
	return sum
}
