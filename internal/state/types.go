package state

import "time"

// MachineState is the normalized state of an industrial machine.
type MachineState string

const (
	MachineUnknown MachineState = "unknown"
	MachineOn      MachineState = "on"
	MachineOff     MachineState = "off"
	MachineError   MachineState = "error"
)

// CameraStatus describes the availability of a physical camera device.
type CameraStatus string

const (
	CameraUnknown      CameraStatus = "unknown"
	CameraAvailable    CameraStatus = "available"
	CameraBusy         CameraStatus = "busy"
	CameraError        CameraStatus = "error"
	CameraDisconnected CameraStatus = "disconnected"
	CameraNotFound     CameraStatus = "not_found"
)

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	SessionRecording SessionState = "recording"
	SessionStopping  SessionState = "stopping"
	SessionIdle      SessionState = "idle"
	SessionError     SessionState = "error"
)

// MachineInfo is the stored record for one machine.
type MachineInfo struct {
	Name        string       `json:"name"`
	State       MachineState `json:"state"`
	LastUpdated time.Time    `json:"last_updated"`
	LastMessage string       `json:"last_message"`
	Topic       string       `json:"topic"`
}

// CameraInfo is the stored record for one camera.
type CameraInfo struct {
	Name              string       `json:"name"`
	Status            CameraStatus `json:"status"`
	LastChecked       time.Time    `json:"last_checked"`
	LastError         string       `json:"last_error,omitempty"`
	DeviceInfo        string       `json:"device_info,omitempty"`
	IsRecording       bool         `json:"is_recording"`
	RecordingFilename string       `json:"recording_filename,omitempty"`
	RecordingStarted  *time.Time   `json:"recording_started,omitempty"`

	// Auto-recording bookkeeping
	AutoRecordingEnabled      bool       `json:"auto_recording_enabled"`
	AutoRecordingActive       bool       `json:"auto_recording_active"`
	AutoRecordingFailureCount int        `json:"auto_recording_failure_count"`
	AutoRecordingLastAttempt  *time.Time `json:"auto_recording_last_attempt,omitempty"`
	AutoRecordingLastError    string     `json:"auto_recording_last_error,omitempty"`
}

// RecordingSession is the stored record for one recorder run.
type RecordingSession struct {
	ID            string       `json:"id"`
	CameraName    string       `json:"camera_name"`
	Filename      string       `json:"filename"`
	StartTime     time.Time    `json:"start_time"`
	EndTime       *time.Time   `json:"end_time,omitempty"`
	State         SessionState `json:"state"`
	BytesWritten  int64        `json:"bytes_written"`
	FramesWritten int64        `json:"frames_written"`
	ErrorMessage  string       `json:"error_message,omitempty"`
}

// BusEvent is one entry of the received-message ring.
type BusEvent struct {
	Sequence        uint64       `json:"sequence"`
	MachineName     string       `json:"machine_name"`
	Topic           string       `json:"topic"`
	Payload         string       `json:"payload"`
	NormalizedState MachineState `json:"normalized_state"`
	Timestamp       time.Time    `json:"timestamp"`
}

// SystemSummary is an immutable snapshot of the whole store.
type SystemSummary struct {
	Started      bool                   `json:"started"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	BusConnected bool                   `json:"bus_connected"`
	Machines     map[string]MachineInfo `json:"machines"`
	Cameras      map[string]CameraInfo  `json:"cameras"`
	Sessions     []RecordingSession     `json:"active_sessions"`
	GeneratedAt  time.Time              `json:"generated_at"`
}
