// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusMessages counts telemetry messages received from the broker.
	BusMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visiond_bus_messages_total",
		Help: "Telemetry messages received from the MQTT broker.",
	})

	// MachineTransitions counts observed machine state transitions.
	MachineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_machine_transitions_total",
		Help: "Machine state transitions by machine and new state.",
	}, []string{"machine", "state"})

	// RecordingsStarted counts recordings started, by camera.
	RecordingsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_recordings_started_total",
		Help: "Recordings started, by camera.",
	}, []string{"camera"})

	// RecordingsStopped counts recordings stopped cleanly, by camera.
	RecordingsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_recordings_stopped_total",
		Help: "Recordings stopped cleanly, by camera.",
	}, []string{"camera"})

	// RecordingErrors counts recordings ended by an error, by camera.
	RecordingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_recording_errors_total",
		Help: "Recordings ended by an error, by camera.",
	}, []string{"camera"})

	// FramesWritten counts frames handed to the encoder, by camera.
	FramesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_frames_written_total",
		Help: "Frames handed to the encoder, by camera.",
	}, []string{"camera"})

	// GrabTimeouts counts non-fatal frame grab timeouts, by camera.
	GrabTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_grab_timeouts_total",
		Help: "Non-fatal frame grab timeouts, by camera.",
	}, []string{"camera"})

	// ActiveRecordings gauges recordings currently running.
	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visiond_active_recordings",
		Help: "Recordings currently running.",
	})

	// StreamClients gauges connected MJPEG stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visiond_stream_clients",
		Help: "Connected MJPEG stream clients.",
	})

	// AutoRecordRetries counts auto-record start retries, by camera.
	AutoRecordRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiond_auto_record_retries_total",
		Help: "Auto-record start retries, by camera.",
	}, []string{"camera"})
)
