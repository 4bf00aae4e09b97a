package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string    `json:"error"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// actionResult is the JSON shape of state-changing operations.
type actionResult struct {
	Success         bool     `json:"success"`
	Message         string   `json:"message,omitempty"`
	Filename        string   `json:"filename,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// writeJSON sends a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError sends the standard error shape.
func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Details:   details,
		Timestamp: time.Now(),
	})
}

func badRequest(w http.ResponseWriter, details string) {
	writeError(w, http.StatusBadRequest, "bad request", details)
}

func notFound(w http.ResponseWriter, details string) {
	writeError(w, http.StatusNotFound, "not found", details)
}

func conflict(w http.ResponseWriter, details string) {
	writeError(w, http.StatusConflict, "conflict", details)
}

func internalError(w http.ResponseWriter, details string) {
	writeError(w, http.StatusInternalServerError, "internal error", details)
}

func serviceUnavailable(w http.ResponseWriter, details string) {
	writeError(w, http.StatusServiceUnavailable, "service unavailable", details)
}
