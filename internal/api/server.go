package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visionline/visiond/internal/autorecord"
	"github.com/visionline/visiond/internal/bus"
	"github.com/visionline/visiond/internal/camera"
	"github.com/visionline/visiond/internal/clock"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/state"
	"github.com/visionline/visiond/internal/storage"
)

const (
	busEventsDefaultLimit = 10
	busEventsMaxLimit     = 50
)

// BusClient is the broker-facing surface the control plane needs.
type BusClient interface {
	Status() bus.Status
	Connected() bool
	Publish(topic, payload string) error
}

// Server is the HTTP and WebSocket control plane.
type Server struct {
	cfg    *config.Config
	store  *state.Store
	busCli BusClient
	index  *storage.Index
	mgr    *camera.Manager
	ctl    *autorecord.Controller
	clk    *clock.Clock
	hub    *Hub

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the control plane over the running subsystems.
func NewServer(cfg *config.Config, store *state.Store, busCli BusClient,
	index *storage.Index, mgr *camera.Manager, ctl *autorecord.Controller,
	clk *clock.Clock, hub *Hub) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		busCli: busCli,
		index:  index,
		mgr:    mgr,
		ctl:    ctl,
		clk:    clk,
		hub:    hub,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the chi router with the full endpoint surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Long-lived connections live outside the request timeout.
	r.Get("/ws", s.hub.HandleWebSocket)
	r.Get("/cameras/{name}/stream", s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", s.handleHealth)
		r.Get("/system/status", s.handleSystemStatus)
		r.Get("/machines", s.handleMachines)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		r.Route("/mqtt", func(r chi.Router) {
			r.Get("/status", s.handleMQTTStatus)
			r.Get("/events", s.handleMQTTEvents)
			r.Post("/publish", s.handleMQTTPublish)
		})

		r.Get("/cameras", s.handleCameras)
		r.Route("/cameras/{name}", func(r chi.Router) {
			r.Get("/status", s.handleCameraStatus)
			r.Post("/start-recording", s.handleStartRecording)
			r.Post("/stop-recording", s.handleStopRecording)
			r.Post("/start-stream", s.handleStartStream)
			r.Post("/stop-stream", s.handleStopStream)
			r.Get("/config", s.handleCameraConfig)
			r.Put("/config", s.handlePutConfig)
			r.Post("/apply-config", s.handleApplyConfig)
			r.Post("/test-connection", s.recoveryHandler("test_connection", s.mgr.TestConnection))
			r.Post("/reconnect", s.recoveryHandler("reconnect", s.mgr.Reconnect))
			r.Post("/restart-grab", s.recoveryHandler("restart_grab", s.mgr.RestartGrab))
			r.Post("/reset-timestamp", s.recoveryHandler("reset_timestamp", s.mgr.ResetTimestamp))
			r.Post("/full-reset", s.recoveryHandler("full_reset", s.mgr.FullReset))
			r.Post("/reinitialize", s.recoveryHandler("reinitialize", s.mgr.Reinitialize))
			r.Post("/auto-recording/enable", s.handleAutoRecordingToggle(true))
			r.Post("/auto-recording/disable", s.handleAutoRecordingToggle(false))
		})

		r.Get("/auto-recording/status", s.handleAutoRecordingStatus)
		r.Get("/recordings", s.handleRecordings)

		r.Route("/storage", func(r chi.Router) {
			r.Get("/stats", s.handleStorageStats)
			r.Get("/files", s.handleRecordings)
			r.Post("/files", s.handleStorageFiles)
			r.Post("/cleanup", s.handleStorageCleanup)
			r.Post("/integrity", s.handleStorageIntegrity)
		})
	})

	return r
}

// Start serves the control plane until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.System.APIHost, s.cfg.System.APIPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("Control plane listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.clk.Now(),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Summary())
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"machines": s.store.Machines()})
}

func (s *Server) handleMQTTStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.busCli.Status())
}

func (s *Server) handleMQTTEvents(w http.ResponseWriter, r *http.Request) {
	limit := busEventsDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}
	// Out-of-range limits clamp instead of failing.
	if limit < 1 {
		limit = 1
	}
	if limit > busEventsMaxLimit {
		limit = busEventsMaxLimit
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.store.RecentBusEvents(limit),
		"total":  s.store.BusEventCount(),
	})
}

func (s *Server) handleMQTTPublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic   string `json:"topic"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		badRequest(w, "topic is required")
		return
	}
	if err := s.busCli.Publish(req.Topic, req.Payload); err != nil {
		serviceUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionResult{Success: true, Message: "published"})
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	cameras := s.store.Cameras()
	out := make([]state.CameraInfo, 0, len(cameras))
	for _, name := range s.mgr.Names() {
		if info, ok := cameras[name]; ok {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cameras": out})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, ok := s.store.Camera(name)
	if !ok {
		notFound(w, "unknown camera: "+name)
		return
	}
	rec, err := s.mgr.RecorderStatus(name)
	if err != nil {
		notFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"camera":    info,
		"recorder":  rec,
		"streaming": s.mgr.Streaming(name),
	})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Filename   string   `json:"filename"`
		ExposureMs *float64 `json:"exposure_ms"`
		Gain       *float64 `json:"gain"`
		FPS        *float64 `json:"fps"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	// Per-request capture overrides persist like any other config change.
	if req.ExposureMs != nil || req.Gain != nil || req.FPS != nil {
		cam, err := s.mgr.CameraConfig(name)
		if err != nil {
			notFound(w, err.Error())
			return
		}
		if req.ExposureMs != nil {
			cam.ExposureMs = *req.ExposureMs
		}
		if req.Gain != nil {
			cam.Gain = *req.Gain
		}
		if req.FPS != nil {
			cam.TargetFPS = *req.FPS
		}
		if err := s.mgr.ApplyConfig(name, cam); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	filename, err := s.mgr.StartRecording(name, req.Filename, "")
	if err != nil {
		if s.mgr.Recording(name) {
			conflict(w, err.Error())
			return
		}
		internalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionResult{
		Success:  true,
		Message:  "recording started",
		Filename: filename,
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.mgr.RecorderStatus(name)
	if err != nil {
		notFound(w, err.Error())
		return
	}
	if err := s.mgr.StopRecording(name); err != nil {
		internalError(w, err.Error())
		return
	}
	res := actionResult{
		Success:  true,
		Message:  "recording stopped",
		Filename: st.Filename,
	}
	// A stop with nothing running still reports a duration, of zero.
	var d float64
	if st.StartTime != nil {
		d = s.clk.Now().Sub(*st.StartTime).Seconds()
	}
	res.DurationSeconds = &d
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.mgr.StartStream(name); err != nil {
		if errors.Is(err, camera.ErrStreamBusy) {
			conflict(w, err.Error())
			return
		}
		internalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionResult{Success: true, Message: "stream started"})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.mgr.StopStream(name); err != nil {
		notFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionResult{Success: true, Message: "stream stopped"})
}

func (s *Server) handleCameraConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cam, err := s.mgr.CameraConfig(name)
	if err != nil {
		notFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func (s *Server) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	current, err := s.mgr.CameraConfig(name)
	if err != nil {
		notFound(w, err.Error())
		return
	}

	// Overlay the request onto the current settings so omitted fields
	// keep their values.
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	base, err := json.Marshal(current)
	if err != nil {
		internalError(w, err.Error())
		return
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		internalError(w, err.Error())
		return
	}
	for k, v := range patch {
		merged[k] = v
	}
	full, err := json.Marshal(merged)
	if err != nil {
		internalError(w, err.Error())
		return
	}
	if err := json.Unmarshal(full, &current); err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := s.mgr.ApplyConfig(name, current); err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionResult{Success: true, Message: "configuration applied"})
}

// handlePutConfig replaces the camera configuration wholesale. Omitted
// fields fall back to defaults; use apply-config for partial updates.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.mgr.CameraConfig(name); err != nil {
		notFound(w, err.Error())
		return
	}

	var cam config.CameraConfig
	if err := json.NewDecoder(r.Body).Decode(&cam); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if err := s.mgr.ApplyConfig(name, cam); err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionResult{Success: true, Message: "configuration applied"})
}

// recoveryHandler wraps one manager recovery operation as an endpoint.
func (s *Server) recoveryHandler(op string, fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := fn(name); err != nil {
			writeJSON(w, http.StatusOK, actionResult{
				Success: false,
				Message: fmt.Sprintf("%s failed: %v", op, err),
			})
			return
		}
		writeJSON(w, http.StatusOK, actionResult{
			Success: true,
			Message: op + " succeeded",
		})
	}
}

func (s *Server) handleAutoRecordingToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var err error
		if enable {
			err = s.ctl.Enable(name)
		} else {
			err = s.ctl.Disable(name)
		}
		if err != nil {
			notFound(w, err.Error())
			return
		}
		msg := "auto-recording disabled"
		if enable {
			msg = "auto-recording enabled"
		}
		writeJSON(w, http.StatusOK, actionResult{Success: true, Message: msg})
	}
}

func (s *Server) handleAutoRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{Camera: q.Get("camera")}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := s.clk.Parse(raw)
		if err != nil {
			badRequest(w, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := s.clk.Parse(raw)
		if err != nil {
			badRequest(w, "invalid until timestamp")
			return
		}
		filter.Until = &t
	}

	files := s.index.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

// handleStorageFiles is the body-filtered variant of the recordings list.
func (s *Server) handleStorageFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Camera string `json:"camera"`
		Limit  int    `json:"limit"`
		Since  string `json:"since"`
		Until  string `json:"until"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}
	if req.Limit < 0 {
		badRequest(w, "limit must be a non-negative integer")
		return
	}

	filter := storage.ListFilter{Camera: req.Camera, Limit: req.Limit}
	if req.Since != "" {
		t, err := s.clk.Parse(req.Since)
		if err != nil {
			badRequest(w, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}
	if req.Until != "" {
		t, err := s.clk.Parse(req.Until)
		if err != nil {
			badRequest(w, "invalid until timestamp")
			return
		}
		filter.Until = &t
	}

	files := s.index.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.index.Stats())
}

func (s *Server) handleStorageCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.Storage.CleanupOlderThanDays
	var req struct {
		OlderThanDays *int `json:"older_than_days"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}
	if req.OlderThanDays != nil {
		if *req.OlderThanDays < 1 {
			badRequest(w, "older_than_days must be at least 1")
			return
		}
		days = *req.OlderThanDays
	}
	writeJSON(w, http.StatusOK, s.index.Cleanup(days))
}

func (s *Server) handleStorageIntegrity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.index.VerifyIntegrity())
}
