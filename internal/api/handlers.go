package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/e7canasta/poselive/internal/config"
	"github.com/e7canasta/poselive/internal/core"
	"github.com/e7canasta/poselive/internal/emitter"
	"github.com/e7canasta/poselive/internal/label"
	"github.com/e7canasta/poselive/internal/manager"
)

// displayQuality is the JPEG quality of /frame.jpg.
const displayQuality = 80

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]interface{}{
		"error": err.Error(),
	})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrNotFound), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrNoSession), errors.Is(err, manager.ErrNoPose):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrNotRunning),
		errors.Is(err, manager.ErrAlreadyRunning),
		errors.Is(err, manager.ErrSessionOpen),
		errors.Is(err, manager.ErrSessionExists),
		errors.Is(err, manager.ErrRecording),
		errors.Is(err, core.ErrRecordNotReady):
		return http.StatusConflict
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

// command adapts a parameterless pipeline operation to a POST handler.
func (s *Server) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	}
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": s.p.HealthCheck().UptimeSeconds,
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 200 unless the service is unhealthy; degraded is still ready
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.p.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// StatusHandler serves the full service status.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Status())
}

// FrameHandler serves the latest frame as a JPEG, resized for display.
// With ?overlay=1 the latest pose is drawn on it.
func (s *Server) FrameHandler(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.p.DisplayFrame()
	if !ok {
		http.Error(w, "no frame captured yet", http.StatusNotFound)
		return
	}

	opts := s.p.Display()
	img := label.Resize(label.ToRGBA(frame.Data, frame.Width, frame.Height), opts.Resize)

	if overlay, _ := strconv.ParseBool(r.URL.Query().Get("overlay")); overlay {
		if sample, ok := s.p.DisplayPose(); ok {
			// display poses are already scaled by the resize factor
			label.DrawPose(img, sample.Pose, opts.Cutoff, opts.Radius, label.Palette(len(sample.Pose)))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: displayQuality}); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.Write(buf.Bytes())
}

// PoseHandler serves the latest display pose.
func (s *Server) PoseHandler(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.p.DisplayPose()
	if !ok {
		writeError(w, manager.ErrNoPose)
		return
	}
	writeJSON(w, http.StatusOK, emitter.NewPoseMessage(s.p.InstanceID(), s.p.PoseMeta(), sample))
}

type startPoseRequest struct {
	Estimator string `json:"estimator"`
}

// StartPoseHandler starts pose estimation with the named pose options.
func (s *Server) StartPoseHandler(w http.ResponseWriter, r *http.Request) {
	var req startPoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Estimator == "" {
		writeError(w, errors.Join(errBadRequest, errors.New("body must be {\"estimator\": name}")))
		return
	}
	if err := s.p.StartPose(req.Estimator); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "estimator": req.Estimator})
}

type newSessionRequest struct {
	Directory string `json:"directory"`
	Subject   string `json:"subject"`
	Attempt   int    `json:"attempt"`
	Overwrite bool   `json:"overwrite"`
}

// NewSessionHandler opens a recording session.
func (s *Server) NewSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeError(w, errors.Join(errBadRequest, errors.New("body must name a subject")))
		return
	}
	sess, err := s.p.OpenSession(req.Directory, req.Subject, req.Attempt, req.Overwrite)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// SaveSessionHandler closes the session keeping its files.
func (s *Server) SaveSessionHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.p.SaveSession()
	if err != nil && res.Session.ID == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		// the video was kept; only the pose table failed
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
