package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder"
	"github.com/mikeyg42/replaycap/internal/recorder/muxer"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// Controller is the part of recorder.Service the API drives.
type Controller interface {
	State() recorder.State
	Mode() recorder.Mode
	StartCapture(ctx context.Context) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (*muxer.Result, error)
	SaveReplayBuffer(ctx context.Context) (*muxer.Result, error)
	GetMetrics() map[string]interface{}
}

var _ Controller = (*recorder.Service)(nil)

// RecordingHandler handles recording control endpoints
type RecordingHandler struct {
	ctrl   Controller
	logger recorderlog.Logger
}

// NewRecordingHandler creates a new recording handler
func NewRecordingHandler(ctrl Controller, logger recorderlog.Logger) *RecordingHandler {
	return &RecordingHandler{ctrl: ctrl, logger: recorderlog.OrNop(logger)}
}

// RegisterRoutes registers recording API routes. limiter, if not nil,
// guards replay saves.
func (h *RecordingHandler) RegisterRoutes(mux *http.ServeMux, limiter *RateLimiter) {
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/recording/start", h.handleStart)
	mux.HandleFunc("/api/recording/stop", h.handleStop)

	save := h.handleSave
	if limiter != nil {
		save = limiter.Middleware(save)
	}
	mux.HandleFunc("/api/replay/save", save)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	State   string                 `json:"state"`
	Mode    string                 `json:"mode,omitempty"`
	Metrics map[string]interface{} `json:"metrics"`
}

// FileResponse describes a finalized file.
type FileResponse struct {
	Path         string  `json:"path"`
	Container    string  `json:"container"`
	Duration     float64 `json:"duration_seconds"`
	VideoSamples uint64  `json:"video_samples"`
	AudioSamples uint64  `json:"audio_samples"`
	Bytes        int64   `json:"bytes"`
	Checksum     string  `json:"checksum"`
	Truncated    bool    `json:"truncated"`
	// Error is set on a partial save.
	Error string `json:"error,omitempty"`
}

func fileResponse(res *muxer.Result) *FileResponse {
	return &FileResponse{
		Path:         res.Path,
		Container:    string(res.Container),
		Duration:     res.Duration.Seconds(),
		VideoSamples: res.VideoSamples,
		AudioSamples: res.AudioSamples,
		Bytes:        res.Bytes,
		Checksum:     res.Checksum,
		Truncated:    res.Truncated,
	}
}

// handleStatus handles GET /api/status
func (h *RecordingHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		State:   h.ctrl.State().String(),
		Mode:    string(h.ctrl.Mode()),
		Metrics: h.ctrl.GetMetrics(),
	})
}

// handleStart handles POST /api/recording/start. Capture is started first
// when needed.
func (h *RecordingHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.ctrl.State() == recorder.StateRecording {
		writeError(w, http.StatusConflict, "already recording")
		return
	}
	// The recording outlives the request.
	ctx := context.WithoutCancel(r.Context())
	if err := h.ctrl.StartCapture(ctx); err != nil {
		h.logger.Error("Failed to start capture", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.ctrl.StartRecording(ctx); err != nil {
		h.logger.Error("Failed to start recording", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		State: h.ctrl.State().String(),
		Mode:  string(h.ctrl.Mode()),
	})
}

// handleStop handles POST /api/recording/stop
func (h *RecordingHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.ctrl.State() != recorder.StateRecording {
		writeError(w, http.StatusConflict, "not recording")
		return
	}
	res, err := h.ctrl.StopRecording(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"stopped": true})
		return
	}
	writeJSON(w, http.StatusOK, fileResponse(res))
}

// handleSave handles POST /api/replay/save
func (h *RecordingHandler) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	start := time.Now()
	res, err := h.ctrl.SaveReplayBuffer(r.Context())
	switch {
	case errors.Is(err, recorder.ErrReplayBufferIsNil):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, muxer.ErrReplayEmpty):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil && res == nil:
		h.logger.Error("Replay save failed", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := fileResponse(res)
	status := http.StatusCreated
	if err != nil {
		// Partial file written.
		body.Error = err.Error()
		status = http.StatusOK
	}
	h.logger.Info("Replay saved via API",
		recorderlog.String("path", res.Path),
		recorderlog.Bool("truncated", res.Truncated),
		recorderlog.Duration("elapsed", time.Since(start)))
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
