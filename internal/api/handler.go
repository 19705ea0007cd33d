package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/recmeet/recmeet/internal/config"
	"github.com/recmeet/recmeet/internal/pipeline"
	"github.com/recmeet/recmeet/internal/sources"
	"github.com/recmeet/recmeet/internal/storage/sqlite"
	"github.com/recmeet/recmeet/internal/websocket"
	"github.com/recmeet/recmeet/pkg/logger"
)

// sourceCatalog is the slice of the sources catalog the API reads from.
type sourceCatalog interface {
	Detect(ctx context.Context, pattern string) (sources.Detected, error)
}

// sessionHistory is the slice of the sqlite storage the API reads from.
type sessionHistory interface {
	GetRecentSessions(limit int) ([]*sqlite.SessionRecord, error)
	GetSessionByRunID(runID string) (*sqlite.SessionRecord, error)
}

// Handler contains the API request handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	catalog  sourceCatalog
	history  sessionHistory
	wsServer *websocket.Server
	config   *config.Config
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, catalog sourceCatalog, history sessionHistory, wsServer *websocket.Server, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		pipeline: p,
		catalog:  catalog,
		history:  history,
		wsServer: wsServer,
		config:   cfg,
		logger:   log.Named("api-handler"),
	}
}

// startRequest carries per-run overrides of the loaded configuration.
type startRequest struct {
	Model         *string `json:"model,omitempty"`
	MicOnly       *bool   `json:"mic_only,omitempty"`
	NoSummary     *bool   `json:"no_summary,omitempty"`
	MicSource     *string `json:"mic_source,omitempty"`
	MonitorSource *string `json:"monitor_source,omitempty"`
	OutputDir     *string `json:"output_dir,omitempty"`
}

// StartPipeline begins a recording run. Returns 409 when a run is active.
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	cfg := *h.config
	if r.Body != nil && r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Model != nil {
			cfg.Model = *req.Model
		}
		if req.MicOnly != nil {
			cfg.MicOnly = *req.MicOnly
		}
		if req.NoSummary != nil {
			cfg.NoSummary = *req.NoSummary
		}
		if req.MicSource != nil {
			cfg.MicSource = *req.MicSource
		}
		if req.MonitorSource != nil {
			cfg.MonitorSource = *req.MonitorSource
		}
		if req.OutputDir != nil {
			cfg.OutputDir = *req.OutputDir
		}
	}

	runID, err := h.pipeline.StartAsync(cfg)
	if err != nil {
		if errors.Is(err, pipeline.ErrBusy) {
			h.respondError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("Failed to start pipeline", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to start recording")
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"phase":  string(h.pipeline.Phase()),
	})
}

// StopPipeline raises the cooperative stop flag. Always 202: a stop
// request outside the Recording phase is a no-op, not an error.
func (h *Handler) StopPipeline(w http.ResponseWriter, r *http.Request) {
	h.pipeline.RequestStop()
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"phase": string(h.pipeline.Phase()),
	})
}

// GetPipelineStatus returns the current phase.
func (h *Handler) GetPipelineStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"phase": h.pipeline.Phase(),
		"time":  time.Now().UTC(),
	})
}

// GetPipelineResult returns the most recent run result, 404 before the
// first run completes.
func (h *Handler) GetPipelineResult(w http.ResponseWriter, r *http.Request) {
	res := h.pipeline.Result()
	if res == nil {
		h.respondError(w, http.StatusNotFound, "no completed runs")
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// GetSources enumerates audio endpoints and reports what auto-detection
// would pick for the configured pattern. Detect carries the full
// enumeration, so pactl runs once per request.
func (h *Handler) GetSources(w http.ResponseWriter, r *http.Request) {
	detected, err := h.catalog.Detect(r.Context(), h.config.DevicePattern)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sources":  detected.All,
		"detected": detected,
	})
}

// GetSessions returns recent session history, newest first.
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.history.GetRecentSessions(limit)
	if err != nil {
		h.logger.Error("Failed to query session history", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to query sessions")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": records,
		"count":    len(records),
	})
}

// GetSessionByID returns one session by its run ID.
func (h *Handler) GetSessionByID(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	record, err := h.history.GetSessionByRunID(runID)
	if err != nil {
		h.logger.Error("Failed to query session", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to query session")
		return
	}
	if record == nil {
		h.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	h.respondJSON(w, http.StatusOK, record)
}

// GetHealth returns a basic health check response.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"phase":      h.pipeline.Phase(),
		"ws_clients": h.wsServer.ClientCount(),
		"time":       time.Now().UTC(),
	})
}

// HandleWebSocket upgrades the connection and streams phase events.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
