package ingestion

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

// Register mounts the routes on the /api/v1 subrouter.
func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/imports", h.handleRun).Methods(http.MethodPost)
	router.HandleFunc("/imports/jobs", h.handleJobs).Methods(http.MethodGet)
	router.HandleFunc("/sources", h.handleSources).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Log.WithError(err).Warn("invalid import request")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The run outlives a disconnected client; RunDeadline bounds it.
	summary, err := h.service.RunImport(context.WithoutCancel(r.Context()), req.SourceID)
	if err != nil {
		if IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("import run aborted")
		http.Error(w, "import run aborted", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := h.service.Jobs(r.Context(), r.URL.Query().Get("source_id"), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list import jobs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

type sourceView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Kind      string      `json:"kind"`
	IsEnabled bool        `json:"is_enabled"`
	Health    interface{} `json:"health"`
}

// handleSources lists sources with their health; provider credentials are never returned.
func (h *HTTPHandler) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.service.Sources(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to list sources")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceView{
			ID:        src.ID,
			Name:      src.Name,
			Kind:      string(src.Kind),
			IsEnabled: src.IsEnabled,
			Health:    src.Health,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": out})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Warn("failed to encode response")
	}
}
