package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dhiraj-trilio/trilio-dms/internal/ledger"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/pkg/coordinator"
)

// Handler serves the admin API's HTTP routes over a Coordinator.
type Handler struct {
	coord *coordinator.Coordinator
}

// NewHandler creates a Handler over coord.
func NewHandler(coord *coordinator.Coordinator) *Handler {
	return &Handler{coord: coord}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode admin API response", logger.Err(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseJobID(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("job_id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Status handles GET /mounts/{target_id}/status?job_id=&host=
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	host := r.URL.Query().Get("host")
	jobID, ok := parseJobID(r)
	if !ok || host == "" {
		writeError(w, http.StatusBadRequest, "job_id and host query parameters are required")
		return
	}

	entry, err := h.coord.Status(r.Context(), jobID, targetID, host)
	if err != nil {
		if err == ledger.ErrNotFound {
			writeError(w, http.StatusNotFound, "no ledger entry for that job/target/host")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListActive handles GET /mounts?host=&target_id=
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	targetID := r.URL.Query().Get("target_id")

	entries, err := h.coord.ListActive(r.Context(), host, targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// History handles GET /mounts/{target_id}/history?limit=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := h.coord.History(r.Context(), targetID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// SoftDelete handles DELETE /mounts/{target_id}?job_id=&host=
func (h *Handler) SoftDelete(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	host := r.URL.Query().Get("host")
	jobID, ok := parseJobID(r)
	if !ok || host == "" {
		writeError(w, http.StatusBadRequest, "job_id and host query parameters are required")
		return
	}

	deleted, err := h.coord.SoftDelete(r.Context(), jobID, targetID, host)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "no live ledger entry for that job/target/host")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Health handles GET /health, an unauthenticated liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
