package handlers

import (
	"errors"
	"net/http"

	"gantry/internal/store"
	"gantry/pkg/api"

	"github.com/google/uuid"
)

// GetJobLogs handles GET /runs/{id}/jobs/{job}/logs
// Logs are retrievable regardless of the run's overall outcome.
func (h *Handlers) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}
	jobName := r.PathValue("job")

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to fetch run", http.StatusInternalServerError)
		return
	}

	logs, err := h.store.GetJobLogs(ctx, runID, jobName)
	if err != nil {
		h.httpError(w, "Failed to fetch logs", http.StatusInternalServerError)
		return
	}

	resp := api.GetLogsResponse{Logs: make([]api.LogEntry, len(logs))}
	for i, entry := range logs {
		resp.Logs[i] = api.LogEntry{
			ID:        entry.ID,
			Content:   entry.Content,
			CreatedAt: entry.CreatedAt,
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}
