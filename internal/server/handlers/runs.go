package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"gantry/internal/store"
	"gantry/pkg/api"

	"github.com/google/uuid"
)

// ListRuns handles GET /runs?limit=N
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50 // default
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		h.httpError(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	resp := api.ListRunsResponse{Runs: make([]api.RunSummary, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = runSummary(&run)
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetRun handles GET /runs/{id}; the response includes the per-job
// breakdown.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, err := h.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.httpError(w, "Failed to fetch run", http.StatusInternalServerError)
		return
	}

	results, err := h.store.ListJobResults(ctx, runID)
	if err != nil {
		h.httpError(w, "Failed to fetch job results", http.StatusInternalServerError)
		return
	}

	resp := api.RunResponse{RunSummary: runSummary(run)}
	for _, result := range results {
		resp.Jobs = append(resp.Jobs, api.JobResult{
			Name:         result.JobName,
			Status:       string(result.Status),
			SkipReason:   string(result.SkipReason),
			FailureClass: string(result.FailureClass),
			ExitCode:     result.ExitCode,
			Error:        result.ErrorMessage,
			StartedAt:    result.StartedAt,
			FinishedAt:   result.FinishedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

func runSummary(run *store.Run) api.RunSummary {
	return api.RunSummary{
		ID:         run.ID.String(),
		Pipeline:   run.Pipeline,
		Revision:   run.Revision,
		Branch:     run.Branch,
		Status:     string(run.Status),
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
}
