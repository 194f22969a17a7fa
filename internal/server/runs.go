package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Runs API ───

type runsResponse struct {
	Runs []service.Run `json:"runs"`
}

// ListRunsAPI handles GET /runs.
func (s *Server) ListRunsAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	records, err := s.store.ListRuns(r.Context(), id.OwnerID, limit)
	if err != nil {
		slog.Error("list runs failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if records == nil {
		records = []service.Run{}
	}

	writeJSON(w, http.StatusOK, runsResponse{Runs: records})
}

// CancelRunAPI handles POST /runs/{id}/cancel. Cancellation is
// cooperative: the in-flight node or tool call finishes before the run
// winds down.
func (s *Server) CancelRunAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	runID := r.PathValue("id")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if run == nil || run.OwnerID != id.OwnerID {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	val, ok := s.activeRuns.Load(runID)
	if !ok {
		writeError(w, http.StatusConflict, "run not active")
		return
	}

	val.(*activeRun).Cancel()

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "cancel signal sent",
		"run_id":  runID,
	})
}
