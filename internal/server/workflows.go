package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/logi"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Workflow API ───

type workflowsResponse struct {
	Workflows []service.Workflow `json:"workflows"`
}

// ListWorkflowsAPI handles GET /workflows.
func (s *Server) ListWorkflowsAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	records, err := s.store.ListWorkflows(r.Context(), id.OwnerID)
	if err != nil {
		slog.Error("list workflows failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	if records == nil {
		records = []service.Workflow{}
	}

	writeJSON(w, http.StatusOK, workflowsResponse{Workflows: records})
}

// CreateWorkflowAPI handles POST /workflows; the graph is validated at
// save time.
func (s *Server) CreateWorkflowAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req service.Workflow
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := ValidateWorkflowGraph(req.Graph); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid graph: %v", err))
		return
	}

	req.OwnerID = id.OwnerID
	record, err := s.store.CreateWorkflow(r.Context(), req)
	if err != nil {
		slog.Error("create workflow failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

// GetWorkflowAPI handles GET /workflows/{id}.
func (s *Server) GetWorkflowAPI(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.ownedWorkflow(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, wf)
}

// UpdateWorkflowAPI handles PUT /workflows/{id}.
func (s *Server) UpdateWorkflowAPI(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.ownedWorkflow(w, r)
	if !ok {
		return
	}

	var req service.Workflow
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := ValidateWorkflowGraph(req.Graph); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid graph: %v", err))
		return
	}

	if req.Name != "" {
		wf.Name = req.Name
	}
	wf.Description = req.Description
	wf.Graph = req.Graph

	record, err := s.store.UpdateWorkflow(r.Context(), wf.ID, *wf)
	if err != nil {
		slog.Error("update workflow failed", "id", wf.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update workflow")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// DeleteWorkflowAPI handles DELETE /workflows/{id}.
func (s *Server) DeleteWorkflowAPI(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.ownedWorkflow(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteWorkflow(r.Context(), wf.ID); err != nil {
		slog.Error("delete workflow failed", "id", wf.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete workflow")
		return
	}

	writeMessage(w, http.StatusOK, "deleted")
}

// ExecuteWorkflowAPI handles POST /workflows/{id}/execute. The request
// body (JSON object) becomes the trigger payload; execution continues
// in the background and progress streams on workflow_execution:{run_id}.
func (s *Server) ExecuteWorkflowAPI(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.ownedWorkflow(w, r)
	if !ok {
		return
	}

	var payload map[string]any
	if body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "request body must be a JSON object")
			return
		}
	}

	runCtx := s.detachContext(r)

	go func() {
		if _, err := s.scheduler.StartWorkflowRun(runCtx, wf.ID, service.SourceAPI, payload); err != nil {
			logi.Ctx(runCtx).Error("workflow run failed", "workflow_id", wf.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "workflow_id": wf.ID})
}

func (s *Server) ownedWorkflow(w http.ResponseWriter, r *http.Request) (*service.Workflow, bool) {
	id, _ := identityFrom(r.Context())

	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if wf == nil || wf.OwnerID != id.OwnerID {
		writeError(w, http.StatusNotFound, "workflow not found")
		return nil, false
	}

	return wf, true
}
