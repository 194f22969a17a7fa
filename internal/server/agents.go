package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/logi"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/scheduler"
)

// ─── Agent CRUD ───

type agentsResponse struct {
	Agents []service.Agent `json:"agents"`
}

// ListAgentsAPI handles GET /agents.
func (s *Server) ListAgentsAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	records, err := s.store.ListAgents(r.Context(), id.OwnerID)
	if err != nil {
		slog.Error("list agents failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	if records == nil {
		records = []service.Agent{}
	}

	writeJSON(w, http.StatusOK, agentsResponse{Agents: records})
}

// CreateAgentAPI handles POST /agents; enforces the model allowlist for
// non-admins and validates the cron spec.
func (s *Server) CreateAgentAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req service.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Name == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "name and model are required")
		return
	}

	if err := scheduler.ModelAllowed(s.quotaCfg, id.Role, req.Model); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := scheduler.ValidateCron(req.CronSchedule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.OwnerID = id.OwnerID
	record, err := s.store.CreateAgent(r.Context(), req)
	if err != nil {
		slog.Error("create agent failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	s.reloadScheduler(record.CronSchedule != "")
	s.publishAgentUpdated(record)

	writeJSON(w, http.StatusCreated, record)
}

// GetAgentAPI handles GET /agents/{id}.
func (s *Server) GetAgentAPI(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.ownedAgent(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// UpdateAgentAPI handles PUT /agents/{id}.
func (s *Server) UpdateAgentAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	agent, ok := s.ownedAgent(w, r)
	if !ok {
		return
	}

	var req service.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Model != "" {
		if err := scheduler.ModelAllowed(s.quotaCfg, id.Role, req.Model); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		agent.Model = req.Model
	}
	if err := scheduler.ValidateCron(req.CronSchedule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
	}
	agent.SystemInstructions = req.SystemInstructions
	agent.TaskInstructions = req.TaskInstructions
	agent.AllowedTools = req.AllowedTools
	agent.CronSchedule = req.CronSchedule

	record, err := s.store.UpdateAgent(r.Context(), agent.ID, *agent)
	if err != nil {
		slog.Error("update agent failed", "id", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update agent")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	s.reloadScheduler(true)
	s.publishAgentUpdated(record)

	writeJSON(w, http.StatusOK, record)
}

// DeleteAgentAPI handles DELETE /agents/{id}.
func (s *Server) DeleteAgentAPI(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.ownedAgent(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		slog.Error("delete agent failed", "id", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}

	s.reloadScheduler(agent.CronSchedule != "")

	writeMessage(w, http.StatusOK, "deleted")
}

// RunAgentAPI handles POST /agents/{id}/run: a manual non-interactive
// run. 409 when the agent is already running.
func (s *Server) RunAgentAPI(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.ownedAgent(w, r)
	if !ok {
		return
	}

	if s.scheduler.AgentBusy(agent.ID) {
		writeError(w, http.StatusConflict, "agent already has a run in flight")
		return
	}

	runCtx := s.detachContext(r)

	go func() {
		if _, err := s.scheduler.StartAgentRun(runCtx, agent.ID, service.SourceManual, nil); err != nil {
			logi.Ctx(runCtx).Error("manual run failed", "agent_id", agent.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "agent_id": agent.ID})
}

// ownedAgent loads the path agent and enforces ownership.
func (s *Server) ownedAgent(w http.ResponseWriter, r *http.Request) (*service.Agent, bool) {
	id, _ := identityFrom(r.Context())

	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if agent == nil || agent.OwnerID != id.OwnerID {
		writeError(w, http.StatusNotFound, "agent not found")
		return nil, false
	}

	return agent, true
}

func (s *Server) publishAgentUpdated(agent *service.Agent) {
	s.events.Publish(bus.Event{
		Kind:    bus.EventAgentUpdated,
		Topic:   "agent:" + agent.ID,
		Payload: agent,
	})
}

func (s *Server) reloadScheduler(needed bool) {
	if !needed || s.scheduler == nil {
		return
	}
	if err := s.scheduler.Reload(); err != nil {
		slog.Error("scheduler reload failed", "error", err)
	}
}

// detachContext builds a background context carrying the request's
// logger, so run execution outlives the HTTP request.
func (s *Server) detachContext(r *http.Request) context.Context {
	return logi.WithContext(context.Background(), logi.Ctx(r.Context()))
}

// conflictStatus maps scheduler admission errors onto HTTP statuses.
func conflictStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return http.StatusConflict, true
	case errors.Is(err, scheduler.ErrRunQuotaExceeded), errors.Is(err, scheduler.ErrCostQuotaExceeded):
		return http.StatusTooManyRequests, true
	case errors.Is(err, scheduler.ErrModelNotAllowed):
		return http.StatusUnprocessableEntity, true
	}

	return 0, false
}
