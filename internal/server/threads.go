package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rakunlabs/logi"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Thread API ───

type threadsResponse struct {
	Threads []service.Thread `json:"threads"`
}

type messagesResponse struct {
	Messages []service.StoredMessage `json:"messages"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

// ListThreadsAPI handles GET /threads.
func (s *Server) ListThreadsAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	records, err := s.store.ListThreads(r.Context(), id.OwnerID)
	if err != nil {
		slog.Error("list threads failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}

	if records == nil {
		records = []service.Thread{}
	}

	writeJSON(w, http.StatusOK, threadsResponse{Threads: records})
}

// CreateThreadAPI handles POST /threads.
func (s *Server) CreateThreadAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req service.Thread
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	agent, err := s.store.GetAgent(r.Context(), req.AgentID)
	if err != nil || agent == nil || agent.OwnerID != id.OwnerID {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	req.OwnerID = id.OwnerID
	if req.Kind == "" {
		req.Kind = service.ThreadChat
	}

	record, err := s.store.CreateThread(r.Context(), req)
	if err != nil {
		slog.Error("create thread failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

// ListMessagesAPI handles GET /threads/{id}/messages with limit/offset
// pagination.
func (s *Server) ListMessagesAPI(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	msgs, err := s.store.ListMessages(r.Context(), thread.ID, limit, offset)
	if err != nil {
		slog.Error("list messages failed", "thread_id", thread.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	if msgs == nil {
		msgs = []service.StoredMessage{}
	}

	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, Limit: limit, Offset: offset})
}

// PostMessageAPI handles POST /threads/{id}/messages: append one user
// message without running the agent.
func (s *Server) PostMessageAPI(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msgs, err := s.store.AppendMessages(r.Context(), thread.ID, []service.StoredMessage{
		{ThreadID: thread.ID, Role: service.RoleUserMsg, Content: req.Content},
	})
	if err != nil {
		slog.Error("append message failed", "thread_id", thread.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to append message")
		return
	}

	writeJSON(w, http.StatusCreated, msgs[0])
}

// RunThreadAPI handles POST /threads/{id}/run: enqueue a chat turn.
func (s *Server) RunThreadAPI(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}

	if s.scheduler.AgentBusy(thread.AgentID) {
		writeError(w, http.StatusConflict, "agent already has a run in flight")
		return
	}

	runCtx := s.detachContext(r)

	go func() {
		if _, err := s.scheduler.StartThreadRun(runCtx, thread.ID, service.SourceAPI); err != nil {
			logi.Ctx(runCtx).Error("thread run failed", "thread_id", thread.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "thread_id": thread.ID})
}

// ResumeThreadAPI handles POST /threads/{id}/resume.
func (s *Server) ResumeThreadAPI(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}

	run, err := s.scheduler.Resume(r.Context(), thread.ID)
	if err != nil {
		if status, ok := conflictStatus(err); ok {
			writeError(w, status, err.Error())
			return
		}
		slog.Error("resume failed", "thread_id", thread.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resume thread")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Server) ownedThread(w http.ResponseWriter, r *http.Request) (*service.Thread, bool) {
	id, _ := identityFrom(r.Context())

	thread, err := s.store.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if thread == nil || thread.OwnerID != id.OwnerID {
		writeError(w, http.StatusNotFound, "thread not found")
		return nil, false
	}

	return thread, true
}
