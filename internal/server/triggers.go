package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/scheduler"
)

// ─── Trigger CRUD ───

type triggersResponse struct {
	Triggers []service.Trigger `json:"triggers"`
}

// triggerCreatedResponse carries the webhook secret exactly once, at
// creation time.
type triggerCreatedResponse struct {
	service.Trigger
	Secret string `json:"secret,omitempty"`
	URL    string `json:"url,omitempty"`
}

// ListTriggersAPI handles GET /triggers.
func (s *Server) ListTriggersAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	records, err := s.store.ListTriggers(r.Context(), id.OwnerID)
	if err != nil {
		slog.Error("list triggers failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list triggers")
		return
	}

	if records == nil {
		records = []service.Trigger{}
	}

	writeJSON(w, http.StatusOK, triggersResponse{Triggers: records})
}

// CreateTriggerAPI handles POST /triggers.
func (s *Server) CreateTriggerAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req service.Trigger
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Type != service.TriggerWebhook && req.Type != service.TriggerEmail {
		writeError(w, http.StatusBadRequest, "type must be 'webhook' or 'email'")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	agent, err := s.store.GetAgent(r.Context(), req.AgentID)
	if err != nil || agent == nil || agent.OwnerID != id.OwnerID {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	req.OwnerID = id.OwnerID

	secret := ""
	if req.Type == service.TriggerWebhook {
		secret = newTriggerSecret()
		req.Secret = secret
	}

	if req.Type == service.TriggerEmail {
		connectorID, _ := req.Config["connector_id"].(string)
		if connectorID == "" {
			writeError(w, http.StatusBadRequest, "email trigger requires 'connector_id' in config")
			return
		}
		connector, err := s.store.GetConnector(r.Context(), connectorID)
		if err != nil || connector == nil || connector.OwnerID != id.OwnerID {
			writeError(w, http.StatusNotFound, "connector not found")
			return
		}
	}

	record, err := s.store.CreateTrigger(r.Context(), req)
	if err != nil {
		slog.Error("create trigger failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create trigger")
		return
	}

	resp := triggerCreatedResponse{Trigger: *record, Secret: secret}
	if secret != "" {
		resp.URL = s.config.PublicURL + "/triggers/" + record.ID + "/events"
	}

	writeJSON(w, http.StatusCreated, resp)
}

// DeleteTriggerAPI handles DELETE /triggers/{id}.
func (s *Server) DeleteTriggerAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	triggerID := r.PathValue("id")
	trigger, err := s.store.GetTrigger(r.Context(), triggerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if trigger == nil || trigger.OwnerID != id.OwnerID {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}

	if err := s.store.DeleteTrigger(r.Context(), triggerID); err != nil {
		slog.Error("delete trigger failed", "id", triggerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete trigger")
		return
	}

	writeMessage(w, http.StatusOK, "deleted")
}

// ─── Webhook ingress ───

// WebhookEventAPI handles POST /triggers/{id}/events. Authentication is
// the HMAC signature over "{ts}.{raw_body}"; a request that fails the
// check never advances any state and never fires the trigger.
func (s *Server) WebhookEventAPI(w http.ResponseWriter, r *http.Request) {
	triggerID := r.PathValue("id")

	trigger, err := s.store.GetTrigger(r.Context(), triggerID)
	if err != nil {
		slog.Error("webhook: get trigger failed", "id", triggerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if trigger == nil || trigger.Type != service.TriggerWebhook {
		writeError(w, http.StatusNotFound, "unknown trigger")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	timestamp := r.Header.Get("X-Zerg-Timestamp")
	signature := r.Header.Get("X-Zerg-Signature")
	if err := verifyWebhookSignature(trigger.Secret, timestamp, signature, body, time.Now()); err != nil {
		webhookRejected.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized: "+err.Error())
		return
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]any{"raw": string(body)}
		}
	}

	triggerFired.Inc()
	s.events.Publish(bus.Event{
		Kind:  bus.EventTriggerFired,
		Topic: "agent:" + trigger.AgentID,
		Payload: scheduler.TriggerFired{
			TriggerID: trigger.ID,
			Source:    service.SourceWebhook,
			Payload:   payload,
		},
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func newTriggerSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}

	return hex.EncodeToString(buf)
}
