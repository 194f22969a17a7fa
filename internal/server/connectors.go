package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Account credential API ───
//
// Secrets never leave the server: list and read responses carry
// metadata only.

type connectorView struct {
	ConnectorType string             `json:"connector_type"`
	DisplayName   string             `json:"display_name"`
	TestStatus    service.TestStatus `json:"test_status"`
	Configured    bool               `json:"configured"`
	Disabled      bool               `json:"disabled"`
	UpdatedAt     string             `json:"updated_at"`
}

type connectorsResponse struct {
	Connectors []connectorView `json:"connectors"`
}

// ListConnectorsAPI handles GET /account/connectors.
func (s *Server) ListConnectorsAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	records, err := s.store.ListAccountCredentials(r.Context(), id.OwnerID)
	if err != nil {
		slog.Error("list account credentials failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list connectors")
		return
	}

	views := make([]connectorView, 0, len(records))
	for _, c := range records {
		views = append(views, connectorView{
			ConnectorType: c.ConnectorType,
			DisplayName:   c.DisplayName,
			TestStatus:    c.TestStatus,
			Configured:    true,
			Disabled:      c.Disabled,
			UpdatedAt:     c.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, connectorsResponse{Connectors: views})
}

// UpsertConnectorAPI handles POST /account/connectors.
func (s *Server) UpsertConnectorAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req struct {
		ConnectorType string `json:"connector_type"`
		Value         string `json:"value"`
		DisplayName   string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.ConnectorType == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "connector_type and value are required")
		return
	}

	record, err := s.store.UpsertAccountCredential(r.Context(), service.AccountCredential{
		OwnerID:       id.OwnerID,
		ConnectorType: req.ConnectorType,
		Value:         req.Value,
		DisplayName:   req.DisplayName,
	})
	if err != nil {
		slog.Error("upsert account credential failed", "owner_id", id.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save connector")
		return
	}

	writeJSON(w, http.StatusCreated, connectorView{
		ConnectorType: record.ConnectorType,
		DisplayName:   record.DisplayName,
		TestStatus:    record.TestStatus,
		Configured:    true,
		UpdatedAt:     record.UpdatedAt,
	})
}

// DeleteConnectorAPI handles DELETE /account/connectors/{type}.
func (s *Server) DeleteConnectorAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	connectorType := r.PathValue("type")
	if connectorType == "" {
		writeError(w, http.StatusBadRequest, "connector type is required")
		return
	}

	if err := s.store.DeleteAccountCredential(r.Context(), id.OwnerID, connectorType); err != nil {
		slog.Error("delete account credential failed",
			"owner_id", id.OwnerID, "type", connectorType, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete connector")
		return
	}

	writeMessage(w, http.StatusOK, "deleted")
}

// TestConnectorAPI handles POST /account/connectors/{type}/test: a
// lightweight connectivity check that updates test_status. Secrets stay
// on the server; only the verdict is returned.
func (s *Server) TestConnectorAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	connectorType := r.PathValue("type")
	record, err := s.store.GetAccountCredential(r.Context(), id.OwnerID, connectorType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "connector not configured")
		return
	}

	resolver := s.newResolver("", id.OwnerID)
	value, _, err := resolver.Get(r.Context(), connectorType)

	status := service.TestSuccess
	reason := ""
	if err != nil {
		status = service.TestFailed
		reason = "credential cannot be decrypted"
	} else if err := checkCredentialShape(connectorType, value); err != nil {
		status = service.TestFailed
		reason = err.Error()
	}

	if err := s.store.UpdateAccountCredentialStatus(r.Context(), record.ID, status); err != nil {
		slog.Error("update credential status failed", "id", record.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record test result")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connector_type": connectorType,
		"test_status":    status,
		"reason":         reason,
	})
}

// checkCredentialShape validates the stored secret's structure per
// connector type without calling the remote service.
func checkCredentialShape(connectorType, value string) error {
	switch connectorType {
	case "slack_webhook":
		u, err := url.Parse(value)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("value must be an https webhook URL")
		}
	case "email_smtp":
		var cred struct {
			Host string `json:"host"`
			From string `json:"from"`
		}
		if err := json.Unmarshal([]byte(value), &cred); err != nil {
			return fmt.Errorf("value must be a JSON SMTP configuration")
		}
		if cred.Host == "" || cred.From == "" {
			return fmt.Errorf("smtp configuration needs host and from")
		}
	default:
		if value == "" {
			return fmt.Errorf("credential value is empty")
		}
	}

	return nil
}

// SetConnectorDisabledAPI handles POST /account/connectors/{type}/disabled:
// the admin kill switch behind the disabled_by_admin connector status.
func (s *Server) SetConnectorDisabledAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if id.Role != service.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	connectorType := r.PathValue("type")

	var req struct {
		OwnerID  string `json:"owner_id"`
		Disabled bool   `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = id.OwnerID
	}

	if err := s.store.SetAccountCredentialDisabled(r.Context(), ownerID, connectorType, req.Disabled); err != nil {
		slog.Error("set connector disabled failed",
			"owner_id", ownerID, "type", connectorType, "error", err)
		writeError(w, http.StatusNotFound, "connector not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connector_type": connectorType,
		"disabled":       req.Disabled,
	})
}
