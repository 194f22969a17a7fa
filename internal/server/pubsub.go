package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// pubsubPush is the Pub/Sub push envelope.
type pubsubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded Gmail watch notification payload.
type gmailNotification struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// PubSubAPI handles POST /email/webhook/google/pubsub. The OIDC bearer
// token is validated first; the dedupe decision and the 202 response
// are synchronous, history processing is not.
func (s *Server) PubSubAPI(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "email ingress not configured")
		return
	}

	if err := s.validatePubSubOIDC(r.Context(), r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized: "+err.Error())
		return
	}

	var push pubsubPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push envelope")
		return
	}

	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message data")
		return
	}

	var notification gmailNotification
	if err := json.Unmarshal(data, &notification); err != nil || notification.EmailAddress == "" {
		writeError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}

	historyID := parseHistoryID(notification.HistoryID)

	dispatched, err := s.ingestor.HandlePush(r.Context(), notification.EmailAddress, historyID)
	if err != nil {
		// The push is acknowledged regardless: Pub/Sub would otherwise
		// redeliver a notification we cannot use.
		slog.Error("pubsub: push handling failed",
			"email", notification.EmailAddress, "error", err)
	}
	if !dispatched && err == nil {
		pubsubDeduped.Inc()
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// parseHistoryID tolerates both string and numeric historyId encodings.
func parseHistoryID(raw json.RawMessage) uint64 {
	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if n, err := strconv.ParseUint(asString, 10, 64); err == nil {
			return n
		}
	}

	return 0
}
